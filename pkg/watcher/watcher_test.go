package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonicalFilename(t *testing.T) {
	fe, err := Parse("/data/incoming/20260730T120000.000000000_sb07.vis")
	require.NoError(t, err)
	assert.Equal(t, 7, fe.SubbandIndex)
	assert.Equal(t, "vis", fe.Ext)
	assert.Equal(t, 2026, fe.RawTimestamp.Year())
}

func TestParseRFC3339Fallback(t *testing.T) {
	raw := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	fe, err := Parse(raw + "_sb00.vis")
	require.NoError(t, err)
	assert.Equal(t, 0, fe.SubbandIndex)
}

func TestParseRejectsMalformedNames(t *testing.T) {
	cases := []string{
		"no_subband_suffix.vis",
		"20260730T120000.000000000_sbXX.vis",
		"20260730T120000.000000000.vis",
		"not-a-timestamp_sb01.vis",
	}
	for _, name := range cases {
		_, err := Parse("/data/incoming/" + name)
		assert.Error(t, err, name)
	}
}

func TestParseZeroPaddedIndexPreserved(t *testing.T) {
	fe, err := Parse("20260730T120000.000000000_sb15.vis")
	require.NoError(t, err)
	assert.Equal(t, 15, fe.SubbandIndex)
}
