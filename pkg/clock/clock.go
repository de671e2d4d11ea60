// Package clock provides the injectable wall-clock and ID-minting
// primitives every time-dependent part of the coordinator reads through,
// so tests can substitute deterministic values instead of racing real
// time and randomness.
package clock

import (
	"time"

	"github.com/google/uuid"
	k8sclock "k8s.io/utils/clock"
	faketestclock "k8s.io/utils/clock/testing"
)

// Clock is a type alias of the full k8s.io/utils/clock.Clock interface.
// Re-exporting it under this package keeps the import of the upstream
// package confined to this file.
type Clock = k8sclock.Clock

// Real is the production clock backed by the operating system.
func Real() Clock {
	return k8sclock.RealClock{}
}

// Fake returns a deterministic clock pinned at t, advanced explicitly by
// tests via its Step/SetTime methods.
func Fake(t time.Time) *faketestclock.FakeClock {
	return faketestclock.NewFakeClock(t)
}

// IDs mints opaque unique identifiers. It is an interface (rather than a
// bare function) so tests can inject predictable IDs without monkey
// patching a package-level function.
type IDs interface {
	NewID() string
}

// UUIDs mints RFC 4122 UUIDs via google/uuid.
type UUIDs struct{}

// NewID returns a new random UUID string.
func (UUIDs) NewID() string {
	return uuid.NewString()
}
