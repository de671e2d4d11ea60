// Package watcher observes the incoming directory for subband files and
// turns raw filesystem events into a typed stream the grouper consumes.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dsa110/contimg-coordinator/pkg/log"
)

// filenamePattern matches "<timestamp>_sb<NN>.<ext>", where timestamp is
// whatever raw or canonical prefix the upstream writer used and NN is a
// zero-padded subband index.
var filenamePattern = regexp.MustCompile(`^(.+)_sb(\d+)\.([A-Za-z0-9]+)$`)

// FileEvent is one parsed arrival: a file believed complete at path,
// bearing a raw timestamp and subband index extracted from its name.
type FileEvent struct {
	Path         string
	RawTimestamp time.Time
	SubbandIndex int
	Ext          string
	SizeBytes    int64
}

// RejectedEvent reports a file whose name did not match the expected
// convention, or whose timestamp prefix failed to parse.
type RejectedEvent struct {
	Path   string
	Reason string
}

// TimestampLayouts are the raw-timestamp formats accepted from upstream
// writers, tried in order. Canonicalized filenames (already rewritten by
// the grouper) parse under the first entry.
var TimestampLayouts = []string{
	"20060102T150405.000000000",
	"20060102T150405",
	time.RFC3339Nano,
}

func parseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range TimestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Watcher watches one directory, publishing parsed file events and
// rejections on its channels. Start it with a goroutine, stop it with
// Stop; both are safe to call once.
type Watcher struct {
	dir     string
	events  chan FileEvent
	rejects chan RejectedEvent
	stopCh  chan struct{}
	fsw     *fsnotify.Watcher
}

// New creates a Watcher for dir. The directory must already exist.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watcher: failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		events:  make(chan FileEvent, 256),
		rejects: make(chan RejectedEvent, 64),
		stopCh:  make(chan struct{}),
		fsw:     fsw,
	}, nil
}

// Events returns the channel of parsed arrivals.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Rejects returns the channel of filenames that did not parse.
func (w *Watcher) Rejects() <-chan RejectedEvent { return w.rejects }

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fsw.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("watcher")
	logger.Info().Str("dir", w.dir).Msg("watcher started")

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.handle(ev.Name, &logger)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("watcher error")
		case <-w.stopCh:
			logger.Info().Msg("watcher stopped")
			return
		}
	}
}

func (w *Watcher) handle(path string, logger *zerolog.Logger) {
	fe, err := Parse(path)
	if err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("rejecting unparseable filename")
		select {
		case w.rejects <- RejectedEvent{Path: path, Reason: err.Error()}:
		default:
			logger.Error().Str("path", path).Msg("reject channel full, dropping")
		}
		return
	}

	if info, statErr := os.Stat(path); statErr == nil {
		fe.SizeBytes = info.Size()
	}

	select {
	case w.events <- fe:
	default:
		logger.Error().Str("path", path).Msg("event channel full, dropping arrival")
	}
}

// Parse extracts a FileEvent from a filename, without touching the
// filesystem. Exported so the grouper's retry path and tests can reparse
// a path without a live Watcher.
func Parse(path string) (FileEvent, error) {
	base := filepath.Base(path)
	m := filenamePattern.FindStringSubmatch(base)
	if m == nil {
		return FileEvent{}, fmt.Errorf("watcher: %q does not match <timestamp>_sbNN.ext", base)
	}

	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return FileEvent{}, fmt.Errorf("watcher: %q has a non-numeric subband index: %w", base, err)
	}

	ts, err := parseTimestamp(m[1])
	if err != nil {
		return FileEvent{}, fmt.Errorf("watcher: %q has an unparseable timestamp prefix: %w", base, err)
	}

	return FileEvent{
		Path:         path,
		RawTimestamp: ts,
		SubbandIndex: idx,
		Ext:          m[3],
	}, nil
}
