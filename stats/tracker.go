// Package stats tracks ingest, render, and persistence counters for display in
// the dashboard and periodic console output.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker holds monotonic counters. Every method is safe for concurrent use;
// the ingest loop increments, the display and telemetry paths read.
type Tracker struct {
	start atomic.Int64

	polls          atomic.Uint64
	sourceMissing  atomic.Uint64
	ioErrors       atomic.Uint64
	bytesConsumed  atomic.Uint64
	samples        atomic.Uint64
	malformed      atomic.Uint64
	overflow       atomic.Uint64
	renders        atomic.Uint64
	staleFrames    atomic.Uint64
	saves          atomic.Uint64
	saveFailures   atomic.Uint64
	restarts       atomic.Uint64
	paletteChanges sync.Map // palette name -> *atomic.Uint64
}

// NewTracker creates a tracker whose uptime starts now.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// RecordPoll counts one tail poll and the bytes it consumed.
func (t *Tracker) RecordPoll(consumed int64) {
	t.polls.Add(1)
	if consumed > 0 {
		t.bytesConsumed.Add(uint64(consumed))
	}
}

// RecordSourceMissing counts a poll that found no source file.
func (t *Tracker) RecordSourceMissing() { t.sourceMissing.Add(1) }

// RecordIOError counts a poll that failed with an I/O error.
func (t *Tracker) RecordIOError() { t.ioErrors.Add(1) }

// RecordSamples counts accepted, malformed, and dropped-past-capacity samples.
func (t *Tracker) RecordSamples(accepted, malformed, overflow int) {
	if accepted > 0 {
		t.samples.Add(uint64(accepted))
	}
	if malformed > 0 {
		t.malformed.Add(uint64(malformed))
	}
	if overflow > 0 {
		t.overflow.Add(uint64(overflow))
	}
}

// RecordRender counts a published frame.
func (t *Tracker) RecordRender() { t.renders.Add(1) }

// RecordStaleFrame counts a frame dropped because a newer one was already published.
func (t *Tracker) RecordStaleFrame() { t.staleFrames.Add(1) }

// RecordSave counts a persisted image, or a failed attempt when err is non-nil.
func (t *Tracker) RecordSave(err error) {
	if err != nil {
		t.saveFailures.Add(1)
		return
	}
	t.saves.Add(1)
}

// RecordRestart counts an applied restart request.
func (t *Tracker) RecordRestart() { t.restarts.Add(1) }

// RecordPaletteChange counts a switch to the named palette.
func (t *Tracker) RecordPaletteChange(name string) {
	incrementCounter(&t.paletteChanges, name)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime         time.Duration
	Polls          uint64
	SourceMissing  uint64
	IOErrors       uint64
	BytesConsumed  uint64
	Samples        uint64
	Malformed      uint64
	Overflow       uint64
	Renders        uint64
	StaleFrames    uint64
	Saves          uint64
	SaveFailures   uint64
	Restarts       uint64
	PaletteChanges map[string]uint64
}

// Snapshot copies the current counters.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:         time.Since(time.Unix(0, t.start.Load())),
		Polls:          t.polls.Load(),
		SourceMissing:  t.sourceMissing.Load(),
		IOErrors:       t.ioErrors.Load(),
		BytesConsumed:  t.bytesConsumed.Load(),
		Samples:        t.samples.Load(),
		Malformed:      t.malformed.Load(),
		Overflow:       t.overflow.Load(),
		Renders:        t.renders.Load(),
		StaleFrames:    t.staleFrames.Load(),
		Saves:          t.saves.Load(),
		SaveFailures:   t.saveFailures.Load(),
		Restarts:       t.restarts.Load(),
		PaletteChanges: make(map[string]uint64),
	}
	t.paletteChanges.Range(func(key, value any) bool {
		s.PaletteChanges[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return s
}

// Lines formats the snapshot for the dashboard stats pane and console output.
func (s Snapshot) Lines() []string {
	return []string{
		fmt.Sprintf("Samples: %s accepted, %s malformed, %s overflow",
			humanize.Comma(int64(s.Samples)), humanize.Comma(int64(s.Malformed)), humanize.Comma(int64(s.Overflow))),
		fmt.Sprintf("Source: %s polls, %s read, %s waiting, %s I/O errors",
			humanize.Comma(int64(s.Polls)), humanize.Bytes(s.BytesConsumed),
			humanize.Comma(int64(s.SourceMissing)), humanize.Comma(int64(s.IOErrors))),
		fmt.Sprintf("Frames: %s rendered, %s stale | Saves: %d ok, %d failed | Restarts: %d",
			humanize.Comma(int64(s.Renders)), humanize.Comma(int64(s.StaleFrames)), s.Saves, s.SaveFailures, s.Restarts),
	}
}

// String returns a one-line summary suitable for periodic logging.
func (s Snapshot) String() string {
	return strings.Join(s.Lines(), " | ")
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
