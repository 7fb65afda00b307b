package ui

import (
	"log"
	"sync"
	"time"

	"rastertail/ingest"

	"github.com/dustin/go-humanize"
)

const defaultConsoleInterval = 2 * time.Second

// Console is the headless display adapter. It logs status changes and
// throttled progress lines instead of drawing the raster.
type Console struct {
	interval time.Duration
	logf     func(format string, args ...any)
	now      func() time.Time

	mu         sync.Mutex
	lastStatus ingest.Status
	lastEpoch  uint64
	lastLine   time.Time
	seen       bool
}

// NewConsole returns a console sink. A non-positive interval uses two
// seconds; a nil logf uses log.Printf.
func NewConsole(interval time.Duration, logf func(format string, args ...any)) *Console {
	if interval <= 0 {
		interval = defaultConsoleInterval
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Console{interval: interval, logf: logf, now: time.Now}
}

// Publish implements ingest.Sink.
func (c *Console) Publish(u ingest.Update) {
	if c == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	changed := !c.seen || u.Status != c.lastStatus || u.Epoch != c.lastEpoch
	due := changed || now.Sub(c.lastLine) >= c.interval
	if due {
		c.seen = true
		c.lastStatus = u.Status
		c.lastEpoch = u.Epoch
		c.lastLine = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	switch u.Status {
	case ingest.StatusComplete:
		c.logf("Raster: complete %s pixels (%dx%d, palette %s)",
			humanize.Comma(int64(u.Total)), frameWidth(u), u.Height, u.Palette)
	case ingest.StatusIngesting:
		c.logf("Raster: processing row %d/%d, %s / %s pixels (%.1f%%)",
			u.Row, u.Height, humanize.Comma(int64(u.Filled)), humanize.Comma(int64(u.Total)), u.Progress*100)
	default:
		c.logf("Raster: waiting for file %s", u.Source)
	}
}
