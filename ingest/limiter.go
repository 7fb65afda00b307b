package ingest

import (
	"fmt"
	"sync"
	"time"
)

// logLimiter suppresses repeats of the same class of per-tick message. The
// first occurrence is emitted; repeats inside the window are counted and the
// count is appended to the next emitted line for that class.
type logLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]limiterEntry
}

type limiterEntry struct {
	nextEmit   time.Time
	suppressed uint64
}

func newLogLimiter(window time.Duration) *logLimiter {
	return &logLimiter{
		window:  window,
		now:     time.Now,
		entries: make(map[string]limiterEntry),
	}
}

// Process returns the line to log and whether to log it at all.
func (l *logLimiter) Process(class, line string) (string, bool) {
	if l == nil || l.window <= 0 {
		return line, true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, found := l.entries[class]
	if found && now.Before(entry.nextEmit) {
		entry.suppressed++
		l.entries[class] = entry
		return "", false
	}
	suppressed := entry.suppressed
	l.entries[class] = limiterEntry{nextEmit: now.Add(l.window)}
	if suppressed > 0 {
		line = fmt.Sprintf("%s (suppressed=%d over %s)", line, suppressed, l.window)
	}
	return line, true
}

// Forget clears a class so its next occurrence is logged immediately.
func (l *logLimiter) Forget(class string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.entries, class)
	l.mu.Unlock()
}
