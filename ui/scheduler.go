package ui

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivo/tview"
)

// drawQueue batches pane updates into one QueueUpdateDraw per frame. Updates
// are keyed by pane; a newer update for a pane replaces the older one, so a
// fast producer never queues more than one redraw per pane. Draws are at
// least one frame interval apart.
type drawQueue struct {
	app      *tview.Application
	interval time.Duration
	grace    time.Duration

	mu      sync.Mutex
	panes   []string
	updates map[string]func()

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	coalesced atomic.Uint64
}

const defaultFrameInterval = time.Second / 30

func newDrawQueue(app *tview.Application, interval, grace time.Duration) *drawQueue {
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	if grace <= 0 {
		grace = 100 * time.Millisecond
	}
	return &drawQueue{
		app:      app,
		interval: interval,
		grace:    grace,
		updates:  make(map[string]func()),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (q *drawQueue) Start() { go q.loop() }

// Stop applies whatever is queued and waits up to the grace period for it.
func (q *drawQueue) Stop() {
	q.stopOnce.Do(func() { close(q.quit) })
	select {
	case <-q.done:
	case <-time.After(q.grace):
	}
}

// Set queues fn as the next update for pane.
func (q *drawQueue) Set(pane string, fn func()) {
	if q == nil {
		return
	}
	q.mu.Lock()
	if _, queued := q.updates[pane]; queued {
		q.coalesced.Add(1)
	} else {
		q.panes = append(q.panes, pane)
	}
	q.updates[pane] = fn
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Coalesced reports how many updates were replaced before being drawn.
func (q *drawQueue) Coalesced() uint64 { return q.coalesced.Load() }

func (q *drawQueue) loop() {
	defer close(q.done)
	var last time.Time
	for {
		select {
		case <-q.quit:
			q.drain()
			return
		case <-q.wake:
		}
		if wait := q.interval - time.Since(last); wait > 0 {
			select {
			case <-q.quit:
				q.drain()
				return
			case <-time.After(wait):
			}
		}
		q.drain()
		last = time.Now()
	}
}

// drain applies queued updates in the order panes were first queued. With no
// application attached the updates run on the calling goroutine.
func (q *drawQueue) drain() {
	q.mu.Lock()
	if len(q.panes) == 0 {
		q.mu.Unlock()
		return
	}
	batch := make([]func(), len(q.panes))
	for i, pane := range q.panes {
		batch[i] = q.updates[pane]
		delete(q.updates, pane)
	}
	q.panes = q.panes[:0]
	q.mu.Unlock()

	apply := func() {
		for _, fn := range batch {
			fn()
		}
	}
	if q.app == nil {
		apply()
		return
	}
	q.app.QueueUpdateDraw(apply)
}
