// Package ingest drives the tail -> raster -> render pipeline. One goroutine
// polls the source file and absorbs samples; a second renders the buffer
// through the active palette and publishes updates to display sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rastertail/buffer"
	"rastertail/palette"
	"rastertail/raster"
	"rastertail/render"
	"rastertail/stats"
	"rastertail/tail"

	"github.com/dustin/go-humanize"
)

const (
	DefaultPollInterval   = 50 * time.Millisecond
	DefaultRenderInterval = 100 * time.Millisecond
	DefaultLogWindow      = 30 * time.Second
	defaultHistory        = 8
)

var (
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("ingest: loop already running")
	// ErrNoPersister is returned by SaveNow when no writer is configured.
	ErrNoPersister = errors.New("ingest: saving is not configured")
	// ErrNothingToSave is returned by SaveNow before any sample was absorbed.
	ErrNothingToSave = errors.New("ingest: no samples absorbed yet")
)

// State is the loop's lifecycle position.
type State int32

const (
	Idle State = iota
	WaitingForSource
	Ingesting
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForSource:
		return "waiting-for-source"
	case Ingesting:
		return "ingesting"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is the coarse state shown to display sinks.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusIngesting Status = "ingesting"
	StatusComplete  Status = "complete"
)

// Status maps a lifecycle state to what a display shows.
func (s State) Status() Status {
	switch s {
	case Ingesting:
		return StatusIngesting
	case Complete:
		return StatusComplete
	default:
		return StatusWaiting
	}
}

// Update is one published render. Frame is shared between sinks and must
// not be modified.
type Update struct {
	Frame    *render.Frame
	Epoch    uint64
	Status   Status
	Progress float64
	Row      int // 1-based row currently being filled
	Height   int
	Filled   int
	Total    int
	Palette  palette.Name
	Source   string
	Stats    stats.Snapshot
	At       time.Time
}

// Sink receives published updates. Publish is called from the loop's
// goroutines and must return promptly.
type Sink interface {
	Publish(Update)
}

// Source yields parsed sample batches from the growing input file.
type Source interface {
	Poll() (tail.Batch, error)
	Reset()
	Path() string
}

// Persister writes a snapshot of the raster to durable storage.
type Persister interface {
	Persist(ctx context.Context, view raster.View, pal *palette.Palette) (string, error)
}

// Options tunes the loop. Zero values select defaults.
type Options struct {
	PollInterval   time.Duration
	RenderInterval time.Duration
	Smooth         bool
	// LogWindow rate-limits repeated per-tick warnings.
	LogWindow time.Duration
}

// Config wires a loop to its collaborators. Buffer, Source and Palettes are
// required; everything else is optional.
type Config struct {
	Buffer    *raster.Buffer
	Source    Source
	Palettes  *palette.Active
	Persister Persister
	Tracker   *stats.Tracker
	Sinks     []Sink
	Options   Options
}

type renderKey struct {
	epoch   uint64
	filled  int
	palette palette.Name
	status  Status
}

// Loop owns the raster buffer and is its only writer.
type Loop struct {
	buf       *raster.Buffer
	src       Source
	palettes  *palette.Active
	persister Persister
	tracker   *stats.Tracker
	sinks     []Sink
	opts      Options
	limiter   *logLimiter
	updates   *buffer.RingBuffer[Update]

	// cycle is held exclusively while a restart swaps the buffer contents
	// and epoch, and shared while the render task copies the buffer.
	cycle sync.RWMutex
	epoch atomic.Uint64
	state atomic.Int32

	restartReq atomic.Bool
	running    atomic.Bool
	persisted  bool // touched only by the poll goroutine

	publishMu sync.Mutex
	last      renderKey
	haveLast  bool
}

// Purpose: Build a loop from its collaborators.
// Key aspects: Validates required pieces; defaults intervals to 50/100 ms.
// Upstream: main wiring.
// Downstream: None.
func New(cfg Config) (*Loop, error) {
	if cfg.Buffer == nil {
		return nil, errors.New("ingest: buffer is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("ingest: source is required")
	}
	if cfg.Palettes == nil {
		return nil, errors.New("ingest: palette is required")
	}
	opts := cfg.Options
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RenderInterval <= 0 {
		opts.RenderInterval = DefaultRenderInterval
	}
	if opts.LogWindow == 0 {
		opts.LogWindow = DefaultLogWindow
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = stats.NewTracker()
	}
	l := &Loop{
		buf:       cfg.Buffer,
		src:       cfg.Source,
		palettes:  cfg.Palettes,
		persister: cfg.Persister,
		tracker:   tracker,
		opts:      opts,
		limiter:   newLogLimiter(opts.LogWindow),
		updates:   buffer.NewRingBuffer[Update](defaultHistory),
	}
	for _, s := range cfg.Sinks {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Epoch returns the restart generation, starting at zero.
func (l *Loop) Epoch() uint64 { return l.epoch.Load() }

// Tracker exposes the loop's counters.
func (l *Loop) Tracker() *stats.Tracker { return l.tracker }

// Latest returns the most recently published update.
func (l *Loop) Latest() (Update, bool) {
	e := l.updates.Latest()
	if e == nil {
		return Update{}, false
	}
	return e.Value, true
}

// Purpose: Run the poll and render tasks until ctx is cancelled.
// Key aspects: Poll runs on the calling goroutine; render on a helper that is
// joined before returning. Per-tick errors never stop the loop.
// Upstream: main.
// Downstream: pollOnce, renderOnce.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)
	if l.State() == Idle {
		l.setState(WaitingForSource)
	}
	log.Printf("Ingest: tailing %s into %dx%d raster (poll=%s render=%s)",
		l.src.Path(), l.buf.Width(), l.buf.Height(), l.opts.PollInterval, l.opts.RenderInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.opts.RenderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.renderOnce()
			}
		}
	}()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	l.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

// Restart asks the loop to clear the raster and re-read the source from the
// beginning. It takes effect at the start of the next poll tick.
func (l *Loop) Restart() {
	l.restartReq.Store(true)
}

// SetPalette switches the active palette for subsequent renders.
func (l *Loop) SetPalette(name palette.Name) palette.Name {
	prev := l.palettes.Swap(name)
	current := l.palettes.Load().Name
	if prev == nil || prev.Name != current {
		l.tracker.RecordPaletteChange(current.String())
		log.Printf("Ingest: palette %s", current)
	}
	return current
}

// CyclePalette moves forward (delta > 0) or backward through the palettes.
func (l *Loop) CyclePalette(delta int) palette.Name {
	name := l.palettes.Load().Name
	switch {
	case delta > 0:
		name = name.Next()
	case delta < 0:
		name = name.Prev()
	}
	return l.SetPalette(name)
}

// Purpose: Save the current raster immediately.
// Key aspects: Works in any state; copies the visible rows under the cycle
// lock and renders outside it. Nothing absorbed yet is an error.
// Upstream: dashboard save key.
// Downstream: Persister.Persist.
func (l *Loop) SaveNow(ctx context.Context) (string, error) {
	if l.persister == nil {
		return "", ErrNoPersister
	}
	l.cycle.RLock()
	view := l.buf.Capture()
	l.cycle.RUnlock()
	if view.Filled == 0 {
		return "", ErrNothingToSave
	}
	path, err := l.persister.Persist(ctx, view, l.palettes.Load())
	l.tracker.RecordSave(err)
	if err != nil {
		log.Printf("Persist: manual save failed: %v", err)
		return "", err
	}
	log.Printf("Persist: saved %s (%s/%s samples)", path,
		humanize.Comma(int64(view.Filled)), humanize.Comma(int64(view.Capacity())))
	return path, nil
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		log.Printf("Ingest: %s -> %s", prev, s)
	}
}

// Purpose: One poll tick.
// Key aspects: Applies a pending restart first; stops reading once complete;
// the tick that fills the buffer renders, publishes and persists.
// Upstream: Run.
// Downstream: Source.Poll, raster.Buffer.Absorb, complete.
func (l *Loop) pollOnce(ctx context.Context) {
	if l.restartReq.CompareAndSwap(true, false) {
		l.applyRestart()
	}
	if l.State() == Complete {
		return
	}

	batch, err := l.src.Poll()
	l.tracker.RecordPoll(batch.Consumed)
	if err != nil {
		l.handlePollError(err)
		return
	}
	l.limiter.Forget("missing")
	if l.State() != Ingesting {
		l.setState(Ingesting)
	}

	if len(batch.Samples) > 0 || batch.Malformed > 0 {
		written := l.buf.Absorb(batch.Samples)
		l.tracker.RecordSamples(written, batch.Malformed, len(batch.Samples)-written)
		if batch.Malformed > 0 {
			l.warn("malformed", "Tail: discarded %d malformed record(s) from %s", batch.Malformed, l.src.Path())
		}
	}
	if l.buf.Complete() {
		l.complete(ctx)
	}
}

func (l *Loop) handlePollError(err error) {
	switch {
	case errors.Is(err, tail.ErrSourceMissing):
		l.tracker.RecordSourceMissing()
		if l.State() != WaitingForSource {
			l.setState(WaitingForSource)
		}
		l.warn("missing", "Tail: waiting for %s", l.src.Path())
	case errors.Is(err, tail.ErrSourceTruncated):
		l.tracker.RecordIOError()
		l.warn("truncated", "Tail: %v; restart to re-read from the beginning", err)
	default:
		l.tracker.RecordIOError()
		l.warn("io", "Tail: poll failed: %v", err)
	}
}

func (l *Loop) applyRestart() {
	l.cycle.Lock()
	l.buf.Reset()
	l.src.Reset()
	epoch := l.epoch.Add(1)
	l.persisted = false
	l.state.Store(int32(WaitingForSource))
	l.cycle.Unlock()
	l.tracker.RecordRestart()
	l.limiter.Forget("missing")
	log.Printf("Ingest: restarted (epoch %d)", epoch)
}

func (l *Loop) complete(ctx context.Context) {
	l.setState(Complete)
	view := l.buf.CaptureAll()
	pal := l.palettes.Load()
	frame := render.Compose(view, pal, render.Options{Smooth: l.opts.Smooth})
	l.publish(l.epoch.Load(), StatusComplete, frame)
	log.Printf("Ingest: raster complete (%s samples)", humanize.Comma(int64(view.Filled)))

	if l.persister == nil || l.persisted {
		return
	}
	l.persisted = true
	path, err := l.persister.Persist(ctx, view, pal)
	l.tracker.RecordSave(err)
	if err != nil {
		log.Printf("Persist: automatic save failed: %v", err)
		return
	}
	log.Printf("Persist: saved %s", path)
}

// Purpose: One render tick.
// Key aspects: Skips the render when nothing visible changed since the last
// publish; completeness is derived from the copied view so a late render can
// never report "ingesting" for a full buffer.
// Upstream: Run render goroutine.
// Downstream: raster.Buffer.Capture, render.Compose, publish.
func (l *Loop) renderOnce() {
	l.cycle.RLock()
	epoch := l.epoch.Load()
	view := l.buf.Capture()
	state := l.State()
	l.cycle.RUnlock()

	status := state.Status()
	if view.Complete() {
		status = StatusComplete
	}
	pal := l.palettes.Load()
	key := renderKey{epoch: epoch, filled: view.Filled, palette: pal.Name, status: status}

	l.publishMu.Lock()
	unchanged := l.haveLast && l.last == key
	l.publishMu.Unlock()
	if unchanged {
		return
	}
	frame := render.Compose(view, pal, render.Options{Smooth: l.opts.Smooth})
	l.publish(epoch, status, frame)
}

// publish hands an update to the ring and the sinks. Updates older than the
// newest published (epoch, filled) are dropped.
func (l *Loop) publish(epoch uint64, status Status, frame *render.Frame) bool {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	upd := Update{
		Frame:    frame,
		Epoch:    epoch,
		Status:   status,
		Progress: frame.Progress,
		Row:      currentRow(frame),
		Height:   frame.Height,
		Filled:   frame.Filled,
		Total:    frame.Total,
		Palette:  frame.Palette,
		Source:   l.src.Path(),
		Stats:    l.tracker.Snapshot(),
		At:       time.Now(),
	}
	seq := buffer.Sequence{Epoch: epoch, Filled: uint64(frame.Filled)}
	if _, ok := l.updates.Publish(seq, upd); !ok {
		l.tracker.RecordStaleFrame()
		return false
	}
	l.last = renderKey{epoch: epoch, filled: frame.Filled, palette: frame.Palette, status: status}
	l.haveLast = true
	l.tracker.RecordRender()
	for _, s := range l.sinks {
		s.Publish(upd)
	}
	return true
}

func currentRow(f *render.Frame) int {
	if f.Width <= 0 {
		return 0
	}
	return min(f.Filled/f.Width+1, f.Height)
}

func (l *Loop) warn(class, format string, args ...any) {
	if line, ok := l.limiter.Process(class, fmt.Sprintf(format, args...)); ok {
		log.Print(line)
	}
}
