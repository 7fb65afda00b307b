package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rastertail/palette"
	"rastertail/raster"
	"rastertail/render"
	"rastertail/stats"
	"rastertail/tail"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *recordingSink) Publish(u Update) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *recordingSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

type countingPersister struct {
	mu    sync.Mutex
	calls int
	views []raster.View
	err   error
}

func (p *countingPersister) Persist(_ context.Context, view raster.View, pal *palette.Palette) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.views = append(p.views, view)
	if p.err != nil {
		return "", p.err
	}
	return pal.Name.String() + ".png", nil
}

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	path      string
	loop      *Loop
	sink      *recordingSink
	persister *countingPersister
}

func newFixture(t *testing.T, width, height int) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "output.txt")
	buf, err := raster.New(width, height)
	if err != nil {
		t.Fatalf("raster.New: %v", err)
	}
	sink := &recordingSink{}
	p := &countingPersister{}
	// Default settle timing on a clock that never advances: fragments stay pending.
	frozen := time.Unix(1000, 0)
	loop, err := New(Config{
		Buffer:    buf,
		Source:    tail.New(path, tail.Options{Now: func() time.Time { return frozen }}),
		Palettes:  palette.NewActive(palette.NewSet(), palette.Grayscale),
		Persister: p,
		Tracker:   stats.NewTracker(),
		Sinks:     []Sink{sink},
		Options:   Options{LogWindow: -1},
	})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	return &fixture{path: path, loop: loop, sink: sink, persister: p}
}

func (f *fixture) write(t *testing.T, content string) {
	t.Helper()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestWaitingWhileSourceMissing(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.loop.setState(WaitingForSource)
	f.loop.pollOnce(context.Background())
	f.loop.renderOnce()

	if f.loop.State() != WaitingForSource {
		t.Fatalf("state=%s", f.loop.State())
	}
	upd, ok := f.loop.Latest()
	if !ok || upd.Status != StatusWaiting || upd.Filled != 0 {
		t.Fatalf("unexpected update: %+v ok=%v", upd, ok)
	}
	if f.loop.Tracker().Snapshot().SourceMissing != 1 {
		t.Fatalf("missing source not counted")
	}
}

func TestCompletionPersistsExactlyOnce(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.write(t, "10\n20\n30\n40\n")

	f.loop.pollOnce(context.Background())
	if f.loop.State() != Complete {
		t.Fatalf("expected complete, got %s", f.loop.State())
	}
	if f.persister.count() != 1 {
		t.Fatalf("persist calls=%d", f.persister.count())
	}
	view := f.persister.views[0]
	if view.At(0, 0) != 10 || view.At(0, 1) != 20 || view.At(1, 0) != 30 || view.At(1, 1) != 40 {
		t.Fatalf("unexpected persisted cells %v", view.Cells())
	}

	updates := f.sink.all()
	if len(updates) != 1 || updates[0].Status != StatusComplete || updates[0].Progress != 1 {
		t.Fatalf("expected one complete update, got %+v", updates)
	}

	// Further ticks neither read nor persist again.
	f.write(t, "50\n")
	f.loop.pollOnce(context.Background())
	f.loop.renderOnce()
	if f.persister.count() != 1 {
		t.Fatalf("persisted again: %d", f.persister.count())
	}
	if got := len(f.sink.all()); got != 1 {
		t.Fatalf("unchanged complete raster was re-published: %d updates", got)
	}
}

func TestIngestingStatusAndRowProgress(t *testing.T) {
	f := newFixture(t, 4, 4)
	f.write(t, "1\n2\n3\n4\n5\n")
	f.loop.pollOnce(context.Background())
	f.loop.renderOnce()

	upd, ok := f.loop.Latest()
	if !ok {
		t.Fatalf("no update")
	}
	if upd.Status != StatusIngesting || upd.Row != 2 || upd.Height != 4 || upd.Filled != 5 || upd.Total != 16 {
		t.Fatalf("unexpected update: %+v", upd)
	}
	if f.persister.count() != 0 {
		t.Fatalf("partial raster persisted")
	}
}

func TestMalformedRecordsCounted(t *testing.T) {
	f := newFixture(t, 4, 1)
	f.write(t, "10\nabc\n20\n")
	f.loop.pollOnce(context.Background())
	s := f.loop.Tracker().Snapshot()
	if s.Samples != 2 || s.Malformed != 1 {
		t.Fatalf("samples=%d malformed=%d", s.Samples, s.Malformed)
	}
}

func TestRestartClearsAndPersistsAgain(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.write(t, "10\n20\n30\n40\n")
	f.loop.pollOnce(context.Background())
	if f.loop.State() != Complete {
		t.Fatalf("expected complete")
	}

	f.loop.Restart()
	// The restart is applied at the start of the next tick, which then
	// re-reads the whole file from offset zero.
	f.loop.pollOnce(context.Background())
	if f.loop.Epoch() != 1 {
		t.Fatalf("epoch=%d", f.loop.Epoch())
	}
	if f.loop.State() != Complete {
		t.Fatalf("expected re-completion, got %s", f.loop.State())
	}
	if f.persister.count() != 2 {
		t.Fatalf("expected one persist per run, got %d", f.persister.count())
	}
	if f.loop.Tracker().Snapshot().Restarts != 1 {
		t.Fatalf("restart not counted")
	}
}

func TestRestartWithMissingSourceWaits(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.write(t, "10\n")
	f.loop.pollOnce(context.Background())
	if err := os.Remove(f.path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	f.loop.Restart()
	f.loop.pollOnce(context.Background())
	f.loop.renderOnce()
	upd, _ := f.loop.Latest()
	if upd.Epoch != 1 || upd.Status != StatusWaiting || upd.Filled != 0 {
		t.Fatalf("unexpected post-restart update: %+v", upd)
	}
}

func TestPublishRejectsStaleFrames(t *testing.T) {
	f := newFixture(t, 2, 2)
	newer := &render.Frame{Width: 2, Height: 2, Filled: 3, Total: 4}
	older := &render.Frame{Width: 2, Height: 2, Filled: 2, Total: 4}
	if !f.loop.publish(0, StatusIngesting, newer) {
		t.Fatalf("first publish rejected")
	}
	if f.loop.publish(0, StatusIngesting, older) {
		t.Fatalf("stale frame accepted")
	}
	if !f.loop.publish(1, StatusWaiting, &render.Frame{Width: 2, Height: 2, Total: 4}) {
		t.Fatalf("new epoch rejected")
	}
	if f.loop.Tracker().Snapshot().StaleFrames != 1 {
		t.Fatalf("stale frame not counted")
	}
	updates := f.sink.all()
	if len(updates) != 2 || updates[0].Filled != 3 || updates[1].Epoch != 1 {
		t.Fatalf("sinks saw %+v", updates)
	}
}

func TestPaletteChangeWhileCompleteRerenders(t *testing.T) {
	f := newFixture(t, 2, 2)
	f.write(t, "10\n20\n30\n40\n")
	f.loop.pollOnce(context.Background())
	before := len(f.sink.all())

	if got := f.loop.SetPalette(palette.Ocean); got != palette.Ocean {
		t.Fatalf("SetPalette returned %s", got)
	}
	f.loop.renderOnce()
	updates := f.sink.all()
	if len(updates) != before+1 {
		t.Fatalf("expected one re-render, got %d new updates", len(updates)-before)
	}
	last := updates[len(updates)-1]
	if last.Palette != palette.Ocean || last.Status != StatusComplete {
		t.Fatalf("unexpected re-render: %+v", last)
	}
	if f.persister.count() != 1 {
		t.Fatalf("palette change must not persist")
	}
}

func TestCyclePalette(t *testing.T) {
	f := newFixture(t, 1, 1)
	if got := f.loop.CyclePalette(1); got != palette.Fire {
		t.Fatalf("next=%s", got)
	}
	if got := f.loop.CyclePalette(-1); got != palette.Grayscale {
		t.Fatalf("prev=%s", got)
	}
	if n := f.loop.Tracker().Snapshot().PaletteChanges["fire"]; n != 1 {
		t.Fatalf("palette change count=%d", n)
	}
}

func TestSaveNow(t *testing.T) {
	f := newFixture(t, 2, 2)
	if _, err := f.loop.SaveNow(context.Background()); !errors.Is(err, ErrNothingToSave) {
		t.Fatalf("expected ErrNothingToSave, got %v", err)
	}

	f.write(t, "10\n20\n30\n")
	f.loop.pollOnce(context.Background())
	path, err := f.loop.SaveNow(context.Background())
	if err != nil || path != "grayscale.png" {
		t.Fatalf("save: %q %v", path, err)
	}
	saved := f.persister.views[0]
	if saved.Filled != 3 || saved.Rows != 2 {
		t.Fatalf("manual save captured %d samples in %d rows", saved.Filled, saved.Rows)
	}

	f.persister.err = errors.New("disk full")
	if _, err := f.loop.SaveNow(context.Background()); err == nil {
		t.Fatalf("expected persist error to be returned")
	}
	s := f.loop.Tracker().Snapshot()
	if s.Saves != 1 || s.SaveFailures != 1 {
		t.Fatalf("saves=%d failures=%d", s.Saves, s.SaveFailures)
	}
}

func TestRunCompletesAndStops(t *testing.T) {
	f := newFixture(t, 3, 2)
	f.loop.opts.PollInterval = 5 * time.Millisecond
	f.loop.opts.RenderInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	f.write(t, "1\n2\n3\n")
	time.Sleep(20 * time.Millisecond)
	f.write(t, "4\n5\n6\n")

	deadline := time.Now().Add(2 * time.Second)
	for f.loop.State() != Complete && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.loop.State() != Complete {
		t.Fatalf("loop did not complete; state=%s", f.loop.State())
	}
	if err := f.loop.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}

	var lastFilled int
	var lastEpoch uint64
	for _, u := range f.sink.all() {
		if u.Epoch == lastEpoch && u.Filled < lastFilled {
			t.Fatalf("non-monotonic updates: %d after %d", u.Filled, lastFilled)
		}
		lastFilled, lastEpoch = u.Filled, u.Epoch
	}
	if f.persister.count() != 1 {
		t.Fatalf("persist calls=%d", f.persister.count())
	}
}

func TestLogLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	l := newLogLimiter(time.Minute)
	l.now = func() time.Time { return now }

	if _, ok := l.Process("io", "first"); !ok {
		t.Fatalf("first line suppressed")
	}
	if _, ok := l.Process("io", "second"); ok {
		t.Fatalf("repeat inside window emitted")
	}
	if _, ok := l.Process("missing", "other class"); !ok {
		t.Fatalf("independent class suppressed")
	}
	now = now.Add(2 * time.Minute)
	line, ok := l.Process("io", "third")
	if !ok || line != "third (suppressed=1 over 1m0s)" {
		t.Fatalf("unexpected line %q ok=%v", line, ok)
	}
	l.Forget("io")
	if _, ok := l.Process("io", "fourth"); !ok {
		t.Fatalf("forgotten class suppressed")
	}
}

func TestStateStatusMapping(t *testing.T) {
	cases := map[State]Status{
		Idle:             StatusWaiting,
		WaitingForSource: StatusWaiting,
		Ingesting:        StatusIngesting,
		Complete:         StatusComplete,
	}
	for state, want := range cases {
		if got := state.Status(); got != want {
			t.Fatalf("%s -> %s, want %s", state, got, want)
		}
	}
}
