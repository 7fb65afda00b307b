package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rastertail/config"
	"rastertail/gallery"
	"rastertail/ingest"
	"rastertail/palette"
	"rastertail/persist"
	"rastertail/raster"
	"rastertail/rasterstore"
	"rastertail/stats"
	"rastertail/tail"
	"rastertail/telemetry"
	"rastertail/ui"

	"golang.org/x/term"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// cliOptions holds command-line values. Only flags that were actually set
// override the config file.
type cliOptions struct {
	configPath string
	source     string
	width      int
	height     int
	palette    string
	uiMode     string
	outputDir  string
	set        map[string]bool
}

// Purpose: Parse command-line flags and the optional positional source path.
// Key aspects: Uses its own FlagSet so tests can drive it.
// Upstream: main.
// Downstream: flag.FlagSet.
func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("rastertail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file or directory (env "+config.EnvPath+")")
	fs.StringVar(&opts.source, "source", "", "sample file to follow")
	fs.IntVar(&opts.width, "width", 0, "raster width in pixels")
	fs.IntVar(&opts.height, "height", 0, "raster height in pixels")
	fs.StringVar(&opts.palette, "palette", "", "initial palette ("+paletteList()+")")
	fs.StringVar(&opts.uiMode, "ui", "", "display adapter: auto, tview or headless")
	fs.StringVar(&opts.outputDir, "output", "", "directory for saved images")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: rastertail [flags] [source]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		if opts.set["source"] && rest[0] != opts.source {
			return opts, fmt.Errorf("source given twice (%q and %q)", opts.source, rest[0])
		}
		opts.source = rest[0]
		opts.set["source"] = true
	default:
		return opts, fmt.Errorf("expected at most one source path, got %d", len(rest))
	}
	return opts, nil
}

func paletteList() string {
	names := palette.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}

// Purpose: Produce the validated runtime config from file plus flags.
// Key aspects: A missing default config falls back to Defaults; a missing
// explicit config is fatal. Every validation error is fatal.
// Upstream: main.
// Downstream: config.ResolvePath, config.LoadOrDefault, config.Validate.
func loadConfig(opts cliOptions) (*config.Config, error) {
	path, explicit := config.ResolvePath(opts.configPath)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, err
	}
	if opts.set["source"] {
		cfg.Source = opts.source
	}
	if opts.set["width"] {
		cfg.Raster.Width = opts.width
	}
	if opts.set["height"] {
		cfg.Raster.Height = opts.height
	}
	if opts.set["palette"] {
		cfg.Raster.Palette = opts.palette
	}
	if opts.set["ui"] {
		cfg.UI.Mode = opts.uiMode
	}
	if opts.set["output"] {
		cfg.Output.Dir = opts.outputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// useDashboard decides between the tview dashboard and the console adapter.
func useDashboard(mode string, tty bool) (bool, string) {
	switch mode {
	case config.UIModeHeadless:
		return false, "UI disabled (mode=headless)"
	case config.UIModeTview:
		if !tty {
			return false, "UI disabled (tview requires an interactive console)"
		}
		return true, ""
	default:
		if !tty {
			return false, "UI: stdout is not a terminal; using console output"
		}
		return true, ""
	}
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// stores owns the optional catalogs attached to the persister.
type stores struct {
	gallery *gallery.Index
	archive *rasterstore.Store
}

// Purpose: Open the optional gallery index and raster archive.
// Key aspects: Failures are logged and the store is skipped; saving images
// still works without either catalog.
// Upstream: run.
// Downstream: gallery.Open, rasterstore.Open.
func openStores(cfg *config.Config) *stores {
	s := &stores{}
	if cfg.Gallery.Enabled {
		idx, err := gallery.Open(cfg.Gallery.Path)
		if err != nil {
			log.Printf("Gallery: disabled: %v", err)
		} else {
			s.gallery = idx
			if n, err := idx.Count(context.Background()); err == nil {
				log.Printf("Gallery: %s (%d images)", idx.Path(), n)
			}
		}
	}
	if cfg.Archive.Enabled {
		store, err := rasterstore.Open(cfg.Archive.Path, rasterstore.Options{
			CacheSizeBytes: int64(cfg.Archive.CacheMB) << 20,
		})
		if err != nil {
			log.Printf("Archive: disabled: %v", err)
		} else {
			s.archive = store
			log.Printf("Archive: %s (%d rasters)", cfg.Archive.Path, store.Count())
		}
	}
	return s
}

func (s *stores) catalogs() []persist.Catalog {
	var out []persist.Catalog
	if s.gallery != nil {
		out = append(out, s.gallery)
	}
	if s.archive != nil {
		out = append(out, s.archive)
	}
	return out
}

func (s *stores) Close() {
	if s.gallery != nil {
		if err := s.gallery.Close(); err != nil {
			log.Printf("Gallery: close: %v", err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			log.Printf("Archive: close: %v", err)
		}
	}
}

// statsSurface receives periodic stats lines.
type statsSurface interface {
	SetStats(lines []string)
}

// Purpose: Periodically report counters.
// Key aspects: Lines go to the dashboard stats pane when present and to the
// log file only, so the console is not flooded.
// Upstream: run.
// Downstream: stats.Tracker.Snapshot, logFanout.FileOnly.
func startStatsReporter(ctx context.Context, interval time.Duration, tracker *stats.Tracker, surface statsSurface, fanout *logFanout) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := tracker.Snapshot()
				if surface != nil {
					surface.SetStats(snap.Lines())
				}
				fanout.FileOnly("Stats: " + snap.String())
			}
		}
	}()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// Purpose: Program body; wires config, logging, storage, sinks and the loop.
// Key aspects: Returns the process exit code. Startup errors exit 1 before
// ingestion begins; SIGINT/SIGTERM or q stops cleanly with 0.
// Upstream: main.
// Downstream: ingest.Loop.Run and every adapter.
func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "rastertail: %v\n", err)
		return 2
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rastertail: %v\n", err)
		return 1
	}

	log.SetFlags(0)
	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	log.SetOutput(fanout)
	defer fanout.Close()
	if err != nil {
		log.Printf("Logging: file output disabled: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := stats.NewTracker()
	palettes := palette.NewActive(palette.NewSet(), cfg.PaletteName)

	buf, err := raster.New(cfg.Raster.Width, cfg.Raster.Height)
	if err != nil {
		log.Printf("Startup: %v", err)
		return 1
	}
	reader := tail.New(cfg.Source, tail.Options{
		ChunkSize:      cfg.Tail.ChunkSizeBytes,
		MaxRecordBytes: cfg.Tail.MaxRecordBytes,
		SettleAfter:    settleDuration(cfg.Tail.SettleAfterMS),
	})

	st := openStores(cfg)
	defer st.Close()
	writer, err := persist.NewWriter(cfg.Source, persist.Options{
		Dir:    cfg.Output.Dir,
		Format: cfg.Output.Format,
	}, st.catalogs()...)
	if err != nil {
		log.Printf("Startup: %v", err)
		return 1
	}

	var sinks []ingest.Sink
	var mqtt *telemetry.Sink
	if cfg.MQTT.Enabled {
		mqtt, err = telemetry.Connect(ctx, telemetry.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Topic:       cfg.MQTT.Topic,
			QoS:         byte(cfg.MQTT.QoS),
			Retain:      cfg.MQTT.Retain,
			MinInterval: time.Duration(cfg.MQTT.MinIntervalMS) * time.Millisecond,
		})
		if err != nil {
			log.Printf("MQTT: disabled: %v", err)
		} else {
			sinks = append(sinks, mqtt)
		}
	}

	var dash *ui.Dashboard
	var surface statsSurface
	withDashboard, reason := useDashboard(cfg.UI.Mode, isStdoutTTY())
	if reason != "" {
		log.Print(reason)
	}
	if withDashboard {
		dash = ui.New(ui.Options{
			OnQuit:          cancel,
			RefreshInterval: cfg.UI.RefreshInterval(),
		})
		sinks = append(sinks, dash)
		surface = dash
	} else {
		sinks = append(sinks, ui.NewConsole(0, nil))
	}

	loop, err := ingest.New(ingest.Config{
		Buffer:    buf,
		Source:    reader,
		Palettes:  palettes,
		Persister: writer,
		Tracker:   tracker,
		Sinks:     sinks,
		Options: ingest.Options{
			PollInterval:   time.Duration(cfg.Tail.PollIntervalMS) * time.Millisecond,
			RenderInterval: time.Duration(cfg.Render.IntervalMS) * time.Millisecond,
			Smooth:         cfg.Render.Smooth,
			LogWindow:      logWindow(cfg.Logging.RepeatWindowSeconds),
		},
	})
	if err != nil {
		log.Printf("Startup: %v", err)
		return 1
	}

	if dash != nil {
		dash.SetController(loop)
		dash.Start()
		dash.WaitReady()
		defer dash.Stop()
		fanout.SetConsole(dash.SystemWriter(), true)
	}

	log.Printf("rastertail %s starting", Version)
	cfg.Print(log.Printf)
	log.Printf("Persist: images go to %s", writer.Dir())

	startStatsReporter(ctx, time.Duration(cfg.UI.StatsIntervalSeconds)*time.Second, tracker, surface, fanout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := loop.Run(ctx)
	if dash != nil {
		dash.Stop()
		fanout.SetConsole(os.Stdout, true)
	}
	if runErr != nil {
		log.Printf("Ingest: %v", runErr)
		return 1
	}
	if mqtt != nil {
		mqtt.Close()
		log.Printf("MQTT: published %d updates (%d failures)", mqtt.Published(), mqtt.Failures())
	}
	log.Printf("Stats: %s", tracker.Snapshot().String())
	log.Printf("rastertail stopped")
	return 0
}

// settleDuration maps the config value onto tail.Options.SettleAfter, where
// zero selects the default and negative disables.
func settleDuration(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

// logWindow maps repeat_window_seconds onto ingest.Options.LogWindow, where
// zero in config disables suppression.
func logWindow(seconds int) time.Duration {
	if seconds <= 0 {
		return -1
	}
	return time.Duration(seconds) * time.Second
}
