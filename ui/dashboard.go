// Package ui provides the terminal display adapters: a tview dashboard that
// shows the raster as it fills, and a plain console reporter for non-TTY runs.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rastertail/ingest"
	"rastertail/palette"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	defaultLogLines = 200
	sidePanelWidth  = 44
	progressWidth   = 24
)

var (
	uiBorderColor = tcell.ColorGray
	uiTitleColor  = tcell.ColorHotPink
)

// Controller is the subset of the ingest loop the dashboard drives from keys.
type Controller interface {
	CyclePalette(delta int) palette.Name
	Restart()
	SaveNow(ctx context.Context) (string, error)
}

// Options configures a Dashboard.
type Options struct {
	// Screen overrides the terminal; tests pass a simulation screen.
	Screen     tcell.Screen
	Controller Controller
	// OnQuit runs when the user presses q or Ctrl-C.
	OnQuit func()
	// RefreshInterval is the minimum gap between redraws; zero selects 30 fps.
	RefreshInterval time.Duration
	LogLines        int
}

// Dashboard is the interactive display adapter. It implements ingest.Sink.
type Dashboard struct {
	app    *tview.Application
	draw   *drawQueue
	ctrl   Controller
	onQuit func()

	header *tview.TextView
	canvas *Canvas
	info   *tview.TextView
	stats  *tview.TextView
	system *tview.TextView
	help   *tview.TextView

	logMu    sync.Mutex
	logLines []string
	logMax   int

	ready   chan struct{}
	closed  atomic.Bool
	saving  atomic.Bool
	started atomic.Bool
}

// Purpose: Build the dashboard layout without starting the terminal.
// Key aspects: Canvas on the left, palette/progress/stats on the right,
// system log along the bottom.
// Upstream: main when stdout is a terminal.
// Downstream: tview primitives, drawQueue.
func New(opts Options) *Dashboard {
	logMax := opts.LogLines
	if logMax <= 0 {
		logMax = defaultLogLines
	}
	d := &Dashboard{
		ctrl:   opts.Controller,
		onQuit: opts.OnQuit,
		logMax: logMax,
		ready:  make(chan struct{}),
	}

	d.header = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	d.canvas = NewCanvas()
	boxed(d.canvas.Box, "Raster")
	d.info = tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	boxed(d.info.Box, "Status")
	d.stats = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	d.stats.SetTextColor(tcell.ColorYellow)
	boxed(d.stats.Box, "Stats")
	d.system = tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	boxed(d.system.Box, "System")
	d.help = tview.NewTextView().SetDynamicColors(true).SetWrap(false).
		SetText("[gray]p/P[-] palette  [gray]r[-] restart  [gray]s[-] save  [gray]q[-] quit")

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.info, 9, 0, false).
		AddItem(d.stats, 0, 1, false)
	body := tview.NewFlex().
		AddItem(d.canvas, 0, 1, false).
		AddItem(side, sidePanelWidth, 0, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(d.header, 1, 0, false).
		AddItem(body, 0, 1, false).
		AddItem(d.system, 8, 0, false).
		AddItem(d.help, 1, 0, false)

	d.app = tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	if opts.Screen != nil {
		d.app.SetScreen(opts.Screen)
	}
	var once sync.Once
	d.app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		once.Do(func() { close(d.ready) })
		return false
	})
	d.app.SetInputCapture(d.handleKey)
	d.draw = newDrawQueue(d.app, opts.RefreshInterval, 0)
	d.setHeader(ingest.StatusWaiting, 0, 0, "")
	return d
}

func boxed(b *tview.Box, title string) {
	b.SetBorder(true).
		SetBorderColor(uiBorderColor).
		SetTitle(" " + title + " ").
		SetTitleColor(uiTitleColor).
		SetTitleAlign(tview.AlignLeft)
}

// SetController attaches the key handler target. Call it before Start; the
// loop is usually built after the dashboard because the dashboard is one of
// its sinks.
func (d *Dashboard) SetController(c Controller) {
	if d == nil {
		return
	}
	d.ctrl = c
}

// Start runs the terminal application in the background.
func (d *Dashboard) Start() {
	if d == nil || !d.started.CompareAndSwap(false, true) {
		return
	}
	d.draw.Start()
	go func() {
		if err := d.app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()
}

// WaitReady blocks until the first draw.
func (d *Dashboard) WaitReady() {
	if d == nil {
		return
	}
	<-d.ready
}

// Stop tears down the terminal application.
func (d *Dashboard) Stop() {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return
	}
	if d.started.Load() {
		d.draw.Stop()
		d.app.Stop()
	}
}

// Publish implements ingest.Sink. It only schedules redraws.
func (d *Dashboard) Publish(u ingest.Update) {
	if d == nil || d.closed.Load() {
		return
	}
	d.draw.Set("canvas", func() {
		d.canvas.SetFrame(u.Frame)
	})
	d.draw.Set("header", func() {
		d.setHeader(u.Status, u.Row, u.Height, u.Source)
	})
	info := infoText(u)
	d.draw.Set("info", func() {
		d.info.SetText(info)
	})
	stats := strings.Join(u.Stats.Lines(), "\n")
	d.draw.Set("stats", func() {
		d.stats.SetText(stats)
	})
}

// SetStats replaces the stats pane with lines from the periodic stats loop.
func (d *Dashboard) SetStats(lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.draw.Set("stats", func() {
		d.stats.SetText(text)
	})
}

// AppendSystem adds a line to the bounded system log pane.
func (d *Dashboard) AppendSystem(line string) {
	if d == nil || d.closed.Load() {
		return
	}
	d.logMu.Lock()
	d.logLines = append(d.logLines, line)
	if len(d.logLines) > d.logMax {
		d.logLines = d.logLines[len(d.logLines)-d.logMax:]
	}
	text := strings.Join(d.logLines, "\n")
	d.logMu.Unlock()
	d.draw.Set("system", func() {
		d.system.SetText(text)
		d.system.ScrollToEnd()
	})
}

// SystemWriter returns an io.Writer that feeds the system pane line by line.
func (d *Dashboard) SystemWriter() io.Writer {
	return &paneWriter{append: d.AppendSystem}
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyCtrlC {
		d.quit()
		return nil
	}
	if event.Key() != tcell.KeyRune {
		return event
	}
	switch event.Rune() {
	case 'p':
		if d.ctrl != nil {
			d.ctrl.CyclePalette(1)
		}
	case 'P':
		if d.ctrl != nil {
			d.ctrl.CyclePalette(-1)
		}
	case 'r', 'R':
		if d.ctrl != nil {
			d.ctrl.Restart()
			d.AppendSystem("Restart requested")
		}
	case 's', 'S':
		d.save()
	case 'q', 'Q':
		d.quit()
	default:
		return event
	}
	return nil
}

// save runs off the UI goroutine; the loop logs the outcome.
func (d *Dashboard) save() {
	if d.ctrl == nil || !d.saving.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer d.saving.Store(false)
		_, _ = d.ctrl.SaveNow(context.Background())
	}()
}

func (d *Dashboard) quit() {
	if d.onQuit != nil {
		d.onQuit()
	}
}

func (d *Dashboard) setHeader(status ingest.Status, row, height int, source string) {
	d.header.SetText(headerText(status, row, height, source))
}

func headerText(status ingest.Status, row, height int, source string) string {
	var color, text string
	switch status {
	case ingest.StatusComplete:
		color, text = "green", "Complete"
	case ingest.StatusIngesting:
		color, text = "dodgerblue", fmt.Sprintf("Processing row %d/%d", row, height)
	default:
		color, text = "yellow", "Waiting for file..."
	}
	line := fmt.Sprintf("[hotpink::b]rastertail[-::-]  [%s]●[-] %s", color, text)
	if source != "" {
		line += "  [gray]" + tview.Escape(source) + "[-]"
	}
	return line
}

func infoText(u ingest.Update) string {
	lines := []string{
		fmt.Sprintf("Palette:    [hotpink]%s[-]", u.Palette),
		fmt.Sprintf("Dimensions: %d x %d", frameWidth(u), u.Height),
		fmt.Sprintf("Pixels:     %s / %s", humanize.Comma(int64(u.Filled)), humanize.Comma(int64(u.Total))),
		fmt.Sprintf("Progress:   %s %5.1f%%", progressBar(u.Progress, progressWidth), u.Progress*100),
		fmt.Sprintf("Run:        %d", u.Epoch+1),
	}
	if !u.At.IsZero() {
		lines = append(lines, "Updated:    "+u.At.Format("15:04:05.000"))
	}
	return strings.Join(lines, "\n")
}

func frameWidth(u ingest.Update) int {
	if u.Frame == nil {
		return 0
	}
	return u.Frame.Width
}

func progressBar(progress float64, width int) string {
	if width <= 0 {
		return ""
	}
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[green]" + strings.Repeat("█", filled) + "[gray]" + strings.Repeat("░", width-filled) + "[-]"
}
