package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rastertail/config"
)

const (
	logStampLayout     = "2006-01-02 15:04:05.000"
	logFilePrefix      = "rastertail-"
	logFileDateLayout  = "2006-01-02"
	logPendingMaxBytes = 16 * 1024
)

// lineWriter receives complete log lines.
type lineWriter interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type streamWriter struct {
	w     io.Writer
	stamp bool
}

func (s *streamWriter) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.stamp {
		line = now.UTC().Format(logStampLayout) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *streamWriter) Close() error { return nil }

// dayFile appends to one file per UTC day and prunes files older than the
// retention window whenever it opens a new day.
type dayFile struct {
	dir       string
	keepDays  int
	mu        sync.Mutex
	day       string
	file      *os.File
	lastError time.Time
}

// Purpose: Open the log directory and prune old day files.
// Key aspects: Retention below one day falls back to seven.
// Upstream: setupLogging.
// Downstream: os.MkdirAll, pruneLogs.
func newDayFile(dir string, keepDays int) (*dayFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("logging: directory is empty")
	}
	if keepDays <= 0 {
		keepDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now(), keepDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: prune %s: %v\n", dir, err)
	}
	return &dayFile{dir: dir, keepDays: keepDays}, nil
}

func (d *dayFile) WriteLine(line string, now time.Time) {
	if d == nil {
		return
	}
	now = now.UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	if day := now.Format(logFileDateLayout); d.file == nil || d.day != day {
		d.openLocked(day, now)
	}
	if d.file == nil {
		return
	}
	if _, err := d.file.WriteString(now.Format(logStampLayout) + " " + line + "\n"); err != nil {
		d.complainLocked(now, err)
	}
}

func (d *dayFile) openLocked(day string, now time.Time) {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
	path := filepath.Join(d.dir, logFilePrefix+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.complainLocked(now, err)
		return
	}
	d.file = f
	d.day = day
	if err := pruneLogs(d.dir, now, d.keepDays); err != nil {
		d.complainLocked(now, err)
	}
}

// complainLocked reports file errors on stderr at most once a minute.
func (d *dayFile) complainLocked(now time.Time, err error) {
	if !d.lastError.IsZero() && now.Sub(d.lastError) < time.Minute {
		return
	}
	d.lastError = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (d *dayFile) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.day = ""
	return err
}

// logFanout is the log.Logger output. It splits writes into lines and hands
// each line to the console (terminal or dashboard pane) and the day file.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console lineWriter
	file    lineWriter
}

// Purpose: Build the process log writer from config.
// Key aspects: File logging failures are returned but the fanout is still
// usable for console output.
// Upstream: main startup.
// Downstream: newDayFile.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	f := &logFanout{console: &streamWriter{w: console, stamp: true}}
	if !cfg.Enabled {
		return f, nil
	}
	file, err := newDayFile(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return f, err
	}
	f.mu.Lock()
	f.file = file
	f.mu.Unlock()
	return f, nil
}

// SetConsole redirects console output, e.g. into the dashboard system pane.
func (f *logFanout) SetConsole(w io.Writer, stamp bool) {
	if f == nil {
		return
	}
	var sink lineWriter
	if w != nil {
		sink = &streamWriter{w: w, stamp: stamp}
	}
	f.mu.Lock()
	f.console = sink
	f.mu.Unlock()
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.pending[:idx], "\r")))
		f.pending = f.pending[idx+1:]
	}
	if len(f.pending) > logPendingMaxBytes {
		lines = append(lines, string(f.pending))
		f.pending = nil
	}
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// FileOnly writes a line to the day file without echoing it to the console.
// Periodic stats use it so the dashboard is not flooded.
func (f *logFanout) FileOnly(line string) {
	if f == nil {
		return
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, time.Now())
	}
}

func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file != nil {
		return file.Close()
	}
	return nil
}

func pruneLogs(dir string, now time.Time, keepDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(keepDays - 1))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, logFilePrefix) || filepath.Ext(name) != ".log" {
			continue
		}
		day, err := time.ParseInLocation(logFileDateLayout, strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log"), time.UTC)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}
