package main

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rastertail/config"
	"rastertail/palette"
)

func TestParseFlagsPositionalSource(t *testing.T) {
	opts, err := parseFlags([]string{"-width", "64", "-palette", "fire", "out.txt"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.source != "out.txt" || opts.width != 64 || opts.palette != "fire" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if !opts.set["source"] || !opts.set["width"] || opts.set["height"] {
		t.Fatalf("unexpected set flags %v", opts.set)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"two positionals", []string{"a.txt", "b.txt"}},
		{"conflicting source", []string{"-source", "a.txt", "b.txt"}},
		{"bad int", []string{"-width", "wide"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseFlags(tc.args, &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error for %v", tc.args)
			}
		})
	}
	if _, err := parseFlags([]string{"-h"}, &bytes.Buffer{}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rastertail.yaml")
	text := "source: file.txt\nraster:\n  width: 32\n  height: 16\n  palette: ocean\n"
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	opts, err := parseFlags([]string{"-config", path, "-height", "8", "-palette", "plasma", "cli.txt"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Source != "cli.txt" || cfg.Raster.Width != 32 || cfg.Raster.Height != 8 {
		t.Fatalf("unexpected merged config: source=%s %dx%d", cfg.Source, cfg.Raster.Width, cfg.Raster.Height)
	}
	if cfg.PaletteName != palette.Plasma {
		t.Fatalf("expected plasma, got %s", cfg.PaletteName)
	}
}

func TestLoadConfigFatalErrors(t *testing.T) {
	t.Setenv(config.EnvPath, "")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no source", nil, "source"},
		{"zero width", []string{"-width", "0", "x.txt"}, "dimensions"},
		{"unknown palette", []string{"-palette", "firee", "x.txt"}, "fire"},
		{"missing explicit config", []string{"-config", "nope.yaml", "x.txt"}, "nope.yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := parseFlags(tc.args, &bytes.Buffer{})
			if err != nil {
				t.Fatalf("parseFlags: %v", err)
			}
			_, err = loadConfig(opts)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestUseDashboard(t *testing.T) {
	cases := []struct {
		mode string
		tty  bool
		want bool
	}{
		{config.UIModeAuto, true, true},
		{config.UIModeAuto, false, false},
		{config.UIModeTview, false, false},
		{config.UIModeTview, true, true},
		{config.UIModeHeadless, true, false},
	}
	for _, tc := range cases {
		if got, _ := useDashboard(tc.mode, tc.tty); got != tc.want {
			t.Fatalf("useDashboard(%s, %v) = %v", tc.mode, tc.tty, got)
		}
	}
}

func TestDurationMappings(t *testing.T) {
	if settleDuration(-1) >= 0 || settleDuration(0) != 0 || settleDuration(1500) != 1500*time.Millisecond {
		t.Fatalf("unexpected settle mapping")
	}
	if logWindow(0) >= 0 || logWindow(30) != 30*time.Second {
		t.Fatalf("unexpected log window mapping")
	}
}

func TestOpenStoresAttachesCatalogs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Gallery.Path = filepath.Join(dir, "gallery", "index.db")
	cfg.Archive.Path = filepath.Join(dir, "archive")
	st := openStores(cfg)
	defer st.Close()
	if st.gallery == nil || st.archive == nil {
		t.Fatalf("expected both stores open, got %+v", st)
	}
	if got := len(st.catalogs()); got != 2 {
		t.Fatalf("expected 2 catalogs, got %d", got)
	}

	cfg.Gallery.Enabled = false
	cfg.Archive.Enabled = false
	if got := len(openStores(cfg).catalogs()); got != 0 {
		t.Fatalf("expected no catalogs when disabled, got %d", got)
	}
}
