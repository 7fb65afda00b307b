// Package config loads rastertail settings from YAML. A config path may be a
// single file or a directory whose *.yaml files are merged in name order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rastertail/palette"

	"gopkg.in/yaml.v3"
)

const (
	// EnvPath names the environment variable consulted when no -config flag is given.
	EnvPath = "RASTERTAIL_CONFIG"
	// DefaultPath is used when neither the flag nor the environment names a config.
	DefaultPath = "data/config/rastertail.yaml"
)

// UI modes.
const (
	UIModeAuto     = "auto"
	UIModeTview    = "tview"
	UIModeHeadless = "headless"
)

// Config is the full runtime configuration.
type Config struct {
	Source  string        `yaml:"source"`
	Raster  RasterConfig  `yaml:"raster"`
	Tail    TailConfig    `yaml:"tail"`
	Render  RenderConfig  `yaml:"render"`
	Output  OutputConfig  `yaml:"output"`
	Gallery GalleryConfig `yaml:"gallery"`
	Archive ArchiveConfig `yaml:"archive"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
	UI      UIConfig      `yaml:"ui"`

	// LoadedFrom is the file or directory the values came from; empty for defaults.
	LoadedFrom string `yaml:"-"`
	// PaletteName is Raster.Palette resolved by Validate.
	PaletteName palette.Name `yaml:"-"`
}

// RasterConfig sizes the grid and picks the initial palette.
type RasterConfig struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Palette string `yaml:"palette"`
}

// TailConfig controls how the source file is polled.
type TailConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`
	MaxRecordBytes int `yaml:"max_record_bytes"`
	// SettleAfterMS accepts an unterminated final record once it has sat
	// unchanged this long; -1 disables.
	SettleAfterMS int `yaml:"settle_after_ms"`
}

// RenderConfig controls the periodic render task.
type RenderConfig struct {
	IntervalMS int  `yaml:"interval_ms"`
	Smooth     bool `yaml:"smooth"`
}

// OutputConfig controls saved images.
type OutputConfig struct {
	// Dir overrides <dir(source)>/fractals when set.
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
}

// GalleryConfig controls the SQLite index of saved images.
type GalleryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig controls the Pebble archive of raw raster cells.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	CacheMB int    `yaml:"cache_mb"`
}

// MQTTConfig controls the optional progress publisher.
type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Topic         string `yaml:"topic"`
	QoS           int    `yaml:"qos"`
	Retain        bool   `yaml:"retain"`
	MinIntervalMS int    `yaml:"min_interval_ms"`
}

// LoggingConfig controls the optional daily log file and warning throttling.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	// RepeatWindowSeconds suppresses repeated per-tick warnings; 0 disables.
	RepeatWindowSeconds int `yaml:"repeat_window_seconds"`
}

// UIConfig selects the display adapter.
type UIConfig struct {
	Mode                 string `yaml:"mode"`
	RefreshMS            int    `yaml:"refresh_ms"`
	StatsIntervalSeconds int    `yaml:"stats_interval_seconds"`
}

// RefreshInterval is the minimum gap between dashboard redraws.
func (u UIConfig) RefreshInterval() time.Duration {
	return time.Duration(u.RefreshMS) * time.Millisecond
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Raster: RasterConfig{Width: 128, Height: 128, Palette: "grayscale"},
		Tail: TailConfig{
			PollIntervalMS: 50,
			ChunkSizeBytes: 8192,
			MaxRecordBytes: 1024,
			SettleAfterMS:  2000,
		},
		Render: RenderConfig{IntervalMS: 100, Smooth: true},
		Output: OutputConfig{Format: "png"},
		Gallery: GalleryConfig{
			Enabled: true,
			Path:    "data/gallery/index.db",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "data/archive",
			CacheMB: 16,
		},
		MQTT: MQTTConfig{
			Topic:         "rastertail/progress",
			QoS:           0,
			MinIntervalMS: 1000,
		},
		Logging: LoggingConfig{
			Dir:                 "data/logs",
			RetentionDays:       7,
			RepeatWindowSeconds: 30,
		},
		UI: UIConfig{
			Mode:                 UIModeAuto,
			RefreshMS:            100,
			StatsIntervalSeconds: 30,
		},
	}
}

// ResolvePath picks the config location: explicit flag, then environment,
// then DefaultPath. The bool reports whether the location was chosen
// explicitly (a missing explicit config is an error).
func ResolvePath(flagValue string) (string, bool) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(os.Getenv(EnvPath)); v != "" {
		return v, true
	}
	return DefaultPath, false
}

// Purpose: Load configuration from a YAML file or a directory of YAML files.
// Key aspects: Starts from Defaults so omitted keys keep their defaults;
// directory files merge in lexical order; the result is validated.
// Upstream: main startup, cmd/rerender.
// Downstream: yaml.Unmarshal, Validate.
func Load(path string) (*Config, error) {
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
	}
	cfg.LoadedFrom = path
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file does not
// exist and required is false.
func LoadOrDefault(path string, required bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !required {
		cfg := Defaults()
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no yaml files in %s", path)
	}
	sort.Strings(files)
	return files, nil
}

// normalize checks only what can be checked before flag overrides apply.
func (c *Config) normalize() error {
	c.Raster.Palette = strings.ToLower(strings.TrimSpace(c.Raster.Palette))
	c.UI.Mode = strings.ToLower(strings.TrimSpace(c.UI.Mode))
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	if c.Tail.PollIntervalMS <= 0 {
		return fmt.Errorf("config: tail.poll_interval_ms must be > 0 (got %d)", c.Tail.PollIntervalMS)
	}
	if c.Tail.ChunkSizeBytes <= 0 {
		return fmt.Errorf("config: tail.chunk_size_bytes must be > 0 (got %d)", c.Tail.ChunkSizeBytes)
	}
	if c.Tail.MaxRecordBytes <= 0 {
		return fmt.Errorf("config: tail.max_record_bytes must be > 0 (got %d)", c.Tail.MaxRecordBytes)
	}
	if c.Tail.SettleAfterMS < -1 {
		return fmt.Errorf("config: tail.settle_after_ms must be >= 0, or -1 to disable (got %d)", c.Tail.SettleAfterMS)
	}
	if c.Render.IntervalMS <= 0 {
		return fmt.Errorf("config: render.interval_ms must be > 0 (got %d)", c.Render.IntervalMS)
	}
	switch c.Output.Format {
	case "", "png", "jpg", "jpeg":
	default:
		return fmt.Errorf("config: output.format %q is not png or jpeg", c.Output.Format)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("config: mqtt.enabled requires mqtt.broker")
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("config: logging.retention_days must be >= 0 (got %d)", c.Logging.RetentionDays)
	}
	if c.Logging.RepeatWindowSeconds < 0 {
		return fmt.Errorf("config: logging.repeat_window_seconds must be >= 0 (got %d)", c.Logging.RepeatWindowSeconds)
	}
	switch c.UI.Mode {
	case "":
		c.UI.Mode = UIModeAuto
	case UIModeAuto, UIModeTview, UIModeHeadless:
	default:
		return fmt.Errorf("config: ui.mode %q is not one of auto, tview, headless", c.UI.Mode)
	}
	if c.UI.RefreshMS <= 0 {
		c.UI.RefreshMS = c.Render.IntervalMS
	}
	return nil
}

// Purpose: Final startup validation after flags and positional args apply.
// Key aspects: Every failure here is fatal before ingestion starts.
// Upstream: main startup.
// Downstream: palette.Parse.
func (c *Config) Validate() error {
	if err := c.normalize(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("config: source path is empty")
	}
	if c.Raster.Width <= 0 || c.Raster.Height <= 0 {
		return fmt.Errorf("config: raster dimensions must be positive (got %dx%d)", c.Raster.Width, c.Raster.Height)
	}
	name, err := palette.Parse(c.Raster.Palette)
	if err != nil {
		return fmt.Errorf("config: raster.palette: %w", err)
	}
	c.PaletteName = name
	return nil
}

// Print writes a short summary of the effective configuration.
func (c *Config) Print(w func(format string, args ...any)) {
	from := c.LoadedFrom
	if from == "" {
		from = "defaults"
	}
	w("Config: loaded from %s", from)
	w("Config: source %s, raster %dx%d, palette %s", c.Source, c.Raster.Width, c.Raster.Height, c.Raster.Palette)
	w("Config: poll %dms, render %dms, smoothing %v", c.Tail.PollIntervalMS, c.Render.IntervalMS, c.Render.Smooth)
	if c.Gallery.Enabled {
		w("Config: gallery index %s", c.Gallery.Path)
	}
	if c.Archive.Enabled {
		w("Config: raster archive %s", c.Archive.Path)
	}
	if c.MQTT.Enabled {
		w("Config: mqtt %s topic %s", c.MQTT.Broker, c.MQTT.Topic)
	}
}
