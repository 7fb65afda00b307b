// Package persist writes rendered raster snapshots to disk and hands a record
// of each one to optional catalogs (the gallery index and the raw archive).
package persist

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rastertail/palette"
	"rastertail/raster"
	"rastertail/render"

	"github.com/zeebo/xxh3"
)

const (
	// DefaultSubdir is created next to the source file to hold saved images.
	DefaultSubdir = "fractals"
	// TimestampLayout keeps nanoseconds so back-to-back saves get distinct names.
	TimestampLayout = "20060102_150405.000000000"

	maxNameAttempts = 100
)

var (
	// ErrEmptyRaster is returned when asked to save before any sample arrived.
	ErrEmptyRaster = errors.New("persist: nothing to save yet")
	// ErrUnsupportedFormat is returned for an image format other than png or jpeg.
	ErrUnsupportedFormat = errors.New("persist: unsupported image format")
)

// Record describes one persisted snapshot.
type Record struct {
	Path      string
	Source    string
	Palette   palette.Name
	Width     int
	Height    int
	Filled    int
	Complete  bool
	Digest    uint64
	CreatedAt time.Time
	Cells     []uint8
}

// Catalog receives a Record after the image file has been written.
type Catalog interface {
	Add(ctx context.Context, rec Record) error
}

// Options configures a Writer. Zero values select defaults.
type Options struct {
	// Dir overrides the output directory; by default it is <dir(source)>/fractals.
	Dir string
	// Format is "png" (default) or "jpeg".
	Format string
	// Now supplies timestamps for filenames.
	Now func() time.Time
}

// Writer persists snapshots of one source file's raster.
type Writer struct {
	source   string
	dir      string
	format   string
	now      func() time.Time
	catalogs []Catalog
}

// Purpose: Construct a writer for images derived from source.
// Key aspects: Resolves the output directory once; does not create it yet.
// Upstream: main wiring and cmd/rerender.
// Downstream: None.
func NewWriter(source string, opts Options, catalogs ...Catalog) (*Writer, error) {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	switch format {
	case "", "png":
		format = "png"
	case "jpg", "jpeg":
		format = "jpeg"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		base := filepath.Dir(source)
		if base == "" {
			base = "."
		}
		dir = filepath.Join(base, DefaultSubdir)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	w := &Writer{source: source, dir: dir, format: format, now: now}
	for _, c := range catalogs {
		if c != nil {
			w.catalogs = append(w.catalogs, c)
		}
	}
	return w, nil
}

// Dir returns the directory images are written to.
func (w *Writer) Dir() string { return w.dir }

// Purpose: Render view through pal and write it to a new image file.
// Key aspects: Full, unsmoothed render; exclusive create so no file is ever
// overwritten; catalog failures are logged, not returned.
// Upstream: ingest.Loop completion and manual save.
// Downstream: render.Full, image encoders, Catalog.Add.
func (w *Writer) Persist(ctx context.Context, view raster.View, pal *palette.Palette) (string, error) {
	if view.Filled <= 0 {
		return "", ErrEmptyRaster
	}
	img := render.Full(view, pal)
	createdAt := w.now()
	path, err := w.writeImage(img, pal.Name, createdAt)
	if err != nil {
		return "", err
	}

	rec := Record{
		Path:      path,
		Source:    w.source,
		Palette:   pal.Name,
		Width:     view.Width,
		Height:    view.Height,
		Filled:    view.Filled,
		Complete:  view.Complete(),
		Digest:    Digest(view.Cells()),
		CreatedAt: createdAt,
		Cells:     view.Cells(),
	}
	for _, c := range w.catalogs {
		if err := c.Add(ctx, rec); err != nil {
			log.Printf("Persist: catalog update failed for %s: %v", filepath.Base(path), err)
		}
	}
	return path, nil
}

// Export writes an already rendered image using the writer's naming scheme.
func (w *Writer) Export(img image.Image, name palette.Name) (string, error) {
	return w.writeImage(img, name, w.now())
}

func (w *Writer) writeImage(img image.Image, name palette.Name, at time.Time) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("persist: create %s: %w", w.dir, err)
	}
	f, path, err := w.createUnique(name, at)
	if err != nil {
		return "", err
	}
	encErr := w.encode(f, img)
	closeErr := f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("persist: write %s: %w", path, err)
	}
	return path, nil
}

func (w *Writer) createUnique(name palette.Name, at time.Time) (*os.File, string, error) {
	stem := FileStem(name, at)
	ext := w.extension()
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := stem
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", stem, attempt)
		}
		path := filepath.Join(w.dir, candidate+"."+ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("persist: create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("persist: no free filename for %s after %d attempts", stem, maxNameAttempts)
}

func (w *Writer) encode(f *os.File, img image.Image) error {
	if w.format == "jpeg" {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	}
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(f, img)
}

func (w *Writer) extension() string {
	if w.format == "jpeg" {
		return "jpg"
	}
	return "png"
}

// FileStem returns "{palette}_{timestamp}" for a snapshot taken at t.
func FileStem(name palette.Name, t time.Time) string {
	return name.String() + "_" + t.Format(TimestampLayout)
}

// Digest hashes raster cells; it identifies a snapshot in the catalogs.
func Digest(cells []uint8) uint64 {
	return xxh3.Hash(cells)
}
