// Package raster owns the growing intensity grid. Samples land in row-major
// order; readers only ever see copies taken under a short read lock, so a
// render never observes a half-applied Absorb.
package raster

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidDimensions is returned by New for a non-positive width or height.
var ErrInvalidDimensions = errors.New("raster: width and height must be > 0")

// Buffer is the width×height grid plus its monotonically increasing fill counter.
// Absorb and Reset are meant for a single writer (the ingest loop); Capture
// and Snapshot are safe from any goroutine.
type Buffer struct {
	width  int
	height int

	mu     sync.RWMutex
	cells  []uint8
	filled int
}

// New allocates a zeroed grid. Dimensions are fixed for the buffer lifetime.
func New(width, height int) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w (got %dx%d)", ErrInvalidDimensions, width, height)
	}
	return &Buffer{
		width:  width,
		height: height,
		cells:  make([]uint8, width*height),
	}, nil
}

// Width returns the grid width.
func (b *Buffer) Width() int { return b.width }

// Height returns the grid height.
func (b *Buffer) Height() int { return b.height }

// Capacity returns width*height.
func (b *Buffer) Capacity() int { return b.width * b.height }

// Filled returns how many cells have received a sample.
func (b *Buffer) Filled() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filled
}

// Complete reports whether every cell has received a sample.
func (b *Buffer) Complete() bool {
	return b.Filled() >= b.Capacity()
}

// Purpose: Append samples at the next row-major positions.
// Key aspects: Drops values past capacity; returns how many were written.
// Upstream: ingest.Loop poll tick.
// Downstream: None.
func (b *Buffer) Absorb(values []uint8) int {
	if len(values) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	room := len(b.cells) - b.filled
	if room <= 0 {
		return 0
	}
	n := min(room, len(values))
	copy(b.cells[b.filled:], values[:n])
	b.filled += n
	return n
}

// Reset zeroes every cell and the fill counter.
func (b *Buffer) Reset() {
	b.mu.Lock()
	clear(b.cells)
	b.filled = 0
	b.mu.Unlock()
}

// Locate maps the 1-based ingestion order n to its grid position.
func (b *Buffer) Locate(n int) (row, col int) {
	return Locate(n, b.width)
}

// Locate maps the 1-based ingestion order n to (row, col) for a grid of width w.
func Locate(n, w int) (row, col int) {
	return (n - 1) / w, (n - 1) % w
}

// VisibleRows returns ceil(filled/width) clamped to height. A row counts as
// visible as soon as any of its cells has been written.
func VisibleRows(filled, width, height int) int {
	if filled <= 0 || width <= 0 {
		return 0
	}
	return min(height, (filled+width-1)/width)
}

// Snapshot copies the completed rows [0, upToRow). Rows that are still being
// filled are excluded, and upToRow is clamped to the completed row count.
func (b *Buffer) Snapshot(upToRow int) View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rows := min(upToRow, b.filled/b.width, b.height)
	rows = max(rows, 0)
	return b.viewLocked(rows)
}

// Capture copies every visible row, including a partially filled last row.
func (b *Buffer) Capture() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.viewLocked(VisibleRows(b.filled, b.width, b.height))
}

// CaptureAll copies the whole grid regardless of fill state.
func (b *Buffer) CaptureAll() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.viewLocked(b.height)
}

func (b *Buffer) viewLocked(rows int) View {
	cells := make([]uint8, rows*b.width)
	copy(cells, b.cells[:rows*b.width])
	return View{
		Width:  b.width,
		Height: b.height,
		Rows:   rows,
		Filled: b.filled,
		cells:  cells,
	}
}

// View is an immutable copy of the first Rows rows of a Buffer. Filled is the
// fill counter at the time the copy was taken.
type View struct {
	Width  int
	Height int
	Rows   int
	Filled int
	cells  []uint8
}

// NewView wraps cells as a view, mainly for tests and archive reloads. cells
// is used as-is and must hold rows*width values.
func NewView(width, height, filled int, cells []uint8) (View, error) {
	if width <= 0 || height <= 0 {
		return View{}, fmt.Errorf("%w (got %dx%d)", ErrInvalidDimensions, width, height)
	}
	if len(cells)%width != 0 || len(cells)/width > height {
		return View{}, fmt.Errorf("raster: %d cells do not fit %dx%d", len(cells), width, height)
	}
	return View{
		Width:  width,
		Height: height,
		Rows:   len(cells) / width,
		Filled: filled,
		cells:  cells,
	}, nil
}

// At returns the cell at (row, col); cells outside the copied rows read as zero.
func (v View) At(row, col int) uint8 {
	if row < 0 || row >= v.Rows || col < 0 || col >= v.Width {
		return 0
	}
	return v.cells[row*v.Width+col]
}

// Row returns a read-only slice of one copied row.
func (v View) Row(row int) []uint8 {
	if row < 0 || row >= v.Rows {
		return nil
	}
	return v.cells[row*v.Width : (row+1)*v.Width : (row+1)*v.Width]
}

// Cells returns the copied cells in row-major order. Callers must not modify them.
func (v View) Cells() []uint8 {
	return v.cells
}

// Capacity returns width*height of the source grid.
func (v View) Capacity() int {
	return v.Width * v.Height
}

// Progress returns Filled/Capacity in [0,1].
func (v View) Progress() float64 {
	total := v.Capacity()
	if total <= 0 {
		return 0
	}
	p := float64(v.Filled) / float64(total)
	return min(max(p, 0), 1)
}

// Complete reports whether the source grid was full when the view was taken.
func (v View) Complete() bool {
	return v.Filled >= v.Capacity()
}
