// Package render composites raster views into RGBA images through a palette
// lookup table. It never touches the live buffer: every input is a copied
// raster.View, and every output is a freshly allocated image.
package render

import (
	"image"
	"image/color"

	"rastertail/palette"
	"rastertail/raster"

	xdraw "golang.org/x/image/draw"
)

// Options controls cosmetic post-processing.
type Options struct {
	// Smooth applies a mild 5x5 blur once more than one row is visible.
	Smooth bool
}

// Frame is one composited render. It is immutable after Compose returns.
type Frame struct {
	Image       *image.RGBA
	Width       int
	Height      int
	VisibleRows int
	Filled      int
	Total       int
	Progress    float64
	Palette     palette.Name
}

// Complete reports whether the frame shows a full buffer.
func (f *Frame) Complete() bool {
	return f != nil && f.Total > 0 && f.Filled >= f.Total
}

// Purpose: Render the visible part of a view through a palette.
// Key aspects: Output is always Width x Height; rows past the fill point stay
// opaque black; smoothing is limited to the visible rows.
// Upstream: ingest.Loop render tick and completion.
// Downstream: fillPaletteRGBA, smoothRows.
func Compose(view raster.View, pal *palette.Palette, opts Options) *Frame {
	visible := raster.VisibleRows(view.Filled, view.Width, view.Height)
	visible = min(visible, view.Rows)
	img := image.NewRGBA(image.Rect(0, 0, view.Width, view.Height))
	fillOpaqueBlack(img.Pix)

	if visible > 0 {
		n := visible * view.Width
		fillPaletteRGBA(img.Pix[:n*4], view.Cells()[:n], pal)
		if opts.Smooth && visible > 1 {
			smoothRows(img, visible)
		}
	}

	return &Frame{
		Image:       img,
		Width:       view.Width,
		Height:      view.Height,
		VisibleRows: visible,
		Filled:      view.Filled,
		Total:       view.Capacity(),
		Progress:    view.Progress(),
		Palette:     pal.Name,
	}
}

// Full renders every row of view without smoothing, for persistence.
func Full(view raster.View, pal *palette.Palette) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, view.Width, view.Height))
	fillOpaqueBlack(img.Pix)
	n := view.Rows * view.Width
	fillPaletteRGBA(img.Pix[:n*4], view.Cells()[:n], pal)
	return img
}

// fillPaletteRGBA converts cell values into RGBA pixels using the lookup table.
func fillPaletteRGBA(buf []byte, cells []uint8, pal *palette.Palette) {
	for i, c := range cells {
		base := i * 4
		col := pal.Entries[c]
		buf[base+0] = col.R
		buf[base+1] = col.G
		buf[base+2] = col.B
		buf[base+3] = 0xff
	}
}

func fillOpaqueBlack(buf []byte) {
	for i := 3; i < len(buf); i += 4 {
		buf[i] = 0xff
	}
}

// smoothKernel matches the classic SMOOTH_MORE filter; weights sum to 100.
var smoothKernel = [5][5]int{
	{1, 1, 1, 1, 1},
	{1, 5, 5, 5, 1},
	{1, 5, 44, 5, 1},
	{1, 5, 5, 5, 1},
	{1, 1, 1, 1, 1},
}

const smoothKernelSum = 100

// smoothRows blurs rows [0, rows) in place, clamping samples at the edges of
// that band so unfilled rows never bleed into the image.
func smoothRows(img *image.RGBA, rows int) {
	w := img.Rect.Dx()
	src := make([]byte, rows*img.Stride)
	copy(src, img.Pix[:rows*img.Stride])

	for y := 0; y < rows; y++ {
		for x := 0; x < w; x++ {
			var r, g, b int
			for ky := -2; ky <= 2; ky++ {
				sy := min(max(y+ky, 0), rows-1)
				row := src[sy*img.Stride:]
				for kx := -2; kx <= 2; kx++ {
					sx := min(max(x+kx, 0), w-1)
					k := smoothKernel[ky+2][kx+2]
					p := row[sx*4:]
					r += k * int(p[0])
					g += k * int(p[1])
					b += k * int(p[2])
				}
			}
			o := y*img.Stride + x*4
			img.Pix[o+0] = uint8((r + smoothKernelSum/2) / smoothKernelSum)
			img.Pix[o+1] = uint8((g + smoothKernelSum/2) / smoothKernelSum)
			img.Pix[o+2] = uint8((b + smoothKernelSum/2) / smoothKernelSum)
		}
	}
}

// DefaultMargin leaves a 10% border around a fitted image.
const DefaultMargin = 0.1

// Purpose: Scale src to fit inside maxW x maxH, keeping its aspect ratio.
// Key aspects: Stateless; margin in [0,1) shrinks the target box; returns nil
// when the box is too small to hold a single pixel.
// Upstream: display adapters (ui canvas).
// Downstream: x/image/draw CatmullRom.
func Fit(src image.Image, maxW, maxH int, margin float64) *image.RGBA {
	if src == nil || maxW <= 0 || maxH <= 0 {
		return nil
	}
	sb := src.Bounds()
	if sb.Dx() <= 0 || sb.Dy() <= 0 {
		return nil
	}
	margin = min(max(margin, 0), 0.9)
	scale := min(float64(maxW)/float64(sb.Dx()), float64(maxH)/float64(sb.Dy())) * (1 - margin)
	w := int(float64(sb.Dx()) * scale)
	h := int(float64(sb.Dy()) * scale)
	if w <= 0 || h <= 0 {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == sb.Dx() && h == sb.Dy() {
		xdraw.Draw(dst, dst.Bounds(), src, sb.Min, xdraw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	return dst
}

// At returns the color of a frame pixel, or opaque black outside the frame.
func (f *Frame) At(x, y int) color.RGBA {
	if f == nil || f.Image == nil {
		return color.RGBA{A: 0xff}
	}
	if !(image.Point{X: x, Y: y}.In(f.Image.Rect)) {
		return color.RGBA{A: 0xff}
	}
	return f.Image.RGBAAt(x, y)
}
