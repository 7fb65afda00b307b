package ui

import (
	"image"
	"sync"

	"rastertail/render"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const halfBlock = '▀'

// Canvas draws the latest frame with half-block cells: each terminal cell
// shows two vertically stacked pixels (foreground on top, background below).
type Canvas struct {
	*tview.Box

	mu     sync.Mutex
	frame  *render.Frame
	margin float64

	// fitted caches the resample for one frame at one size.
	fitted      *image.RGBA
	fittedFrom  *render.Frame
	fittedW     int
	fittedH     int
	placeholder string
}

// NewCanvas creates an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{
		Box:         tview.NewBox(),
		margin:      render.DefaultMargin,
		placeholder: "waiting for samples...",
	}
}

// SetFrame replaces the displayed frame. The frame is never modified.
func (c *Canvas) SetFrame(f *render.Frame) {
	c.mu.Lock()
	c.frame = f
	c.mu.Unlock()
}

// Frame returns the frame currently shown.
func (c *Canvas) Frame() *render.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Draw implements tview.Primitive.
func (c *Canvas) Draw(screen tcell.Screen) {
	c.Box.DrawForSubclass(screen, c)
	x, y, w, h := c.GetInnerRect()
	if w <= 0 || h <= 0 {
		return
	}
	img := c.fit(w, h*2)
	if img == nil {
		tview.Print(screen, c.placeholder, x, y+h/2, w, tview.AlignCenter, tcell.ColorGray)
		return
	}

	b := img.Bounds()
	offX := x + (w-b.Dx())/2
	offY := y + (h-(b.Dy()+1)/2)/2
	for py := 0; py < b.Dy(); py += 2 {
		for px := 0; px < b.Dx(); px++ {
			top := img.RGBAAt(px, py)
			style := tcell.StyleDefault.Foreground(tcell.NewRGBColor(int32(top.R), int32(top.G), int32(top.B)))
			if py+1 < b.Dy() {
				bottom := img.RGBAAt(px, py+1)
				style = style.Background(tcell.NewRGBColor(int32(bottom.R), int32(bottom.G), int32(bottom.B)))
			} else {
				style = style.Background(tcell.ColorBlack)
			}
			screen.SetContent(offX+px, offY+py/2, halfBlock, nil, style)
		}
	}
}

func (c *Canvas) fit(maxW, maxH int) *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil || c.frame.Image == nil {
		return nil
	}
	if c.fitted != nil && c.fittedFrom == c.frame && c.fittedW == maxW && c.fittedH == maxH {
		return c.fitted
	}
	c.fitted = render.Fit(c.frame.Image, maxW, maxH, c.margin)
	c.fittedFrom = c.frame
	c.fittedW, c.fittedH = maxW, maxH
	return c.fitted
}
