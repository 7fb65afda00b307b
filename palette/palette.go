// Package palette builds the 256-entry color lookup tables used to turn raster
// intensities into RGB. Every table is a pure function of the index, computed
// once at startup and never mutated afterwards.
package palette

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	lev "github.com/agnivade/levenshtein"
)

// Name identifies one of the built-in palettes. The set is closed; unknown
// names are rejected by Parse before any rendering happens.
type Name uint8

const (
	Grayscale Name = iota
	Fire
	Ocean
	Rainbow
	Plasma
	Viridis
	nameCount
)

// Size is the number of entries in every lookup table.
const Size = 256

var names = [nameCount]string{
	Grayscale: "grayscale",
	Fire:      "fire",
	Ocean:     "ocean",
	Rainbow:   "rainbow",
	Plasma:    "plasma",
	Viridis:   "viridis",
}

// String returns the lowercase palette name used in config files and filenames.
func (n Name) String() string {
	if n >= nameCount {
		return fmt.Sprintf("palette(%d)", uint8(n))
	}
	return names[n]
}

// Valid reports whether n is one of the built-in palettes.
func (n Name) Valid() bool {
	return n < nameCount
}

// Next cycles to the following palette, wrapping after the last one.
func (n Name) Next() Name {
	return (n + 1) % nameCount
}

// Prev cycles to the preceding palette, wrapping before the first one.
func (n Name) Prev() Name {
	return (n + nameCount - 1) % nameCount
}

// Names returns every built-in palette in display order.
func Names() []Name {
	out := make([]Name, 0, nameCount)
	for n := Name(0); n < nameCount; n++ {
		out = append(out, n)
	}
	return out
}

// UnknownNameError reports a palette name that is not built in. Suggestion
// holds the closest known name when one is near enough to be a typo.
type UnknownNameError struct {
	Input      string
	Suggestion string
}

func (e *UnknownNameError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown palette %q (did you mean %q?)", e.Input, e.Suggestion)
	}
	return fmt.Sprintf("unknown palette %q (known: %s)", e.Input, strings.Join(names[:], ", "))
}

// Purpose: Resolve a configured palette name to its variant.
// Key aspects: Case/space-insensitive; unknown names carry a Levenshtein suggestion.
// Upstream: config.Validate, ui key handling, cmd/rerender.
// Downstream: suggest.
func Parse(raw string) (Name, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for n := Name(0); n < nameCount; n++ {
		if names[n] == key {
			return n, nil
		}
	}
	return Grayscale, &UnknownNameError{Input: raw, Suggestion: suggest(key)}
}

// suggest returns the closest palette name within two edits, or "".
func suggest(key string) string {
	if key == "" {
		return ""
	}
	best := ""
	bestDist := 3
	for _, candidate := range names {
		d := lev.ComputeDistance(key, candidate)
		if d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	return best
}

// RGB is a single lookup table entry.
type RGB struct {
	R, G, B uint8
}

// Palette is an immutable lookup table; Entries[i] is the color for intensity i.
type Palette struct {
	Name    Name
	Entries [Size]RGB
}

// Color returns the entry for intensity v.
func (p *Palette) Color(v uint8) RGB {
	return p.Entries[v]
}

// Purpose: Compute the lookup table for a palette.
// Key aspects: Deterministic; every channel is clamped to [0,255] after computation.
// Upstream: NewSet and tests.
// Downstream: per-palette generators.
func Build(name Name) *Palette {
	gen := generators[Grayscale]
	if name.Valid() {
		gen = generators[name]
	} else {
		name = Grayscale
	}
	p := &Palette{Name: name}
	for i := 0; i < Size; i++ {
		r, g, b := gen(i)
		p.Entries[i] = RGB{R: clamp(r), G: clamp(g), B: clamp(b)}
	}
	return p
}

type generator func(i int) (r, g, b float64)

var generators = [nameCount]generator{
	Grayscale: grayscale,
	Fire:      fire,
	Ocean:     ocean,
	Rainbow:   rainbow,
	Plasma:    plasma,
	Viridis:   viridis,
}

func grayscale(i int) (float64, float64, float64) {
	v := float64(i)
	return v, v, v
}

// fire ramps black->red->yellow->white over four 64-wide bands. The last band
// holds white and cools the blue channel slightly so the top end stays distinct.
func fire(i int) (float64, float64, float64) {
	switch {
	case i < 64:
		return float64(i * 4), 0, 0
	case i < 128:
		return 255, float64((i - 64) * 4), 0
	case i < 192:
		return 255, 255, float64((i - 128) * 4)
	default:
		return 255, 255, float64(255 - (i - 192))
	}
}

// ocean ramps deep blue->cyan->white over three 85-wide bands.
func ocean(i int) (float64, float64, float64) {
	switch {
	case i < 85:
		return 0, 0, float64(i * 3)
	case i < 170:
		return 0, float64((i - 85) * 3), 255
	default:
		return float64((i - 170) * 3), 255, 255
	}
}

func rainbow(i int) (float64, float64, float64) {
	h := float64(i) / 255 * 360
	r, g, b := hsvToRGB(h, 1, 1)
	return math.Trunc(r * 255), math.Trunc(g * 255), math.Trunc(b * 255)
}

// plasma and viridis are degree-6 polynomial fits of the matplotlib maps.
// Lightness rises across the whole range and adjacent entries differ by at
// most a few steps per channel.
var plasmaCoeffs = [7][3]float64{
	{0.05873234392399702, 0.02333670892565664, 0.5433401826748754},
	{2.176514634195958, 0.2383834171260182, 0.7539604599784036},
	{-2.689460476458034, -7.455851135738909, 3.110799939717086},
	{6.130348345893603, 42.3461881477227, -28.51885465332158},
	{-11.10743619062271, -82.66631109428045, 60.13984767418263},
	{10.02306557647065, 71.41361770095349, -54.07218655560067},
	{-3.658713842777788, -22.93153465461149, 18.19190778539828},
}

var viridisCoeffs = [7][3]float64{
	{0.2777273272234177, 0.005407344544966578, 0.3340998053353061},
	{0.1050930431085774, 1.404613529898575, 1.384590162594685},
	{-0.3308618287255563, 0.214847559468213, 0.09509516302823659},
	{-4.634230498983486, -5.799100973351585, -19.33244095627987},
	{6.228269936347081, 14.17993336680509, 56.69055260068105},
	{4.776384997670288, -13.74514537774601, -65.35303263337234},
	{-5.435455855934631, 4.645852612178535, 26.3124352495832},
}

func plasma(i int) (float64, float64, float64) {
	return polynomial(&plasmaCoeffs, float64(i)/255)
}

func viridis(i int) (float64, float64, float64) {
	return polynomial(&viridisCoeffs, float64(i)/255)
}

func polynomial(c *[7][3]float64, t float64) (float64, float64, float64) {
	var out [3]float64
	for ch := 0; ch < 3; ch++ {
		s := 0.0
		for k := len(c) - 1; k >= 0; k-- {
			s = s*t + c[k][ch]
		}
		out[ch] = math.Trunc(255 * s)
	}
	return out[0], out[1], out[2]
}

// hsvToRGB converts h in degrees [0,360] with s,v in [0,1] to unit RGB.
func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return r + m, g + m, b + m
}

func clamp(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Set holds every built-in palette, computed once.
type Set struct {
	tables [nameCount]*Palette
}

// NewSet builds all palettes up front so swapping never recomputes a table.
func NewSet() *Set {
	s := &Set{}
	for n := Name(0); n < nameCount; n++ {
		s.tables[n] = Build(n)
	}
	return s
}

// Get returns the prebuilt table for name; invalid names yield grayscale.
func (s *Set) Get(name Name) *Palette {
	if !name.Valid() {
		return s.tables[Grayscale]
	}
	return s.tables[name]
}

// Lookup resolves a raw name, falling back to grayscale when it is unknown.
func (s *Set) Lookup(raw string) *Palette {
	name, err := Parse(raw)
	if err != nil {
		return s.tables[Grayscale]
	}
	return s.tables[name]
}

// Active is the swappable reference to the palette used by the next render.
// Readers and the swapping goroutine never block each other.
type Active struct {
	set *Set
	cur atomic.Pointer[Palette]
}

// NewActive starts with the given palette selected.
func NewActive(set *Set, initial Name) *Active {
	a := &Active{set: set}
	a.cur.Store(set.Get(initial))
	return a
}

// Load returns the currently selected palette.
func (a *Active) Load() *Palette {
	return a.cur.Load()
}

// Swap selects name and returns the previously active palette.
func (a *Active) Swap(name Name) *Palette {
	return a.cur.Swap(a.set.Get(name))
}
