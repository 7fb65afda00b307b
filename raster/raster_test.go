package raster

import (
	"errors"
	"sync"
	"testing"
)

func TestNewRejectsBadDimensions(t *testing.T) {
	for _, dims := range [][2]int{{0, 1}, {1, 0}, {-3, 4}} {
		if _, err := New(dims[0], dims[1]); !errors.Is(err, ErrInvalidDimensions) {
			t.Fatalf("New(%d,%d): expected ErrInvalidDimensions, got %v", dims[0], dims[1], err)
		}
	}
}

func TestAbsorbRowMajor(t *testing.T) {
	buf, err := New(2, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n := buf.Absorb([]uint8{10, 20, 30, 40}); n != 4 {
		t.Fatalf("expected 4 absorbed, got %d", n)
	}
	view := buf.CaptureAll()
	want := [][]uint8{{10, 20}, {30, 40}}
	for r := range want {
		for c := range want[r] {
			if got := view.At(r, c); got != want[r][c] {
				t.Fatalf("cell (%d,%d): got %d want %d", r, c, got, want[r][c])
			}
		}
	}
	if !buf.Complete() {
		t.Fatalf("expected buffer complete")
	}
	if view.Progress() != 1 {
		t.Fatalf("expected progress 1, got %f", view.Progress())
	}
}

func TestAbsorbDropsOverflow(t *testing.T) {
	buf, _ := New(2, 1)
	if n := buf.Absorb([]uint8{1, 2, 3}); n != 2 {
		t.Fatalf("expected 2 absorbed, got %d", n)
	}
	if n := buf.Absorb([]uint8{4}); n != 0 {
		t.Fatalf("expected overflow dropped, got %d", n)
	}
	if buf.Filled() != 2 {
		t.Fatalf("expected filled 2, got %d", buf.Filled())
	}
}

func TestLocateMatchesAbsorbOrder(t *testing.T) {
	const w, h = 5, 4
	buf, _ := New(w, h)
	for n := 1; n <= w*h; n++ {
		buf.Absorb([]uint8{uint8(n)})
	}
	view := buf.CaptureAll()
	for n := 1; n <= w*h; n++ {
		row, col := buf.Locate(n)
		if row != (n-1)/w || col != (n-1)%w {
			t.Fatalf("locate %d: got (%d,%d)", n, row, col)
		}
		if got := view.At(row, col); got != uint8(n) {
			t.Fatalf("sample %d landed at (%d,%d) as %d", n, row, col, got)
		}
	}
}

func TestSnapshotOnlyCompletedRows(t *testing.T) {
	buf, _ := New(3, 3)
	buf.Absorb([]uint8{1, 2, 3, 4, 5})

	snap := buf.Snapshot(3)
	if snap.Rows != 1 {
		t.Fatalf("expected 1 completed row, got %d", snap.Rows)
	}
	if got := snap.Row(0); len(got) != 3 || got[2] != 3 {
		t.Fatalf("unexpected row 0: %v", got)
	}
	if snap.Row(1) != nil {
		t.Fatalf("expected partial row excluded")
	}

	capture := buf.Capture()
	if capture.Rows != 2 {
		t.Fatalf("expected 2 visible rows, got %d", capture.Rows)
	}
	if capture.At(1, 2) != 0 {
		t.Fatalf("expected unfilled cell to read zero")
	}
}

func TestViewIsACopy(t *testing.T) {
	buf, _ := New(2, 2)
	buf.Absorb([]uint8{7, 8})
	view := buf.Capture()
	buf.Reset()
	buf.Absorb([]uint8{1})
	if view.At(0, 0) != 7 || view.Filled != 2 {
		t.Fatalf("view changed after buffer mutation: %d filled=%d", view.At(0, 0), view.Filled)
	}
}

func TestResetClears(t *testing.T) {
	buf, _ := New(2, 2)
	buf.Absorb([]uint8{9, 9, 9})
	buf.Reset()
	if buf.Filled() != 0 {
		t.Fatalf("expected filled 0 after reset")
	}
	view := buf.CaptureAll()
	for _, c := range view.Cells() {
		if c != 0 {
			t.Fatalf("expected zeroed cells, got %v", view.Cells())
		}
	}
}

func TestVisibleRows(t *testing.T) {
	cases := []struct {
		filled, width, height, want int
	}{
		{0, 4, 4, 0},
		{1, 4, 4, 1},
		{4, 4, 4, 1},
		{5, 4, 4, 2},
		{16, 4, 4, 4},
		{20, 4, 4, 4},
	}
	for _, tc := range cases {
		if got := VisibleRows(tc.filled, tc.width, tc.height); got != tc.want {
			t.Fatalf("VisibleRows(%d,%d,%d)=%d want %d", tc.filled, tc.width, tc.height, got, tc.want)
		}
	}
}

func TestConcurrentCaptureSeesWholeAbsorbs(t *testing.T) {
	const w = 64
	buf, _ := New(w, 64)
	row := make([]uint8, w)
	for i := range row {
		row[i] = 200
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 64; i++ {
			buf.Absorb(row)
		}
	}()
	for i := 0; i < 200; i++ {
		view := buf.Capture()
		if view.Filled%w != 0 {
			t.Fatalf("observed torn absorb: filled=%d", view.Filled)
		}
		for r := 0; r < view.Filled/w; r++ {
			for _, c := range view.Row(r) {
				if c != 200 {
					t.Fatalf("row %d not fully written in view", r)
				}
			}
		}
	}
	wg.Wait()
}

func TestNewViewValidates(t *testing.T) {
	if _, err := NewView(3, 2, 0, make([]uint8, 7)); err == nil {
		t.Fatalf("expected error for ragged cells")
	}
	v, err := NewView(3, 2, 6, []uint8{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("new view: %v", err)
	}
	if v.Rows != 2 || !v.Complete() {
		t.Fatalf("unexpected view: rows=%d complete=%v", v.Rows, v.Complete())
	}
}
