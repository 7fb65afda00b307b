package tail

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func noSettle() Options {
	return Options{SettleAfter: -1}
}

func TestPollMissingFile(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "absent.txt"), noSettle())
	_, err := r.Poll()
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}
	if r.Position() != 0 {
		t.Fatalf("cursor moved on missing file")
	}
}

func TestPollSkipsInvalidRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "10\nabc\n20\n")
	r := New(path, noSettle())
	batch, err := r.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !bytes.Equal(batch.Samples, []uint8{10, 20}) {
		t.Fatalf("expected [10 20], got %v", batch.Samples)
	}
	if batch.Malformed != 1 {
		t.Fatalf("expected 1 malformed, got %d", batch.Malformed)
	}
	if r.Position() != int64(len("10\nabc\n20\n")) {
		t.Fatalf("unexpected position %d", r.Position())
	}
}

func TestPollTrimsAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "  7 \r\n300\n\n-5\n0255\n99999999999999999999\n1.5\n")
	r := New(path, noSettle())
	batch, err := r.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	want := []uint8{7, 255, 255, 255}
	if !bytes.Equal(batch.Samples, want) {
		t.Fatalf("expected %v, got %v", want, batch.Samples)
	}
	if batch.Malformed != 2 {
		t.Fatalf("expected 2 malformed (-5, 1.5), got %d", batch.Malformed)
	}
}

func TestPartialRecordWaitsForNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "12")
	r := New(path, noSettle())

	batch, err := r.Poll()
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if len(batch.Samples) != 0 {
		t.Fatalf("absorbed partial record: %v", batch.Samples)
	}
	if batch.Pending != 2 || r.Position() != 0 {
		t.Fatalf("expected pending=2 position=0, got pending=%d position=%d", batch.Pending, r.Position())
	}

	appendFile(t, path, "3\n")
	batch, err = r.Poll()
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if !bytes.Equal(batch.Samples, []uint8{123}) {
		t.Fatalf("expected [123], got %v", batch.Samples)
	}

	batch, err = r.Poll()
	if err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if len(batch.Samples) != 0 {
		t.Fatalf("sample re-read: %v", batch.Samples)
	}
}

func TestPartialRecordAfterCompleteOnes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "1\n2\n3")
	r := New(path, noSettle())
	batch, err := r.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !bytes.Equal(batch.Samples, []uint8{1, 2}) {
		t.Fatalf("expected [1 2], got %v", batch.Samples)
	}
	if r.Position() != 4 {
		t.Fatalf("expected cursor rewound to start of partial record (4), got %d", r.Position())
	}
}

func TestUnterminatedFinalLineSettles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "5\n42")
	now := time.Unix(1000, 0)
	r := New(path, Options{SettleAfter: time.Second, Now: func() time.Time { return now }})

	batch, _ := r.Poll()
	if !bytes.Equal(batch.Samples, []uint8{5}) {
		t.Fatalf("expected [5], got %v", batch.Samples)
	}
	batch, _ = r.Poll()
	if len(batch.Samples) != 0 {
		t.Fatalf("fragment accepted before settling: %v", batch.Samples)
	}
	now = now.Add(500 * time.Millisecond)
	if batch, _ = r.Poll(); len(batch.Samples) != 0 {
		t.Fatalf("fragment accepted too early: %v", batch.Samples)
	}
	now = now.Add(600 * time.Millisecond)
	batch, _ = r.Poll()
	if !bytes.Equal(batch.Samples, []uint8{42}) {
		t.Fatalf("expected settled [42], got %v", batch.Samples)
	}
	if r.Position() != 4 {
		t.Fatalf("expected position 4, got %d", r.Position())
	}
}

func TestGrowingFragmentRestartsSettleClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "4")
	now := time.Unix(0, 0)
	r := New(path, Options{SettleAfter: time.Second, Now: func() time.Time { return now }})
	r.Poll()
	now = now.Add(900 * time.Millisecond)
	appendFile(t, path, "2")
	r.Poll()
	now = now.Add(900 * time.Millisecond)
	if batch, _ := r.Poll(); len(batch.Samples) != 0 {
		t.Fatalf("growing fragment accepted: %v", batch.Samples)
	}
}

// A fragment left behind by a poll that consumed complete records starts its
// own settle clock, even when it has the same length as an earlier fragment.
func TestNewFragmentDoesNotInheritSettleClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "1")
	now := time.Unix(1000, 0)
	r := New(path, Options{SettleAfter: 2 * time.Second, Now: func() time.Time { return now }})

	if batch, _ := r.Poll(); len(batch.Samples) != 0 {
		t.Fatalf("fragment accepted on first sight: %v", batch.Samples)
	}
	now = now.Add(5 * time.Second)
	appendFile(t, path, "\n2")
	batch, _ := r.Poll()
	if !bytes.Equal(batch.Samples, []uint8{1}) || batch.Pending != 1 {
		t.Fatalf("expected [1] with one pending byte, got %v pending=%d", batch.Samples, batch.Pending)
	}
	now = now.Add(50 * time.Millisecond)
	if batch, _ = r.Poll(); len(batch.Samples) != 0 {
		t.Fatalf("fresh fragment accepted after 50ms: %v", batch.Samples)
	}
	now = now.Add(2 * time.Second)
	if batch, _ = r.Poll(); !bytes.Equal(batch.Samples, []uint8{2}) {
		t.Fatalf("expected settled [2], got %v", batch.Samples)
	}
}

func TestStalledProducerKeepsRecordWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "5")
	now := time.Unix(1000, 0)
	r := New(path, Options{SettleAfter: 2 * time.Second, Now: func() time.Time { return now }})

	var polls [][]uint8
	poll := func() {
		t.Helper()
		batch, err := r.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(batch.Samples) > 0 {
			polls = append(polls, batch.Samples)
		}
	}
	poll()
	now = now.Add(3 * time.Second)
	appendFile(t, path, "\n6")
	poll()
	now = now.Add(50 * time.Millisecond)
	poll()
	appendFile(t, path, "7\n")
	poll()

	var got []uint8
	for _, p := range polls {
		got = append(got, p...)
	}
	if !bytes.Equal(got, []uint8{5, 67}) {
		t.Fatalf("expected [5 67], got %v", got)
	}
}

func TestOversizedRecordIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	huge := bytes.Repeat([]byte("9"), 300)
	writeFile(t, path, "1\n"+string(huge)+"\n2\n")
	r := New(path, Options{ChunkSize: 64, MaxRecordBytes: 100, SettleAfter: -1})

	var got []uint8
	malformed := 0
	for i := 0; i < 20; i++ {
		batch, err := r.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, batch.Samples...)
		malformed += batch.Malformed
	}
	if !bytes.Equal(got, []uint8{1, 2}) {
		t.Fatalf("expected [1 2], got %v", got)
	}
	if malformed != 1 {
		t.Fatalf("expected one malformed oversized record, got %d", malformed)
	}
}

func TestTruncationIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "1\n2\n3\n")
	r := New(path, noSettle())
	if _, err := r.Poll(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	writeFile(t, path, "1\n")
	_, err := r.Poll()
	if !errors.Is(err, ErrSourceTruncated) {
		t.Fatalf("expected ErrSourceTruncated, got %v", err)
	}
	if r.Position() != 6 {
		t.Fatalf("cursor moved on error: %d", r.Position())
	}
	r.Reset()
	batch, err := r.Poll()
	if err != nil || !bytes.Equal(batch.Samples, []uint8{1}) {
		t.Fatalf("expected [1] after reset, got %v err=%v", batch.Samples, err)
	}
}

func sampleFile(n int) (string, []uint8) {
	var buf bytes.Buffer
	want := make([]uint8, 0, n)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < n; i++ {
		v := rng.Intn(256)
		buf.WriteString(strconv.Itoa(v))
		buf.WriteByte('\n')
		want = append(want, uint8(v))
	}
	return buf.String(), want
}

func drain(t *testing.T, r *Reader) []uint8 {
	t.Helper()
	var got []uint8
	for i := 0; i < 100000; i++ {
		batch, err := r.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if batch.Consumed == 0 {
			return got
		}
		got = append(got, batch.Samples...)
	}
	t.Fatalf("reader never drained")
	return nil
}

func TestResumeAcrossChunkSizes(t *testing.T) {
	content, want := sampleFile(500)
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, content)

	for _, chunk := range []int{1, 2, 3, 7, 64, 4096, DefaultChunkSize} {
		r := New(path, Options{ChunkSize: chunk, SettleAfter: -1})
		got := drain(t, r)
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk=%d: got %d samples, mismatch with one-shot read", chunk, len(got))
		}
		if r.Position() != int64(len(content)) {
			t.Fatalf("chunk=%d: position %d want %d", chunk, r.Position(), len(content))
		}
	}
}

func TestResumeAcrossArbitraryWrites(t *testing.T) {
	content, want := sampleFile(300)
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "")
	r := New(path, Options{ChunkSize: 16, SettleAfter: -1})

	rng := rand.New(rand.NewSource(11))
	var got []uint8
	for written := 0; written < len(content); {
		step := 1 + rng.Intn(9)
		end := min(written+step, len(content))
		appendFile(t, path, content[written:end])
		written = end
		batch, err := r.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, batch.Samples...)
	}
	got = append(got, drain(t, r)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("incremental tail produced %d samples, want %d identical", len(got), len(want))
	}
}

func TestResumeAcrossWritesWithSettling(t *testing.T) {
	content, want := sampleFile(300)
	path := filepath.Join(t.TempDir(), "out.txt")
	writeFile(t, path, "")
	now := time.Unix(1000, 0)
	settle := 2 * time.Second
	r := New(path, Options{ChunkSize: 16, SettleAfter: settle, Now: func() time.Time { return now }})

	rng := rand.New(rand.NewSource(23))
	var got []uint8
	poll := func() {
		t.Helper()
		batch, err := r.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, batch.Samples...)
	}
	for written := 0; written < len(content); {
		step := 1 + rng.Intn(9)
		end := min(written+step, len(content))
		appendFile(t, path, content[written:end])
		written = end
		now = now.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		poll()
		// Long idle gaps only fall on record boundaries, where nothing is pending.
		if content[end-1] == '\n' && rng.Intn(4) == 0 {
			now = now.Add(settle + time.Second)
			poll()
			poll()
		}
	}
	now = now.Add(settle + time.Second)
	got = append(got, drain(t, r)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("incremental tail produced %d samples, want %d identical", len(got), len(want))
	}
	if r.Position() != int64(len(content)) {
		t.Fatalf("position %d want %d", r.Position(), len(content))
	}
}

func TestParseSample(t *testing.T) {
	cases := []struct {
		in   string
		want uint8
		ok   bool
	}{
		{"0", 0, true},
		{"255", 255, true},
		{"256", 255, true},
		{"007", 7, true},
		{"", 0, false},
		{"+1", 0, false},
		{"1e3", 0, false},
		{"١٢", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseSample([]byte(tc.in))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseSample(%q) = %d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
