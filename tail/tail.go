// Package tail reads newly appended sample lines from a file that another
// process is still writing. The reader remembers a byte cursor between polls
// and never consumes a line the producer has not finished writing.
package tail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

const (
	DefaultChunkSize      = 8 * 1024
	DefaultMaxRecordBytes = 1024
	DefaultSettleAfter    = 2 * time.Second
)

var (
	// ErrSourceMissing means the source file does not exist yet. Callers treat
	// it as "waiting" and retry on the next poll.
	ErrSourceMissing = errors.New("tail: source file does not exist")
	// ErrSourceTruncated means the file is now shorter than the cursor, which
	// happens when the producer restarts and rewrites it.
	ErrSourceTruncated = errors.New("tail: source file shrank below read position")
)

// Options tunes the reader. Zero values select the defaults; a negative
// SettleAfter disables accepting an unterminated final line.
type Options struct {
	ChunkSize      int
	MaxRecordBytes int
	SettleAfter    time.Duration
	Now            func() time.Time
}

// Batch is the outcome of one poll.
type Batch struct {
	Samples   []uint8 // accepted samples in file order, clamped to 0..255
	Malformed int     // non-empty records that failed digit validation
	Consumed  int64   // bytes the cursor advanced by
	Pending   int     // bytes of an unterminated trailing record left unread
}

// Reader tails one file. It is not safe for concurrent use; the ingest loop
// owns it.
type Reader struct {
	path      string
	chunkSize int
	maxRecord int
	settle    time.Duration
	now       func() time.Time

	pos        int64
	discarding bool
	buf        []byte

	// The settle clock belongs to one fragment, identified by its start
	// offset and size.
	pendingOffset int64
	pendingSize   int
	pendingSince  time.Time
}

// Purpose: Construct a tail reader for path.
// Key aspects: Does not open the file; a missing file is expected at startup.
// Upstream: main wiring, ingest tests.
// Downstream: None.
func New(path string, opts Options) *Reader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxRecordBytes <= 0 {
		opts.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if opts.SettleAfter == 0 {
		opts.SettleAfter = DefaultSettleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reader{
		path:      path,
		chunkSize: opts.ChunkSize,
		maxRecord: opts.MaxRecordBytes,
		settle:    opts.SettleAfter,
		now:       opts.Now,
	}
}

// Path returns the tailed file path.
func (r *Reader) Path() string { return r.path }

// Position returns the absolute byte offset already consumed.
func (r *Reader) Position() int64 { return r.pos }

// Reset rewinds the cursor to the start of the file.
func (r *Reader) Reset() {
	r.pos = 0
	r.discarding = false
	r.pendingOffset = 0
	r.pendingSize = 0
	r.pendingSince = time.Time{}
}

// Purpose: Read the records appended since the previous poll.
// Key aspects: Reopens the file each call; never advances past an unterminated
// record; on any error the cursor is left unchanged.
// Upstream: ingest.Loop poll tick.
// Downstream: os.Open, File.ReadAt, parseRecords.
func (r *Reader) Poll() (Batch, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Batch{}, ErrSourceMissing
		}
		return Batch{}, fmt.Errorf("tail: open %s: %w", r.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Batch{}, fmt.Errorf("tail: stat %s: %w", r.path, err)
	}
	if info.Size() < r.pos {
		return Batch{}, fmt.Errorf("%w (size=%d position=%d)", ErrSourceTruncated, info.Size(), r.pos)
	}

	data, err := r.readFrom(f)
	if err != nil {
		return Batch{}, err
	}
	if len(data) == 0 {
		r.pendingSize = 0
		return Batch{}, nil
	}

	var batch Batch
	last := bytes.LastIndexByte(data, '\n')
	complete := data[:last+1]
	fragment := data[last+1:]

	if r.discarding {
		complete, fragment = r.skipOversized(&batch, complete, fragment)
	}

	if len(complete) > 0 {
		r.parseRecords(&batch, complete)
		batch.Consumed += int64(len(complete))
	}

	if len(fragment) > 0 {
		start := r.pos + batch.Consumed
		switch {
		case len(fragment) >= r.maxRecord:
			// A record this long is never a sample; skip it through its newline.
			batch.Malformed++
			batch.Consumed += int64(len(fragment))
			r.discarding = true
			r.pendingSize = 0
		case r.settled(start, len(fragment)):
			r.parseRecords(&batch, fragment)
			batch.Consumed += int64(len(fragment))
			r.pendingSize = 0
		default:
			batch.Pending = len(fragment)
		}
	} else {
		r.pendingSize = 0
	}

	r.pos += batch.Consumed
	return batch, nil
}

// readFrom reads one chunk at the cursor. A full chunk without a newline is
// extended chunk by chunk until a newline, EOF, or the record size cap.
func (r *Reader) readFrom(f *os.File) ([]byte, error) {
	limit := max(r.chunkSize, r.maxRecord+r.chunkSize)
	if cap(r.buf) < limit {
		r.buf = make([]byte, 0, limit)
	}
	data := r.buf[:0]
	offset := r.pos
	for {
		want := r.chunkSize
		if len(data) > 0 {
			want = min(r.chunkSize, limit-len(data))
		}
		if want <= 0 {
			return data, nil
		}
		chunk := data[len(data) : len(data)+want]
		n, err := f.ReadAt(chunk, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("tail: read %s at %d: %w", r.path, offset, err)
		}
		data = data[:len(data)+n]
		offset += int64(n)
		if n < want || bytes.IndexByte(chunk[:n], '\n') >= 0 || len(data) >= r.maxRecord {
			return data, nil
		}
	}
}

// skipOversized drops the tail end of a record already flagged as oversized.
func (r *Reader) skipOversized(batch *Batch, complete, fragment []byte) ([]byte, []byte) {
	idx := bytes.IndexByte(complete, '\n')
	if idx < 0 {
		batch.Consumed += int64(len(fragment))
		return nil, nil
	}
	r.discarding = false
	batch.Consumed += int64(idx + 1)
	return complete[idx+1:], fragment
}

// settled reports whether an unterminated fragment has sat unchanged at EOF
// long enough to be treated as the producer's final line. A fragment that
// starts at a new offset or has a new size restarts the clock.
func (r *Reader) settled(offset int64, size int) bool {
	if r.settle < 0 {
		return false
	}
	now := r.now()
	if offset != r.pendingOffset || size != r.pendingSize {
		r.pendingOffset = offset
		r.pendingSize = size
		r.pendingSince = now
		return false
	}
	return now.Sub(r.pendingSince) >= r.settle
}

func (r *Reader) parseRecords(batch *Batch, data []byte) {
	for len(data) > 0 {
		line := data
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line = data[:idx]
			data = data[idx+1:]
		} else {
			data = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		v, ok := ParseSample(line)
		if !ok {
			batch.Malformed++
			continue
		}
		batch.Samples = append(batch.Samples, v)
	}
}

// ParseSample accepts a record made only of ASCII decimal digits and clamps
// its value into 0..255.
func ParseSample(record []byte) (uint8, bool) {
	if len(record) == 0 {
		return 0, false
	}
	value := 0
	for _, c := range record {
		if c < '0' || c > '9' {
			return 0, false
		}
		if value <= 255 {
			value = value*10 + int(c-'0')
		}
	}
	return uint8(min(value, 255)), true
}
