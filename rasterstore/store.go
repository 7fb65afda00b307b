// Package rasterstore archives the raw cells behind every saved image in a
// Pebble database, keyed by content digest, so a raster can be re-rendered
// with a different palette long after its source file has changed.
package rasterstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rastertail/palette"
	"rastertail/persist"
	"rastertail/raster"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/zeebo/xxh3"
)

const (
	rasterPrefix  = "r|"
	createdPrefix = "t|"
	metaCountKey  = "meta|count"

	valueVersion    = byte(1)
	valueHeaderSize = 1 + 1 + 4 + 4 + 4 + 8 + 2
)

const (
	defaultCacheSizeBytes    = int64(16 << 20)
	defaultBloomFilterBits   = 10
	defaultMemTableSizeBytes = uint64(8 << 20)
)

var (
	// ErrNotFound is returned when no raster is stored under a digest.
	ErrNotFound = errors.New("rasterstore: raster not found")
	// ErrCorrupt is returned when stored cells no longer match their digest.
	ErrCorrupt = errors.New("rasterstore: stored raster failed digest check")

	errStoreClosed   = errors.New("rasterstore: store is closed")
	errInvalidRecord = errors.New("rasterstore: invalid record encoding")
	errInvalidCount  = errors.New("rasterstore: invalid count metadata")
)

// Options tunes the Pebble instance. Zero values select defaults.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
}

// Snapshot is one archived raster.
type Snapshot struct {
	Digest    uint64
	Palette   palette.Name
	Width     int
	Height    int
	Filled    int
	CreatedAt time.Time
	Source    string
	Cells     []uint8
}

// View wraps the archived cells for rendering.
func (s Snapshot) View() (raster.View, error) {
	return raster.NewView(s.Width, s.Height, s.Filled, s.Cells)
}

// Store is the Pebble-backed archive. It implements persist.Catalog.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache // owned cache for the DB; unref'd on Close

	mu     sync.Mutex // serializes writes so the count stays exact
	closed bool
	count  atomic.Int64
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	return opts
}

// Purpose: Open or create the archive directory.
// Key aspects: Shared block cache plus bloom filters on every level; the
// stored count is loaded once and then maintained by writers.
// Upstream: main wiring and cmd/rerender.
// Downstream: pebble.Open, loadCount.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rasterstore: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("rasterstore: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("rasterstore: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("rasterstore: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("rasterstore: open: %w", err)
	}
	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}
	s := &Store{db: db, cache: pebbleOpts.Cache}
	s.count.Store(count)
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Purpose: Archive the cells behind a persisted image.
// Key aspects: Idempotent per digest; the first write for a digest wins and
// the creation index gets one entry per distinct raster.
// Upstream: persist.Writer via the Catalog interface.
// Downstream: Pebble batch commit.
func (s *Store) Add(_ context.Context, rec persist.Record) error {
	if len(rec.Cells) == 0 {
		return nil
	}
	digest := rec.Digest
	if digest == 0 {
		digest = xxh3.Hash(rec.Cells)
	}
	snap := Snapshot{
		Digest:    digest,
		Palette:   rec.Palette,
		Width:     rec.Width,
		Height:    rec.Height,
		Filled:    rec.Filled,
		CreatedAt: rec.CreatedAt,
		Source:    rec.Source,
		Cells:     rec.Cells,
	}
	_, err := s.Put(snap)
	return err
}

// Put stores snap unless its digest is already present. It reports whether a
// new raster was written.
func (s *Store) Put(snap Snapshot) (bool, error) {
	if snap.Width <= 0 || snap.Height <= 0 || len(snap.Cells) > snap.Width*snap.Height {
		return false, fmt.Errorf("rasterstore: %d cells do not fit %dx%d", len(snap.Cells), snap.Width, snap.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed
	}
	key := rasterKeyBytes(snap.Digest)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return false, nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("rasterstore: probe %016x: %w", snap.Digest, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, encodeSnapshot(snap), nil); err != nil {
		return false, err
	}
	if err := batch.Set(createdKeyBytes(snap.CreatedAt.UnixNano(), snap.Digest), nil, nil); err != nil {
		return false, err
	}
	next := s.count.Load() + 1
	if err := batch.Set([]byte(metaCountKey), encodeCount(next), nil); err != nil {
		return false, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("rasterstore: commit %016x: %w", snap.Digest, err)
	}
	s.count.Store(next)
	return true, nil
}

// Purpose: Load an archived raster by digest.
// Key aspects: Copies out of Pebble-owned memory and re-hashes the cells.
// Upstream: cmd/rerender.
// Downstream: Pebble get, decodeSnapshot.
func (s *Store) Get(digest uint64) (Snapshot, error) {
	value, closer, err := s.db.Get(rasterKeyBytes(digest))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("rasterstore: get %016x: %w", digest, err)
	}
	defer closer.Close()
	snap, err := decodeSnapshot(value)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rasterstore: decode %016x: %w", digest, err)
	}
	snap.Digest = digest
	if xxh3.Hash(snap.Cells) != digest {
		return Snapshot{}, fmt.Errorf("%w: %016x", ErrCorrupt, digest)
	}
	return snap, nil
}

// Has reports whether a raster with digest is archived.
func (s *Store) Has(digest uint64) (bool, error) {
	_, closer, err := s.db.Get(rasterKeyBytes(digest))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// Count returns the number of archived rasters.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// Recent returns up to n digests, newest first by creation time.
func (s *Store) Recent(n int) ([]uint64, error) {
	if n <= 0 {
		return []uint64{}, nil
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(createdPrefix))
	if err != nil {
		return nil, fmt.Errorf("rasterstore: recent iterator: %w", err)
	}
	defer iter.Close()
	out := make([]uint64, 0, n)
	for iter.Last(); iter.Valid() && len(out) < n; iter.Prev() {
		_, digest, ok := parseCreatedKey(iter.Key())
		if !ok {
			continue
		}
		out = append(out, digest)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("rasterstore: iterate recent: %w", err)
	}
	return out, nil
}

func encodeSnapshot(s Snapshot) []byte {
	source := s.Source
	if len(source) > 0xFFFF {
		source = source[:0xFFFF]
	}
	buf := make([]byte, valueHeaderSize+len(source)+len(s.Cells))
	buf[0] = valueVersion
	buf[1] = byte(s.Palette)
	binary.BigEndian.PutUint32(buf[2:], uint32(s.Width))
	binary.BigEndian.PutUint32(buf[6:], uint32(s.Height))
	binary.BigEndian.PutUint32(buf[10:], uint32(s.Filled))
	binary.BigEndian.PutUint64(buf[14:], uint64(s.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint16(buf[22:], uint16(len(source)))
	offset := valueHeaderSize
	copy(buf[offset:], source)
	offset += len(source)
	copy(buf[offset:], s.Cells)
	return buf
}

func decodeSnapshot(raw []byte) (Snapshot, error) {
	if len(raw) < valueHeaderSize || raw[0] != valueVersion {
		return Snapshot{}, errInvalidRecord
	}
	s := Snapshot{
		Palette:   palette.Name(raw[1]),
		Width:     int(binary.BigEndian.Uint32(raw[2:])),
		Height:    int(binary.BigEndian.Uint32(raw[6:])),
		Filled:    int(binary.BigEndian.Uint32(raw[10:])),
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(raw[14:]))).UTC(),
	}
	sourceLen := int(binary.BigEndian.Uint16(raw[22:]))
	offset := valueHeaderSize
	if len(raw) < offset+sourceLen {
		return Snapshot{}, errInvalidRecord
	}
	s.Source = string(raw[offset : offset+sourceLen])
	offset += sourceLen
	cells := raw[offset:]
	if s.Width <= 0 || len(cells)%s.Width != 0 || len(cells) > s.Width*s.Height {
		return Snapshot{}, errInvalidRecord
	}
	s.Cells = append([]uint8(nil), cells...)
	return s, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("rasterstore: load count: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func rasterKeyBytes(digest uint64) []byte {
	key := make([]byte, len(rasterPrefix)+8)
	copy(key, rasterPrefix)
	binary.BigEndian.PutUint64(key[len(rasterPrefix):], digest)
	return key
}

func createdKeyBytes(createdAt int64, digest uint64) []byte {
	key := make([]byte, len(createdPrefix)+16)
	copy(key, createdPrefix)
	// Flip the sign bit so negative timestamps still sort before positive ones.
	binary.BigEndian.PutUint64(key[len(createdPrefix):], uint64(createdAt)^(1<<63))
	binary.BigEndian.PutUint64(key[len(createdPrefix)+8:], digest)
	return key
}

func parseCreatedKey(key []byte) (int64, uint64, bool) {
	if len(key) != len(createdPrefix)+16 || string(key[:len(createdPrefix)]) != createdPrefix {
		return 0, 0, false
	}
	created := int64(binary.BigEndian.Uint64(key[len(createdPrefix):]) ^ (1 << 63))
	digest := binary.BigEndian.Uint64(key[len(createdPrefix)+8:])
	return created, digest, true
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := prefixUpperBound(lower)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
