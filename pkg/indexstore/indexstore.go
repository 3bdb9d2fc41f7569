// Package indexstore implements the index store (C4): a single file,
// index.dat, holding a header and a packed sequence of fixed-size
// WireIndexEntry records describing every persisted cache payload.
package indexstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
)

const (
	indexFileName = "index.dat"

	magic          uint32 = 0x50435633 // "PCV3"
	currentVersion uint32 = 7

	headerSize = 4 + 4 + 4 + 8 + 8 + 2 + 6 // magic,version,count,createdAt,lastAccessAt,maxShardID,pad

	// EntrySize is the fixed wire size of a WireIndexEntry, an invariant
	// of the format (spec §8 P3).
	EntrySize = 66

	fileMode = 0o600
	dirMode  = 0o700
)

// EntryFlag bits carried in a WireIndexEntry.
type EntryFlag uint16

const (
	FlagLossy       EntryFlag = 1 << 0
	FlagPersistable EntryFlag = 1 << 1
)

// Entry mirrors the 66-byte WireIndexEntry record defined in spec §4.4.
type Entry struct {
	CacheKey           cachekey.Key // actualHash
	Flags              EntryFlag
	Width, Height      uint32
	BPP, Depth         uint16
	QualityCode        uint16
	ShardID            uint64
	Offset             uint64
	PixelFormatSummary uint8
	Reserved           uint8
	CanonicalHash      cachekey.Key
}

// ErrVersionMismatch signals a magic or version mismatch on load; the
// caller treats the index as empty and starts fresh (spec §4.4).
var ErrVersionMismatch = errors.New("indexstore: magic or version mismatch")

// Header is the metadata preceding the packed entries.
type Header struct {
	Version      uint32
	EntryCount   uint32
	CreatedAt    time.Time
	LastAccessAt time.Time
	MaxShardID   uint16
}

// Store manages the on-disk index.dat file.
type Store struct {
	dir    string
	logger zerolog.Logger

	entries map[cachekey.Key]Entry
	dirty   map[cachekey.Key]struct{}
	header  Header
}

// New returns a Store rooted at dir. Callers must call Load before
// relying on Entries().
func New(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:     dir,
		logger:  logger,
		entries: make(map[cachekey.Key]Entry),
		dirty:   make(map[cachekey.Key]struct{}),
	}
}

func (s *Store) path() string { return filepath.Join(s.dir, indexFileName) }

// Load reads index.dat. On a missing file it starts empty. On a magic or
// version mismatch, it renames the stale file to index.dat.bak (once)
// and starts empty, per spec §6.5 "fresh start".
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			s.header = Header{Version: currentVersion, CreatedAt: timeNow()}

			return nil, nil
		}

		return nil, fmt.Errorf("indexstore: reading %q: %w", s.path(), err)
	}

	entries, header, err := decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("index file failed validation, starting fresh")

		bak := s.path() + ".bak"
		if renameErr := os.Rename(s.path(), bak); renameErr != nil && !os.IsNotExist(renameErr) {
			s.logger.Warn().Err(renameErr).Msg("error renaming stale index to .bak")
		}

		s.header = Header{Version: currentVersion, CreatedAt: timeNow()}

		return nil, nil
	}

	s.header = header
	s.entries = make(map[cachekey.Key]Entry, len(entries))

	for _, e := range entries {
		s.entries[e.CacheKey] = e
	}

	return entries, nil
}

// MarkDirty records that key's entry has changed and needs to be
// reflected on the next Save/FlushDirty.
func (s *Store) MarkDirty(key cachekey.Key, e Entry) {
	s.entries[key] = e
	s.dirty[key] = struct{}{}
}

// MarkRemoved drops key from the index entirely.
func (s *Store) MarkRemoved(key cachekey.Key) {
	delete(s.entries, key)
	s.dirty[key] = struct{}{}
}

// FlushDirty persists the full entry set if there is any dirty key. The
// index is a flat file, so a "flush" always rewrites the whole file
// atomically; dirty-tracking exists to decide *when* that rewrite is
// worth doing, per spec §4.6 "periodically persist dirty index".
func (s *Store) FlushDirty() error {
	if len(s.dirty) == 0 {
		return nil
	}

	if err := s.Save(); err != nil {
		return err
	}

	s.dirty = make(map[cachekey.Key]struct{})

	return nil
}

// Save atomically persists the current entry set via write-to-tmp plus
// rename (spec §4.4 "Save is atomic").
func (s *Store) Save() error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("indexstore: creating directory: %w", err)
	}

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}

	s.header.EntryCount = uint32(len(entries))
	s.header.LastAccessAt = timeNow()

	if s.header.Version == 0 {
		s.header.Version = currentVersion
	}

	buf := encode(entries, s.header)

	tmp, err := os.CreateTemp(s.dir, "index.dat.tmp-*")
	if err != nil {
		return fmt.Errorf("indexstore: creating temp file: %w", err)
	}

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("indexstore: writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("indexstore: closing temp file: %w", err)
	}

	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("indexstore: chmod temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("indexstore: renaming into place: %w", err)
	}

	return nil
}

// Entries returns the current in-memory entry set.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}

	return out
}

// LiveShardIDs returns the set of shard ids referenced by the current
// entry set, used to drive shard-store GC (spec §4.3, §8 P10).
func (s *Store) LiveShardIDs() map[uint16]struct{} {
	live := make(map[uint16]struct{}, len(s.entries))
	for _, e := range s.entries {
		live[uint16(e.ShardID)] = struct{}{}
	}

	return live
}

func encode(entries []Entry, h Header) []byte {
	buf := make([]byte, headerSize+len(entries)*EntrySize)

	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(entries)))
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.CreatedAt.Unix()))
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.LastAccessAt.Unix()))
	binary.BigEndian.PutUint16(buf[28:30], h.MaxShardID)
	// buf[30:36] reserved, left zero.

	off := headerSize
	for _, e := range entries {
		encodeEntry(buf[off:off+EntrySize], e)
		off += EntrySize
	}

	return buf
}

func encodeEntry(b []byte, e Entry) {
	copy(b[0:16], e.CacheKey[:])
	binary.BigEndian.PutUint16(b[16:18], uint16(e.Flags))
	binary.BigEndian.PutUint32(b[18:22], e.Width)
	binary.BigEndian.PutUint32(b[22:26], e.Height)
	binary.BigEndian.PutUint16(b[26:28], e.BPP)
	binary.BigEndian.PutUint16(b[28:30], e.Depth)
	binary.BigEndian.PutUint16(b[30:32], e.QualityCode)
	binary.BigEndian.PutUint64(b[32:40], e.ShardID)
	binary.BigEndian.PutUint64(b[40:48], e.Offset)
	b[48] = e.PixelFormatSummary
	b[49] = e.Reserved
	copy(b[50:66], e.CanonicalHash[:])
}

func decode(data []byte) ([]Entry, Header, error) {
	if len(data) < headerSize {
		return nil, Header{}, ErrVersionMismatch
	}

	if binary.BigEndian.Uint32(data[0:4]) != magic {
		return nil, Header{}, ErrVersionMismatch
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version != currentVersion {
		return nil, Header{}, ErrVersionMismatch
	}

	count := binary.BigEndian.Uint32(data[8:12])

	h := Header{
		Version:      version,
		EntryCount:   count,
		CreatedAt:    time.Unix(int64(binary.BigEndian.Uint64(data[12:20])), 0).UTC(),
		LastAccessAt: time.Unix(int64(binary.BigEndian.Uint64(data[20:28])), 0).UTC(),
		MaxShardID:   binary.BigEndian.Uint16(data[28:30]),
	}

	want := headerSize + int(count)*EntrySize
	if len(data) != want {
		return nil, Header{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrVersionMismatch, want, len(data))
	}

	entries := make([]Entry, 0, count)

	off := headerSize
	for range int(count) {
		entries = append(entries, decodeEntry(data[off:off+EntrySize]))
		off += EntrySize
	}

	return entries, h, nil
}

func decodeEntry(b []byte) Entry {
	var e Entry

	copy(e.CacheKey[:], b[0:16])
	e.Flags = EntryFlag(binary.BigEndian.Uint16(b[16:18]))
	e.Width = binary.BigEndian.Uint32(b[18:22])
	e.Height = binary.BigEndian.Uint32(b[22:26])
	e.BPP = binary.BigEndian.Uint16(b[26:28])
	e.Depth = binary.BigEndian.Uint16(b[28:30])
	e.QualityCode = binary.BigEndian.Uint16(b[30:32])
	e.ShardID = binary.BigEndian.Uint64(b[32:40])
	e.Offset = binary.BigEndian.Uint64(b[40:48])
	e.PixelFormatSummary = b[48]
	e.Reserved = b[49]
	copy(e.CanonicalHash[:], b[50:66])

	return e
}

func timeNow() time.Time { return time.Now().UTC() }
