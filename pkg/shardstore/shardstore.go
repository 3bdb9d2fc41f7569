// Package shardstore implements the shard store (C3): append-only,
// size-bounded on-disk payload shards under a configured cache
// directory.
package shardstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	recordMagic   uint32 = 0x52565348 // "RVSH"
	recordVersion uint16 = 1

	// headerSize is the fixed size in bytes of a shard record header,
	// preceding the payload bytes.
	headerSize = 4 + 2 + 2 + 4 + cachekey.Size + cachekey.Size + 4

	otelPackageName = "github.com/nickcrabtree/tigervnc-sub004/pkg/shardstore"
)

// RecordFlag bits carried in a shard record header.
type RecordFlag uint16

const (
	// FlagLossy marks a record whose actualHash differs from its
	// canonicalHash.
	FlagLossy RecordFlag = 1 << 0
)

var (
	// ErrNotFound is returned when a shard or record cannot be located.
	ErrNotFound = errors.New("shardstore: not found")

	// ErrCorruptRecord is returned when a record's header fails its
	// magic check or its length disagrees with the locator; the caller
	// must treat this as a miss, not a fatal error (spec §7).
	ErrCorruptRecord = errors.New("shardstore: corrupt record header")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Locator identifies a payload record's position within the shard set.
type Locator struct {
	ShardID uint16
	Offset  uint64
	Length  uint32
}

// Record is a payload to append: the two identities it is reachable
// under, its flags and the raw canonical pixel bytes.
type Record struct {
	ActualHash    cachekey.Key
	CanonicalHash cachekey.Key
	Flags         RecordFlag
	Payload       []byte
}

// Store manages a directory of append-only shard_XXXX.dat files. Writes
// are serialised through a single internal mutex, modelling the "single
// writer agent" of spec §5.
type Store struct {
	dir           string
	maxShardBytes uint64

	mu          sync.Mutex
	currentID   uint16
	currentFile *os.File
	currentSize uint64

	logger zerolog.Logger
}

// New opens (or creates) a shard store rooted at dir. maxShardBytes
// bounds the size of any single shard file before rollover (spec §4.3,
// config PersistentCacheShardSize).
func New(dir string, maxShardBytes uint64, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("shardstore: creating directory %q: %w", dir, err)
	}

	return &Store{
		dir:           dir,
		maxShardBytes: maxShardBytes,
		currentID:     0,
		logger:        logger,
	}, nil
}

func (s *Store) shardPath(id uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf("shard_%04x.dat", id))
}

// Append writes rec to the current write shard, rolling over to a new
// shard if it would exceed maxShardBytes, and returns its locator
// (spec §4.3 "append").
func (s *Store) Append(ctx context.Context, rec Record) (Locator, error) {
	_, span := tracer.Start(
		ctx,
		"shardstore.Append",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("payload_bytes", len(rec.Payload))),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	recordLen := uint64(headerSize + len(rec.Payload))

	if s.currentFile != nil && s.currentSize+recordLen > s.maxShardBytes {
		if err := s.rollover(); err != nil {
			return Locator{}, err
		}
	}

	if s.currentFile == nil {
		if err := s.openForWrite(s.currentID); err != nil {
			return Locator{}, err
		}
	}

	offset := s.currentSize

	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], recordMagic)
	binary.BigEndian.PutUint16(buf[4:6], recordVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(rec.Flags))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(rec.Payload)))
	copy(buf[12:12+cachekey.Size], rec.ActualHash[:])
	copy(buf[12+cachekey.Size:12+2*cachekey.Size], rec.CanonicalHash[:])
	// remaining 4 bytes reserved, left zero.

	if _, err := s.currentFile.Write(buf); err != nil {
		return Locator{}, fmt.Errorf("shardstore: writing header: %w", err)
	}

	if _, err := s.currentFile.Write(rec.Payload); err != nil {
		return Locator{}, fmt.Errorf("shardstore: writing payload: %w", err)
	}

	s.currentSize += recordLen

	return Locator{ShardID: s.currentID, Offset: offset, Length: uint32(len(rec.Payload))}, nil
}

func (s *Store) rollover() error {
	if err := s.currentFile.Sync(); err != nil {
		s.logger.Warn().Err(err).Msg("error syncing shard before rollover")
	}

	if err := s.currentFile.Close(); err != nil {
		return fmt.Errorf("shardstore: closing shard %d: %w", s.currentID, err)
	}

	s.currentFile = nil
	s.currentID++
	s.currentSize = 0

	return s.openForWrite(s.currentID)
}

func (s *Store) openForWrite(id uint16) error {
	f, err := os.OpenFile(s.shardPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("shardstore: opening shard %d for write: %w", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return fmt.Errorf("shardstore: stat shard %d: %w", id, err)
	}

	s.currentFile = f
	s.currentSize = uint64(info.Size())

	return nil
}

// Read returns the payload bytes for loc. A missing shard file or a
// payload cut short by end of file yields ErrNotFound, a bad header
// ErrCorruptRecord, and any other I/O error is returned wrapped; none of
// them is fatal, and callers treat every error as a miss (spec §7).
func (s *Store) Read(ctx context.Context, loc Locator) ([]byte, error) {
	_, span := tracer.Start(
		ctx,
		"shardstore.Read",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("shard_id", int64(loc.ShardID)),
			attribute.Int64("offset", int64(loc.Offset)),
		),
	)
	defer span.End()

	f, err := os.Open(s.shardPath(loc.ShardID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("shardstore: opening shard %d: %w", loc.ShardID, err)
	}

	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, int64(loc.Offset)); err != nil {
		return nil, fmt.Errorf("shardstore: reading header at shard %d offset %d: %w", loc.ShardID, loc.Offset, err)
	}

	if binary.BigEndian.Uint32(header[0:4]) != recordMagic {
		return nil, ErrCorruptRecord
	}

	length := binary.BigEndian.Uint32(header[8:12])
	if length != loc.Length {
		return nil, fmt.Errorf("%w: length mismatch, index says %d, record says %d", ErrCorruptRecord, loc.Length, length)
	}

	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, int64(loc.Offset)+int64(headerSize)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("shardstore: reading payload: %w", err)
	}

	return payload, nil
}

// DeleteShard removes a shard file entirely. It refuses to delete the
// active write shard.
func (s *Store) DeleteShard(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.currentID && s.currentFile != nil {
		return fmt.Errorf("shardstore: refusing to delete the active write shard %d", id)
	}

	if err := os.Remove(s.shardPath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("shardstore: deleting shard %d: %w", id, err)
	}

	return nil
}

// GC deletes any shard_*.dat file in the store directory whose id is not
// present in liveShardIDs (spec §4.3 "GC", property P10), except the
// active write shard, which is always kept. A shard that
// fails to remove does not stop the pass over the rest; every failure is
// joined into the returned error so one wedged file never masks
// reclaimable space elsewhere.
func (s *Store) GC(liveShardIDs map[uint16]struct{}) ([]uint16, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("shardstore: reading directory: %w", err)
	}

	var (
		removed []uint16
		errs    error
	)

	for _, ent := range entries {
		var id uint16
		if _, err := fmt.Sscanf(ent.Name(), "shard_%04x.dat", &id); err != nil {
			continue
		}

		if _, live := liveShardIDs[id]; live {
			continue
		}

		s.mu.Lock()
		isActive := id == s.currentID && s.currentFile != nil
		s.mu.Unlock()

		if isActive {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, fmt.Errorf("shardstore: gc removing shard %d: %w", id, err))

			continue
		}

		removed = append(removed, id)
	}

	return removed, errs
}

// Close flushes and closes the active write shard.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}

	err := s.currentFile.Close()
	s.currentFile = nil

	return err
}
