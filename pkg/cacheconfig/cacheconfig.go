// Package cacheconfig holds the typed configuration surface for the
// viewer and server cache components (spec §6.4). It is a plain data
// layer: CLI/file/env wiring lives in cmd/rfbcachectl, the way the
// teacher splits pkg/config from cmd/cmd.go.
package cacheconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const bytesPerMB = 1 << 20

// ErrInvalidSize is returned when a size parameter is negative and not
// one of the documented sentinel values.
var ErrInvalidSize = errors.New("cacheconfig: invalid size")

// Viewer is the viewer-side configuration (spec §6.4, viewer rows).
type Viewer struct {
	ContentCache    bool
	PersistentCache bool

	ContentCacheSizeMB     int
	PersistentCacheSizeMB  int
	PersistentCacheDiskMB  int // 0 means 2x memory, -1 disables disk
	PersistentCacheShardMB int
	PersistentCachePath    string
}

// DefaultViewer returns the documented defaults (spec §6.4).
func DefaultViewer() Viewer {
	return Viewer{
		ContentCache:           true,
		PersistentCache:        true,
		ContentCacheSizeMB:     2048,
		PersistentCacheSizeMB:  2048,
		PersistentCacheDiskMB:  0,
		PersistentCacheShardMB: 64,
		PersistentCachePath:    defaultCachePath(),
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}

	return filepath.Join(dir, "tigervnc", "persistentcache")
}

// Validate checks the invariants implied by spec §6.4's parameter table.
func (v Viewer) Validate() error {
	if v.ContentCacheSizeMB < 0 {
		return fmt.Errorf("%w: ContentCacheSize must be >= 0", ErrInvalidSize)
	}

	if v.PersistentCacheSizeMB < 0 {
		return fmt.Errorf("%w: PersistentCacheSize must be >= 0", ErrInvalidSize)
	}

	if v.PersistentCacheDiskMB < -1 {
		return fmt.Errorf("%w: PersistentCacheDiskSize must be >= -1", ErrInvalidSize)
	}

	if v.PersistentCacheShardMB <= 0 {
		return fmt.Errorf("%w: PersistentCacheShardSize must be > 0", ErrInvalidSize)
	}

	return nil
}

// EngineCapacityBytes returns the byte capacity to hand the ARC engine,
// given whether PersistentCache is active (spec §6.4 "Memory cap when
// PersistentCache is off" vs "for unified cache").
func (v Viewer) EngineCapacityBytes() uint64 {
	if v.PersistentCache {
		return uint64(v.PersistentCacheSizeMB) * bytesPerMB
	}

	return uint64(v.ContentCacheSizeMB) * bytesPerMB
}

// DiskEnabled reports whether disk persistence is active at all.
func (v Viewer) DiskEnabled() bool {
	return v.PersistentCache && v.PersistentCacheDiskMB != -1
}

// DiskCapacityBytes resolves the disk cap, expanding the "0 means 2x
// memory" sentinel (spec §6.4).
func (v Viewer) DiskCapacityBytes() uint64 {
	if v.PersistentCacheDiskMB == 0 {
		return 2 * v.EngineCapacityBytes()
	}

	return uint64(v.PersistentCacheDiskMB) * bytesPerMB
}

// ShardMaxBytes returns the configured per-shard byte limit.
func (v Viewer) ShardMaxBytes() uint64 {
	return uint64(v.PersistentCacheShardMB) * bytesPerMB
}

// Server is the server-side configuration (spec §6.4, server rows).
type Server struct {
	EnableContentCache      bool
	EnablePersistentCache   bool
	ContentCacheMinRectSize int // pixels
	ContentCacheMaxAgeSec   int // 0 = unlimited
}

// DefaultServer returns the documented defaults (spec §6.4).
func DefaultServer() Server {
	return Server{
		EnableContentCache:      true,
		EnablePersistentCache:   true,
		ContentCacheMinRectSize: 4096,
		ContentCacheMaxAgeSec:   0,
	}
}

// Validate checks the invariants implied by spec §6.4's parameter table.
func (s Server) Validate() error {
	if s.ContentCacheMinRectSize < 0 {
		return fmt.Errorf("%w: ContentCacheMinRectSize must be >= 0", ErrInvalidSize)
	}

	if s.ContentCacheMaxAgeSec < 0 {
		return fmt.Errorf("%w: ContentCacheMaxAge must be >= 0", ErrInvalidSize)
	}

	return nil
}
