package cacheconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/cacheconfig"
)

func TestDefaultViewerIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, cacheconfig.DefaultViewer().Validate())
}

func TestDefaultServerIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, cacheconfig.DefaultServer().Validate())
}

func TestEngineCapacityBytesUsesPersistentSizeWhenEnabled(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.PersistentCache = true
	v.PersistentCacheSizeMB = 100

	assert.Equal(t, uint64(100*1<<20), v.EngineCapacityBytes())
}

func TestEngineCapacityBytesUsesContentSizeWhenPersistentDisabled(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.PersistentCache = false
	v.ContentCacheSizeMB = 50

	assert.Equal(t, uint64(50*1<<20), v.EngineCapacityBytes())
}

func TestDiskCapacityBytesDefaultsToDoubleMemory(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.PersistentCache = true
	v.PersistentCacheSizeMB = 10
	v.PersistentCacheDiskMB = 0

	assert.Equal(t, uint64(20*1<<20), v.DiskCapacityBytes())
}

func TestDiskEnabledRespectsNegativeOneSentinel(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.PersistentCache = true
	v.PersistentCacheDiskMB = -1

	assert.False(t, v.DiskEnabled())
}

func TestValidateRejectsNegativeSizes(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.ContentCacheSizeMB = -1

	assert.ErrorIs(t, v.Validate(), cacheconfig.ErrInvalidSize)
}

func TestValidateRejectsZeroShardSize(t *testing.T) {
	t.Parallel()

	v := cacheconfig.DefaultViewer()
	v.PersistentCacheShardMB = 0

	assert.ErrorIs(t, v.Validate(), cacheconfig.ErrInvalidSize)
}
