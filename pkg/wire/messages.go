package wire

import "github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"

// CachedRectMsg is the body of a CachedRect rectangle encoding: a bare
// reference by 64-bit content id.
type CachedRectMsg struct {
	ContentID uint64
}

// CachedRectInitMsg carries a full payload to populate a session cache
// entry, keyed by 64-bit content id.
type CachedRectInitMsg struct {
	ContentID     uint64
	InnerEncoding int32
	Payload       []byte
}

// PersistentCachedRectMsg is the persistent-cache analogue of
// CachedRectMsg, keyed by the full 16-byte CacheKey.
type PersistentCachedRectMsg struct {
	Key cachekey.Key
}

// PersistentCachedRectInitMsg is the persistent-cache analogue of
// CachedRectInitMsg.
type PersistentCachedRectInitMsg struct {
	Key           cachekey.Key
	InnerEncoding int32
	Payload       []byte
}

// CachedRectSeedMsg tells the receiver to snapshot the pixels it just
// produced for the current rectangle under Key.
type CachedRectSeedMsg struct {
	Key cachekey.Key
}

// RequestCachedDataMsg asks the server to resend the payload for a
// session-cache content id the viewer does not have.
type RequestCachedDataMsg struct {
	ContentID uint64
}

// CacheEvictionMsg reports session-cache content ids the viewer has
// evicted.
type CacheEvictionMsg struct {
	ContentIDs []uint64
}

// PersistentCacheEvictionMsg reports persistent-cache CacheKeys the
// viewer has evicted.
type PersistentCacheEvictionMsg struct {
	Keys []cachekey.Key
}

// PersistentCacheQueryMsg asks the server to re-send an init for each
// listed CacheKey, which the viewer could not find in cache.
type PersistentCacheQueryMsg struct {
	Keys []cachekey.Key
}

// PersistentHashListMsg is a bulk advertisement of content ids the
// client already holds, sent in chunks after reconnecting.
type PersistentHashListMsg struct {
	SequenceID  uint32
	TotalChunks uint16
	ChunkIndex  uint16
	ContentIDs  []uint64
}

// PersistentCacheHashReportMsg informs the server that pixels decoded
// under a lossy encoding hashed to Actual rather than the server's
// Canonical, so the server can serve future references to Canonical
// directly.
type PersistentCacheHashReportMsg struct {
	Canonical cachekey.Key
	Actual    cachekey.Key
}
