package wire

import "github.com/nickcrabtree/tigervnc-sub004/pkg/cachekey"

// This file implements the wire-format read/write side of every cache
// message in spec §6.2. Every integer is big-endian, per the spec.

// --- Rectangle-body encodings -----------------------------------------

func WriteCachedRect(w Writer, m CachedRectMsg) error {
	return w.WriteU64(m.ContentID)
}

func ReadCachedRect(r Reader) (CachedRectMsg, error) {
	if !r.HasData(8) {
		return CachedRectMsg{}, wrapProto("CachedRect: short read")
	}

	id, err := r.ReadU64()

	return CachedRectMsg{ContentID: id}, err
}

func WriteCachedRectInit(w Writer, m CachedRectInitMsg) error {
	if err := w.WriteU64(m.ContentID); err != nil {
		return err
	}

	if err := w.WriteU32(uint32(int32ToUint(m.InnerEncoding))); err != nil {
		return err
	}

	return w.WriteBytes(m.Payload)
}

func ReadCachedRectInit(r Reader, payloadLen int) (CachedRectInitMsg, error) {
	if !r.HasData(8 + 4) {
		return CachedRectInitMsg{}, wrapProto("CachedRectInit: short header")
	}

	id, err := r.ReadU64()
	if err != nil {
		return CachedRectInitMsg{}, err
	}

	enc, err := r.ReadU32()
	if err != nil {
		return CachedRectInitMsg{}, err
	}

	payload, err := readPayload(r, payloadLen)
	if err != nil {
		return CachedRectInitMsg{}, err
	}

	return CachedRectInitMsg{ContentID: id, InnerEncoding: uint32ToInt32(enc), Payload: payload}, nil
}

func WritePersistentCachedRect(w Writer, m PersistentCachedRectMsg) error {
	return writeKey(w, m.Key)
}

func ReadPersistentCachedRect(r Reader) (PersistentCachedRectMsg, error) {
	if !r.HasData(cachekey.Size) {
		return PersistentCachedRectMsg{}, wrapProto("PersistentCachedRect: short read")
	}

	k, err := readKey(r)

	return PersistentCachedRectMsg{Key: k}, err
}

func WritePersistentCachedRectInit(w Writer, m PersistentCachedRectInitMsg) error {
	if err := writeKey(w, m.Key); err != nil {
		return err
	}

	if err := w.WriteU32(uint32(int32ToUint(m.InnerEncoding))); err != nil {
		return err
	}

	return w.WriteBytes(m.Payload)
}

func ReadPersistentCachedRectInit(r Reader, payloadLen int) (PersistentCachedRectInitMsg, error) {
	if !r.HasData(cachekey.Size + 4) {
		return PersistentCachedRectInitMsg{}, wrapProto("PersistentCachedRectInit: short header")
	}

	k, err := readKey(r)
	if err != nil {
		return PersistentCachedRectInitMsg{}, err
	}

	enc, err := r.ReadU32()
	if err != nil {
		return PersistentCachedRectInitMsg{}, err
	}

	payload, err := readPayload(r, payloadLen)
	if err != nil {
		return PersistentCachedRectInitMsg{}, err
	}

	return PersistentCachedRectInitMsg{Key: k, InnerEncoding: uint32ToInt32(enc), Payload: payload}, nil
}

func WriteCachedRectSeed(w Writer, m CachedRectSeedMsg) error {
	return writeKey(w, m.Key)
}

func ReadCachedRectSeed(r Reader) (CachedRectSeedMsg, error) {
	if !r.HasData(cachekey.Size) {
		return CachedRectSeedMsg{}, wrapProto("CachedRectSeed: short read")
	}

	k, err := readKey(r)

	return CachedRectSeedMsg{Key: k}, err
}

// --- Top-level messages -------------------------------------------------

func WriteRequestCachedData(w Writer, m RequestCachedDataMsg) error {
	return w.WriteU64(m.ContentID)
}

func ReadRequestCachedData(r Reader) (RequestCachedDataMsg, error) {
	if !r.HasData(8) {
		return RequestCachedDataMsg{}, wrapProto("RequestCachedData: short read")
	}

	id, err := r.ReadU64()

	return RequestCachedDataMsg{ContentID: id}, err
}

func WriteCacheEviction(w Writer, m CacheEvictionMsg) error {
	if len(m.ContentIDs) > MaxCount {
		return wrapProto("CacheEviction: count %d exceeds MaxCount", len(m.ContentIDs))
	}

	if err := w.WriteU8(0); err != nil { // pad
		return err
	}

	if err := w.WriteU16(uint16(len(m.ContentIDs))); err != nil {
		return err
	}

	for _, id := range m.ContentIDs {
		if err := w.WriteU64(id); err != nil {
			return err
		}
	}

	return nil
}

func ReadCacheEviction(r Reader) (CacheEvictionMsg, error) {
	if !r.HasData(1 + 2) {
		return CacheEvictionMsg{}, wrapProto("CacheEviction: short header")
	}

	if _, err := r.ReadU8(); err != nil {
		return CacheEvictionMsg{}, err
	}

	count, err := r.ReadU16()
	if err != nil {
		return CacheEvictionMsg{}, err
	}

	ids := make([]uint64, 0, count)

	for range int(count) {
		if !r.HasData(8) {
			return CacheEvictionMsg{}, wrapProto("CacheEviction: short body")
		}

		id, err := r.ReadU64()
		if err != nil {
			return CacheEvictionMsg{}, err
		}

		ids = append(ids, id)
	}

	return CacheEvictionMsg{ContentIDs: ids}, nil
}

func WritePersistentCacheEviction(w Writer, m PersistentCacheEvictionMsg) error {
	if len(m.Keys) > MaxCount {
		return wrapProto("PersistentCacheEviction: count %d exceeds MaxCount", len(m.Keys))
	}

	if err := w.WriteU8(0); err != nil {
		return err
	}

	if err := w.WriteU16(uint16(len(m.Keys))); err != nil {
		return err
	}

	for _, k := range m.Keys {
		if err := writeKey(w, k); err != nil {
			return err
		}
	}

	return nil
}

func ReadPersistentCacheEviction(r Reader) (PersistentCacheEvictionMsg, error) {
	keys, err := readKeyList(r, "PersistentCacheEviction")

	return PersistentCacheEvictionMsg{Keys: keys}, err
}

func WritePersistentCacheQuery(w Writer, m PersistentCacheQueryMsg) error {
	if len(m.Keys) > MaxCount {
		return wrapProto("PersistentCacheQuery: count %d exceeds MaxCount", len(m.Keys))
	}

	if err := w.WriteU8(0); err != nil {
		return err
	}

	if err := w.WriteU16(uint16(len(m.Keys))); err != nil {
		return err
	}

	for _, k := range m.Keys {
		if err := writeKey(w, k); err != nil {
			return err
		}
	}

	return nil
}

func ReadPersistentCacheQuery(r Reader) (PersistentCacheQueryMsg, error) {
	keys, err := readKeyList(r, "PersistentCacheQuery")

	return PersistentCacheQueryMsg{Keys: keys}, err
}

func readKeyList(r Reader, name string) ([]cachekey.Key, error) {
	if !r.HasData(1 + 2) {
		return nil, wrapProto("%s: short header", name)
	}

	if _, err := r.ReadU8(); err != nil {
		return nil, err
	}

	count, err := r.ReadU16()
	if err != nil {
		return nil, err
	}

	keys := make([]cachekey.Key, 0, count)

	for range int(count) {
		if !r.HasData(cachekey.Size) {
			return nil, wrapProto("%s: short body", name)
		}

		k, err := readKey(r)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, nil
}

func WritePersistentHashList(w Writer, m PersistentHashListMsg) error {
	if len(m.ContentIDs) > MaxCount {
		return wrapProto("PersistentHashList: count %d exceeds MaxCount", len(m.ContentIDs))
	}

	if err := w.WriteU32(m.SequenceID); err != nil {
		return err
	}

	if err := w.WriteU16(m.TotalChunks); err != nil {
		return err
	}

	if err := w.WriteU16(m.ChunkIndex); err != nil {
		return err
	}

	if err := w.WriteU16(uint16(len(m.ContentIDs))); err != nil {
		return err
	}

	for _, id := range m.ContentIDs {
		if err := w.WriteU64(id); err != nil {
			return err
		}
	}

	return nil
}

func ReadPersistentHashList(r Reader) (PersistentHashListMsg, error) {
	if !r.HasData(4 + 2 + 2 + 2) {
		return PersistentHashListMsg{}, wrapProto("PersistentHashList: short header")
	}

	seq, err := r.ReadU32()
	if err != nil {
		return PersistentHashListMsg{}, err
	}

	total, err := r.ReadU16()
	if err != nil {
		return PersistentHashListMsg{}, err
	}

	idx, err := r.ReadU16()
	if err != nil {
		return PersistentHashListMsg{}, err
	}

	count, err := r.ReadU16()
	if err != nil {
		return PersistentHashListMsg{}, err
	}

	ids := make([]uint64, 0, count)

	for range int(count) {
		if !r.HasData(8) {
			return PersistentHashListMsg{}, wrapProto("PersistentHashList: short body")
		}

		id, err := r.ReadU64()
		if err != nil {
			return PersistentHashListMsg{}, err
		}

		ids = append(ids, id)
	}

	return PersistentHashListMsg{SequenceID: seq, TotalChunks: total, ChunkIndex: idx, ContentIDs: ids}, nil
}

func WritePersistentCacheHashReport(w Writer, m PersistentCacheHashReportMsg) error {
	if err := writeKey(w, m.Canonical); err != nil {
		return err
	}

	return writeKey(w, m.Actual)
}

func ReadPersistentCacheHashReport(r Reader) (PersistentCacheHashReportMsg, error) {
	if !r.HasData(2 * cachekey.Size) {
		return PersistentCacheHashReportMsg{}, wrapProto("PersistentCacheHashReport: short read")
	}

	canonical, err := readKey(r)
	if err != nil {
		return PersistentCacheHashReportMsg{}, err
	}

	actual, err := readKey(r)
	if err != nil {
		return PersistentCacheHashReportMsg{}, err
	}

	return PersistentCacheHashReportMsg{Canonical: canonical, Actual: actual}, nil
}

// --- helpers --------------------------------------------------------

func readPayload(r Reader, n int) ([]byte, error) {
	if n < 0 || n > MaxBatchBytes*16 {
		return nil, wrapProto("payload length %d out of range", n)
	}

	if !r.HasData(n) {
		return nil, wrapProto("short payload: want %d bytes", n)
	}

	return r.ReadBytes(n)
}

func int32ToUint(v int32) uint32  { return uint32(v) }
func uint32ToInt32(v uint32) int32 { return int32(v) }
