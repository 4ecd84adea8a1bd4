package store

import "encoding/binary"

// TTL flags.
const (
	// TTLLazyDelete evicts an expired row on read, if a write-txn is active.
	TTLLazyDelete = 1 << 0
)

const (
	ttlLookupTag = 0x00
	ttlIndexTag  = 0x01
)

// TTL wires a data DBI to a companion metadata DBI implementing the
// lookup/index record families of spec §4.F.
type TTL struct {
	data DBI
	meta DBI
}

func NewTTL(data, meta DBI) *TTL {
	return &TTL{data: data, meta: meta}
}

func ttlLookupKey(key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = ttlLookupTag
	copy(out[1:], key)
	return out
}

func ttlIndexKey(expiresAt int64, key []byte) []byte {
	out := make([]byte, 1+8+len(key))
	out[0] = ttlIndexTag
	binary.BigEndian.PutUint64(out[1:9], uint64(expiresAt))
	copy(out[9:], key)
	return out
}

// PutTTL writes the data row plus both metadata rows.
func (tt *TTL) PutTTL(t *Txn, key, val []byte, expiresAtMs int64) error {
	if len(key) > 0xFFFF-9 {
		return newErr("put_ttl", KindRange)
	}
	if err := t.Put(tt.data, key, val, 0); err != nil {
		return err
	}
	lookupVal := make([]byte, 8)
	binary.LittleEndian.PutUint64(lookupVal, uint64(expiresAtMs))
	if err := t.Put(tt.meta, ttlLookupKey(key), lookupVal, 0); err != nil {
		return err
	}
	return t.Put(tt.meta, ttlIndexKey(expiresAtMs, key), nil, 0)
}

// GetTTL returns NotFound if the row is missing or has expired as of
// now. With TTLLazyDelete set and an active write-txn, an expired row
// is evicted as a side effect.
func (tt *TTL) GetTTL(t *Txn, key []byte, nowMs int64, flags int) ([]byte, error) {
	lookupVal, err := t.Get(tt.meta, ttlLookupKey(key))
	if err != nil {
		return nil, newErr("get_ttl", KindNotFound)
	}
	expiresAt := int64(binary.LittleEndian.Uint64(lookupVal))
	if expiresAt <= nowMs {
		if flags&TTLLazyDelete != 0 && !t.readonly {
			_ = tt.evict(t, key, expiresAt)
		}
		return nil, newErr("get_ttl", KindNotFound)
	}
	return t.Get(tt.data, key)
}

func (tt *TTL) evict(t *Txn, key []byte, expiresAt int64) error {
	_ = t.Del(tt.data, key)
	_ = t.Del(tt.meta, ttlLookupKey(key))
	_ = t.Del(tt.meta, ttlIndexKey(expiresAt, key))
	return nil
}

// SweepCheckpoint resumes a bounded sweep across calls: it records the
// last index key fully scanned so the next batch skips ahead.
type SweepCheckpoint struct {
	lastIndexKey []byte
}

// Sweep deletes at most limit rows (data + both metadata rows) whose
// expiry is <= nowMs, scanning the index in ascending order. Returns
// the count deleted.
func (tt *TTL) Sweep(t *Txn, limit int, nowMs int64, ckpt *SweepCheckpoint) (int, error) {
	lo := ttlIndexKey(0, nil)
	if ckpt != nil && ckpt.lastIndexKey != nil {
		lo = append(append([]byte(nil), ckpt.lastIndexKey...), 0)
	}
	hi := ttlIndexKey(nowMs+1, nil)

	bt, err := t.dbiTree(tt.meta)
	if err != nil {
		return 0, err
	}
	c := newBtreeCursor(bt)
	deleted := 0
	if !c.Seek(lo) {
		return 0, nil
	}
	var lastScanned []byte
	for deleted < limit {
		k, _ := c.Get()
		if len(k) == 0 || k[0] != ttlIndexTag || bt.cmp(k, hi) >= 0 {
			break
		}
		userKey := append([]byte(nil), k[9:]...)
		expiresAt := int64(bytesToUint64BE(k[1:9]))
		lastScanned = append([]byte(nil), k...)
		if err := tt.evict(t, userKey, expiresAt); err != nil {
			return deleted, err
		}
		deleted++
		bt2, err := t.dbiTree(tt.meta)
		if err != nil {
			return deleted, err
		}
		c = newBtreeCursor(bt2)
		if !c.Seek(append(append([]byte(nil), lastScanned...), 0)) {
			break
		}
	}
	if ckpt != nil && lastScanned != nil {
		ckpt.lastIndexKey = lastScanned
	}
	return deleted, nil
}

func bytesToUint64BE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
