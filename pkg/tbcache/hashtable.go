package tbcache

import (
	"encoding/binary"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"tbcache/pkg/tb"
)

// HashTable maps block keys to published blocks. It is split into shards,
// each with its own lock, so lookups on different keys rarely contend.
type HashTable struct {
	shards []hashShard
	mask   uint64
	count  atomic.Int64
}

type hashShard struct {
	mu      sync.RWMutex
	buckets map[tb.Key][]*tb.TB
}

// NewHashTable creates a table with at least n shards, rounded up to a
// power of two.
func NewHashTable(n int) *HashTable {
	if n < 1 {
		n = 1
	}
	n = 1 << bits.Len(uint(n-1))
	h := &HashTable{
		shards: make([]hashShard, n),
		mask:   uint64(n - 1),
	}
	for i := range h.shards {
		h.shards[i].buckets = make(map[tb.Key][]*tb.TB)
	}
	return h
}

// keyHash digests every field of the key that identifies a translation.
func keyHash(k tb.Key) uint64 {
	var buf [36]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(k.PhysPC))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.PC))
	binary.LittleEndian.PutUint64(buf[16:], k.CSBase)
	binary.LittleEndian.PutUint32(buf[24:], k.Flags)
	binary.LittleEndian.PutUint32(buf[28:], uint32(k.CFlags))
	binary.LittleEndian.PutUint32(buf[32:], k.TraceState)
	return xxhash.Sum64(buf[:])
}

func (h *HashTable) shard(k tb.Key) *hashShard {
	return &h.shards[keyHash(k)&h.mask]
}

// Lookup returns the valid block with key k, or nil.
func (h *HashTable) Lookup(k tb.Key) *tb.TB {
	s := h.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.buckets[k] {
		if !t.Invalid() {
			return t
		}
	}
	return nil
}

// InsertIfAbsent adds t unless a valid block with the same key is already
// present, in which case that block is returned and t is not added.
func (h *HashTable) InsertIfAbsent(t *tb.TB) (existing *tb.TB, inserted bool) {
	k := t.Key()
	s := h.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.buckets[k] {
		if !e.Invalid() {
			return e, false
		}
	}
	s.buckets[k] = append(s.buckets[k], t)
	h.count.Add(1)
	return nil, true
}

// Remove deletes t itself, not just any block with its key. It reports
// whether t was present.
func (h *HashTable) Remove(t *tb.TB) bool {
	k := t.Key()
	s := h.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[k]
	for i, e := range bucket {
		if e != t {
			continue
		}
		last := len(bucket) - 1
		bucket[i] = bucket[last]
		bucket[last] = nil
		if last == 0 {
			delete(s.buckets, k)
		} else {
			s.buckets[k] = bucket[:last]
		}
		h.count.Add(-1)
		return true
	}
	return false
}

// Reset empties the table.
func (h *HashTable) Reset() {
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		h.count.Add(-int64(countBuckets(s.buckets)))
		s.buckets = make(map[tb.Key][]*tb.TB)
		s.mu.Unlock()
	}
}

func countBuckets(m map[tb.Key][]*tb.TB) int {
	n := 0
	for _, b := range m {
		n += len(b)
	}
	return n
}

func (h *HashTable) Len() int {
	return int(h.count.Load())
}

// Range calls fn for a snapshot of every block in the table until fn
// returns false.
func (h *HashTable) Range(fn func(t *tb.TB) bool) {
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		var snap []*tb.TB
		for _, b := range s.buckets {
			snap = append(snap, b...)
		}
		s.mu.RUnlock()
		for _, t := range snap {
			if !fn(t) {
				return
			}
		}
	}
}
