package cpu

import (
	"sync/atomic"

	"tbcache/pkg/constants"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// JumpCache is a CPU's direct-mapped cache from guest PC to block. The
// owning CPU reads and fills it; invalidation clears entries from any
// goroutine.
type JumpCache struct {
	entries [constants.TBJmpCacheSize]atomic.Pointer[tb.TB]
}

func jmpCacheHashPage(pc types.GuestAddr) uint64 {
	tmp := uint64(pc) ^ (uint64(pc) >> constants.TBJmpCacheShift)
	return (tmp >> constants.TBJmpCacheShift) & constants.TBJmpPageMask
}

func jmpCacheHash(pc types.GuestAddr) uint64 {
	tmp := uint64(pc) ^ (uint64(pc) >> constants.TBJmpCacheShift)
	return ((tmp >> constants.TBJmpCacheShift) & constants.TBJmpPageMask) |
		(tmp & constants.TBJmpAddrMask)
}

// Lookup returns the cached block for pc, or nil.
func (j *JumpCache) Lookup(pc types.GuestAddr) *tb.TB {
	return j.entries[jmpCacheHash(pc)].Load()
}

func (j *JumpCache) Set(pc types.GuestAddr, t *tb.TB) {
	j.entries[jmpCacheHash(pc)].Store(t)
}

// Invalidate clears t's slot if it still holds t.
func (j *JumpCache) Invalidate(t *tb.TB) {
	j.entries[jmpCacheHash(t.PC)].CompareAndSwap(t, nil)
}

func (j *JumpCache) Reset() {
	for i := range j.entries {
		j.entries[i].Store(nil)
	}
}

// FlushPage clears the entries for blocks that may start on the page of
// addr or on the page before it, which covers blocks crossing into it.
func (j *JumpCache) FlushPage(addr types.GuestAddr) {
	j.clearPage(addr - constants.PageSize)
	j.clearPage(addr)
}

func (j *JumpCache) clearPage(addr types.GuestAddr) {
	base := jmpCacheHashPage(addr)
	for i := uint64(0); i < constants.TBJmpPageSize; i++ {
		j.entries[base+i].Store(nil)
	}
}
