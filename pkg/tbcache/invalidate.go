package tbcache

import (
	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/page"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// InvalidateOne invalidates t. It reports false if another goroutine got to
// it first.
func (c *Cache) InvalidateOne(t *tb.TB) bool {
	coll := c.pages.LockPair(t.PageAddr[0], t.PageAddr[1])
	defer coll.Unlock()

	emptied, removed := c.invalidateLocked(coll, t, nil)
	c.unprotectEmptied(emptied)
	return removed
}

// invalidateLocked makes t unreachable. The caller's collection holds the
// locks of t's pages. Pages whose list becomes empty are appended to
// emptied. removed is false if t was no longer in the hash table.
func (c *Cache) invalidateLocked(coll *page.Collection, t *tb.TB, emptied []types.PageIndex) (_ []types.PageIndex, removed bool) {
	t.MarkInvalid()
	if !c.hash.Remove(t) {
		return emptied, false
	}

	for _, addr := range t.PageAddr {
		if addr == types.InvalidPage {
			continue
		}
		tok := coll.Token(addr.Index())
		if tok == nil {
			errors.Fatal("invalidating %s without the lock of page %s", t, addr)
		}
		tok.Remove(t)
		if tok.Empty() {
			emptied = append(emptied, addr.Index())
		}
	}

	c.cluster.Each(func(cp *cpu.CPU) {
		cp.JumpCache.Invalidate(t)
	})

	tb.UnlinkOutgoing(t, 0)
	tb.UnlinkOutgoing(t, 1)
	tb.UnlinkIncoming(t)

	c.invalidateCount.Add(1)
	return emptied, true
}

func (c *Cache) unprotectEmptied(pages []types.PageIndex) {
	for _, p := range pages {
		c.prot.UnprotectCode(p)
	}
}

// InvalidateRange invalidates every block with a guest byte in the physical
// range [first, last].
//
// If cp is executing a block that gets invalidated, and that block ran more
// than one instruction, the CPU is rewound to cp.FaultPC and leaves the
// block through cp.ExitNoException. The next block it runs holds exactly
// one instruction, so the store that triggered this can complete.
func (c *Cache) InvalidateRange(cp *cpu.CPU, first, last types.PageAddr) {
	if last < first {
		return
	}
	coll := c.pages.LockRange(first.Index(), last.Index())
	if c.invalidateRangeLocked(coll, cp, first, last) {
		coll.Unlock()
		cp.CFlagsNext = 1 | c.cluster.CurrCFlags()
		cp.ExitNoException()
	}
	coll.Unlock()
}

// InvalidatePage invalidates every block with a guest byte on the page
// containing addr.
func (c *Cache) InvalidatePage(cp *cpu.CPU, addr types.PageAddr) {
	first := addr.PageBase()
	c.InvalidateRange(cp, first, first+constants.PageSize-1)
}

// InvalidatePageFast is the store path: n bytes at addr are about to be
// written on a code page. Once the page has taken enough writes, a bitmap
// of its code bytes is used to skip writes that miss translated code. The
// write must not cross a page boundary.
func (c *Cache) InvalidatePageFast(cp *cpu.CPU, addr types.PageAddr, n int) {
	if n <= 0 {
		return
	}
	if off := int(addr.PageOffset()); off+n > constants.PageSize {
		errors.Fatal("store of %d bytes at %s crosses a page", n, addr)
	}
	index := addr.Index()
	coll := c.pages.LockRange(index, index)
	tok := coll.Token(index)
	if tok == nil || !tok.CodeWriteHits(int(addr.PageOffset()), n, c.cfg.SMCThreshold) {
		coll.Unlock()
		return
	}
	if c.invalidateRangeLocked(coll, cp, addr, addr+types.PageAddr(n)-1) {
		coll.Unlock()
		cp.CFlagsNext = 1 | c.cluster.CurrCFlags()
		cp.ExitNoException()
	}
	coll.Unlock()
}

// invalidateRangeLocked does the work of InvalidateRange under coll. It
// reports whether cp's current block was invalidated and must be left
// immediately; the state has then already been restored.
func (c *Cache) invalidateRangeLocked(coll *page.Collection, cp *cpu.CPU, first, last types.PageAddr) bool {
	var current *tb.TB
	if cp != nil {
		current = cp.CurrentTB()
	}
	modified := false
	var emptied []types.PageIndex

	for index := first.Index(); ; index++ {
		if tok := coll.Token(index); tok != nil {
			start := max(first, index.Addr())
			end := min(last, index.LastAddr())

			tok.Each(func(t *tb.TB, slot int) bool {
				tbStart, tbEnd := t.Span(slot)
				if tbEnd <= start || tbStart > end {
					return true
				}
				if t == current && t.CFlags()&tb.CFCountMask != 1 {
					modified = true
					if cp.Arch != nil {
						cp.Arch.RestoreState(t, cp.FaultPC)
					}
				}
				emptied, _ = c.invalidateLocked(coll, t, emptied)
				return true
			})
			if tok.Empty() {
				tok.ResetBitmap()
				emptied = append(emptied, index)
			}
		}
		if index == last.Index() {
			break
		}
	}

	c.unprotectEmptied(dedup(emptied))
	return modified
}

func dedup(pages []types.PageIndex) []types.PageIndex {
	if len(pages) < 2 {
		return pages
	}
	seen := make(map[types.PageIndex]struct{}, len(pages))
	out := pages[:0]
	for _, p := range pages {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Flush discards every block. It must run inside an exclusive section and
// does nothing if the flush generation is no longer gen, since another
// flush already emptied the cache.
func (c *Cache) Flush(gen uint32) bool {
	if !c.cluster.InExclusive() {
		errors.Fatal("flush outside an exclusive section")
	}
	if c.flushCount.Load() != gen {
		return false
	}

	c.cluster.Each(func(cp *cpu.CPU) {
		cp.JumpCache.Reset()
	})
	c.hash.Reset()
	c.pages.ResetAll(c.prot.UnprotectCode)

	c.arenaMu.Lock()
	c.arena.Ascend(func(t *tb.TB) bool {
		t.MarkInvalid()
		return true
	})
	c.arena.Clear(false)
	c.arenaMu.Unlock()

	c.code.Reset()
	c.flushCount.Add(1)
	return true
}

// RequestFlush schedules a flush of the current generation at the next
// safe point. Requests made before that flush runs collapse into it.
func (c *Cache) RequestFlush() {
	gen := c.flushCount.Load()
	c.flushRequests.Add(1)
	c.cluster.QueueSafeWork(func() {
		c.Flush(gen)
	})
}
