package page

import (
	"sync/atomic"

	"github.com/google/btree"

	"tbcache/pkg/errors"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// LockObserver sees every page lock a collection takes and releases.
// blocking is false for out-of-order TryLock acquisitions.
type LockObserver interface {
	PageLocked(collection uint64, index types.PageIndex, blocking bool)
	PageUnlocked(collection uint64, index types.PageIndex)
}

// Table is the page table: an Index plus the ordered locking protocol over
// its descriptors. It is the only way to lock a page.
type Table struct {
	ix      Index
	obs     LockObserver
	ids     atomic.Uint64
	retries atomic.Uint64
}

func NewTable(ix Index, obs LockObserver) *Table {
	return &Table{ix: ix, obs: obs}
}

// Find looks a descriptor up without locking it.
func (t *Table) Find(index types.PageIndex, alloc bool) *Descriptor {
	return t.ix.Find(index, alloc)
}

// Retries counts how many times LockRange dropped its locks and restarted.
func (t *Table) Retries() uint64 {
	return t.retries.Load()
}

type entry struct {
	index  types.PageIndex
	d      *Descriptor
	locked bool
}

func entryLess(a, b *entry) bool {
	return a.index < b.index
}

// Collection is a set of pages locked by one operation. Locks are always
// taken in ascending page order; an out-of-order page is only try-locked.
type Collection struct {
	t       *Table
	id      uint64
	entries *btree.BTreeG[*entry]
	max     *entry

	held    int
	heldMax types.PageIndex
}

func (t *Table) newCollection() *Collection {
	return &Collection{
		t:       t,
		id:      t.ids.Add(1),
		entries: btree.NewG(4, entryLess),
	}
}

func (c *Collection) lockEntry(e *entry) {
	if c.held > 0 && e.index <= c.heldMax {
		errors.Fatal("collection %d: blocking lock of page %#x while holding page %#x", c.id, e.index, c.heldMax)
	}
	e.d.mu.Lock()
	c.markLocked(e, true)
}

func (c *Collection) tryLockEntry(e *entry) bool {
	if !e.d.mu.TryLock() {
		return false
	}
	c.markLocked(e, false)
	return true
}

func (c *Collection) markLocked(e *entry, blocking bool) {
	e.locked = true
	if c.held == 0 || e.index > c.heldMax {
		c.heldMax = e.index
	}
	c.held++
	if c.t.obs != nil {
		c.t.obs.PageLocked(c.id, e.index, blocking)
	}
}

func (c *Collection) lockAll() {
	c.entries.Ascend(func(e *entry) bool {
		if !e.locked {
			c.lockEntry(e)
		}
		return true
	})
}

// Unlock releases every lock the collection holds. It is safe to call more
// than once.
func (c *Collection) Unlock() {
	c.entries.Ascend(func(e *entry) bool {
		if e.locked {
			e.locked = false
			e.d.mu.Unlock()
			if c.t.obs != nil {
				c.t.obs.PageUnlocked(c.id, e.index)
			}
		}
		return true
	})
	c.held = 0
}

func (c *Collection) get(index types.PageIndex) *entry {
	e, ok := c.entries.Get(&entry{index: index})
	if !ok {
		return nil
	}
	return e
}

// tryAdd adds index to the set and reports true if the page is busy and
// could only be locked out of order.
func (c *Collection) tryAdd(index types.PageIndex, alloc bool) bool {
	if c.get(index) != nil {
		return false
	}
	d := c.t.ix.Find(index, alloc)
	if d == nil {
		return false
	}
	e := &entry{index: index, d: d}
	c.entries.ReplaceOrInsert(e)

	// Nothing held is above a new maximum, so waiting on it is safe.
	if c.max == nil || index > c.max.index {
		c.max = e
		c.lockEntry(e)
		return false
	}
	return !c.tryLockEntry(e)
}

// LockRange locks every allocated page in [first, last] together with all
// other pages spanned by the blocks on those pages. When a page can only be
// taken out of order and is busy, everything is released and the whole
// pass starts again with the pages found so far.
func (t *Table) LockRange(first, last types.PageIndex) *Collection {
	c := t.newCollection()
	for !c.lockRangePass(first, last) {
		c.Unlock()
		t.retries.Add(1)
	}
	return c
}

func (c *Collection) lockRangePass(first, last types.PageIndex) bool {
	c.lockAll()
	for index := first; ; index++ {
		if c.tryAdd(index, false) {
			return false
		}
		if e := c.get(index); e != nil {
			busy := false
			e.d.list.Each(func(t *tb.TB, _ int) bool {
				busy = c.tryAdd(t.PageAddr[0].Index(), false) ||
					(t.CrossesPage() && c.tryAdd(t.PageAddr[1].Index(), false))
				return !busy
			})
			if busy {
				return false
			}
		}
		if index == last {
			return true
		}
	}
}

// LockPair allocates and locks the one or two pages at a and b, lower
// index first. b may be InvalidPage.
func (t *Table) LockPair(a, b types.PageAddr) *Collection {
	c := t.newCollection()
	for _, addr := range [2]types.PageAddr{a, b} {
		if addr == types.InvalidPage || c.get(addr.Index()) != nil {
			continue
		}
		e := &entry{index: addr.Index(), d: t.ix.Find(addr.Index(), true)}
		c.entries.ReplaceOrInsert(e)
		if c.max == nil || e.index > c.max.index {
			c.max = e
		}
	}
	c.lockAll()
	return c
}

// Token returns the proof that the collection holds index's lock, or nil
// if the page is not part of the collection.
func (c *Collection) Token(index types.PageIndex) *Token {
	e := c.get(index)
	if e == nil {
		return nil
	}
	return &Token{e: e, c: c}
}

// Each calls fn for every page of the collection in ascending order.
func (c *Collection) Each(fn func(tok *Token) bool) {
	c.entries.Ascend(func(e *entry) bool {
		return fn(&Token{e: e, c: c})
	})
}

// Len returns the number of pages in the collection.
func (c *Collection) Len() int {
	return c.entries.Len()
}

// Walk visits every allocated page in ascending order, holding each page's
// lock alone while fn runs.
func (t *Table) Walk(fn func(tok *Token)) {
	t.ix.Range(func(index types.PageIndex, d *Descriptor) bool {
		c := t.newCollection()
		e := &entry{index: index, d: d}
		c.entries.ReplaceOrInsert(e)
		c.max = e
		c.lockEntry(e)
		fn(&Token{e: e, c: c})
		c.Unlock()
		return true
	})
}

// ResetAll empties every page without taking locks and calls fn for each
// page that had code. The caller guarantees no other goroutine is using
// the table.
func (t *Table) ResetAll(fn func(index types.PageIndex)) {
	t.ix.Range(func(index types.PageIndex, d *Descriptor) bool {
		if d.reset() && fn != nil {
			fn(index)
		}
		return true
	})
}
