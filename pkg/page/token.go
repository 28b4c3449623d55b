package page

import (
	"tbcache/pkg/errors"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// Token proves that a Collection holds one page's lock. Every access to a
// descriptor's block list goes through a Token.
type Token struct {
	e *entry
	c *Collection
}

func (k *Token) check() *Descriptor {
	if !k.e.locked {
		errors.Fatal("collection %d: page %#x used without its lock", k.c.id, k.e.index)
	}
	return k.e.d
}

func (k *Token) Index() types.PageIndex {
	return k.e.index
}

// Add links t into the page list through slot and reports whether the
// list was empty before, i.e. whether the page now needs protecting.
func (k *Token) Add(t *tb.TB, slot int) bool {
	d := k.check()
	d.invalidateBitmap()
	return d.list.Push(t, slot)
}

// Remove unlinks t from the page list. t must be on it.
func (k *Token) Remove(t *tb.TB) {
	d := k.check()
	if !d.list.Remove(t) {
		errors.Fatal("%s not on the list of page %#x", t, k.e.index)
	}
	d.invalidateBitmap()
}

func (k *Token) Empty() bool {
	return k.check().list.Empty()
}

// Each iterates the page list. fn may remove the block it is given.
func (k *Token) Each(fn func(t *tb.TB, slot int) bool) {
	k.check().list.Each(fn)
}

func (k *Token) Len() int {
	return k.check().list.Len()
}

// ResetBitmap drops the page's code bitmap and write count.
func (k *Token) ResetBitmap() {
	k.check().invalidateBitmap()
}

// CodeWriteHits reports whether a write of n bytes at page offset off may
// touch translated code. Until the page has seen threshold such writes it
// answers true without looking; after that it consults a bitmap of the
// bytes covered by blocks.
func (k *Token) CodeWriteHits(off, n, threshold int) bool {
	d := k.check()
	if d.codeBitmap == nil {
		d.codeWriteCount++
		if d.codeWriteCount < threshold {
			return true
		}
		d.buildBitmap()
	}
	return d.codeBitmap.AnyInRange(off, n)
}
