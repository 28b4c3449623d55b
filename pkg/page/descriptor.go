package page

import (
	"sync"

	"tbcache/pkg/bitsequence"
	"tbcache/pkg/constants"
	"tbcache/pkg/tb"
)

// Descriptor is the per-page record: a lock and the list of blocks that
// overlap the page. Its contents are reachable only through a Token, which
// a Collection hands out while it holds the lock.
type Descriptor struct {
	mu   sync.Mutex
	list tb.PageList

	// bytes of the page covered by code, built after enough writes
	codeBitmap     *bitsequence.BitSequence
	codeWriteCount int
}

func (d *Descriptor) invalidateBitmap() {
	d.codeBitmap = nil
	d.codeWriteCount = 0
}

func (d *Descriptor) buildBitmap() {
	bm := bitsequence.New(constants.PageSize)
	d.list.Each(func(t *tb.TB, slot int) bool {
		start, end := t.Span(slot)
		off := int(start.PageOffset())
		n := int(end - start)
		if off+n > constants.PageSize {
			n = constants.PageSize - off
		}
		bm.SetRange(off, n)
		return true
	})
	d.codeBitmap = bm
}

// reset clears the descriptor without its lock. Only valid while no other
// goroutine can reach the page table.
func (d *Descriptor) reset() bool {
	hadCode := !d.list.Empty()
	d.list.Clear()
	d.invalidateBitmap()
	return hadCode
}
