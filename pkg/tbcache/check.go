package tbcache

import (
	"fmt"
	"strings"

	"tbcache/pkg/errors"
	"tbcache/pkg/page"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// ProtectionQuerier is implemented by protection layers that can report a
// page's state. Check uses it when available.
type ProtectionQuerier interface {
	IsCodeProtected(page types.PageIndex) bool
	ProtectedPages() []types.PageIndex
}

// Check verifies the cross-structure invariants: the hash table and the
// page lists hold the same valid blocks, a page is protected exactly when
// it has blocks, and every chained edge appears on its destination's incoming
// list. It takes page locks one at a time and is only meaningful while no
// CPU is running.
func (c *Cache) Check() error {
	var problems []string
	report := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	q, canQuery := c.prot.(ProtectionQuerier)

	// page lists -> hash table
	onPages := make(map[*tb.TB]int)
	withCode := make(map[types.PageIndex]bool)
	c.pages.Walk(func(tok *page.Token) {
		if !tok.Empty() {
			withCode[tok.Index()] = true
			if canQuery && !q.IsCodeProtected(tok.Index()) {
				report("page %#x has %d blocks but is not protected", tok.Index(), tok.Len())
			}
		}
		tok.Each(func(t *tb.TB, slot int) bool {
			onPages[t]++
			if t.PageAddr[slot].Index() != tok.Index() {
				report("%s linked on page %#x through slot %d", t, tok.Index(), slot)
			}
			if t.Invalid() {
				report("invalid %s still on page %#x", t, tok.Index())
			}
			if c.hash.Lookup(t.Key()) != t {
				report("%s on page %#x is not the hash table entry for its key", t, tok.Index())
			}
			return true
		})
	})

	if canQuery {
		for _, index := range q.ProtectedPages() {
			if !withCode[index] {
				report("page %#x is protected but has no blocks", index)
			}
		}
	}

	// hash table -> page lists, jump edges
	c.hash.Range(func(t *tb.TB) bool {
		want := 1
		if t.CrossesPage() {
			want = 2
		}
		if onPages[t] != want {
			report("%s is on %d page lists, want %d", t, onPages[t], want)
		}
		if len(t.Code) > 0 && c.FindByHostPC(t.CodeOffset) != t {
			report("%s not found by its host code offset %d", t, t.CodeOffset)
		}
		for n := 0; n < 2; n++ {
			dst := t.JumpDest(n)
			if dst == nil {
				continue
			}
			if dst.Invalid() {
				report("%s edge %d chained to invalid %s", t, n, dst)
			}
			if !hasIncoming(dst, t, n) {
				report("%s edge %d missing from incoming list of %s", t, n, dst)
			}
		}
		return true
	})

	if len(problems) == 0 {
		return nil
	}
	return errors.Invariantf("cache inconsistent: %s", strings.Join(problems, "; "))
}

func hasIncoming(dst, src *tb.TB, n int) bool {
	for _, r := range dst.IncomingJumps() {
		if r.TB == src && r.N == n {
			return true
		}
	}
	return false
}
