package tb

// PageRef is one entry of a page's block list: the block plus which of its
// two page slots links it into this list.
type PageRef struct {
	TB   *TB
	Slot int
}

func (r PageRef) next() PageRef {
	return r.TB.pageNext[r.Slot]
}

// PageList is the list of blocks overlapping one guest page. The caller
// holds that page's lock for every operation.
type PageList struct {
	head PageRef
}

// Push links t at the head through its page slot and reports whether the
// list was empty before.
func (l *PageList) Push(t *TB, slot int) bool {
	wasEmpty := l.head.TB == nil
	t.pageNext[slot] = l.head
	l.head = PageRef{TB: t, Slot: slot}
	return wasEmpty
}

// Remove unlinks t and reports whether it was found.
func (l *PageList) Remove(t *TB) bool {
	for p := &l.head; p.TB != nil; {
		if p.TB == t {
			*p = t.pageNext[p.Slot]
			return true
		}
		p = &p.TB.pageNext[p.Slot]
	}
	return false
}

func (l *PageList) Empty() bool {
	return l.head.TB == nil
}

// Each calls fn for every entry until fn returns false. The successor is
// read before fn runs, so fn may remove the current entry.
func (l *PageList) Each(fn func(t *TB, slot int) bool) {
	for r := l.head; r.TB != nil; {
		next := r.next()
		if !fn(r.TB, r.Slot) {
			return
		}
		r = next
	}
}

func (l *PageList) Len() int {
	n := 0
	l.Each(func(*TB, int) bool {
		n++
		return true
	})
	return n
}

// Clear drops every entry without touching the blocks.
func (l *PageList) Clear() {
	l.head = PageRef{}
}
