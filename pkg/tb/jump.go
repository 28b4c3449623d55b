package tb

import (
	"tbcache/pkg/errors"
)

// JumpRef names outgoing edge N of block TB. A zero JumpRef ends a list.
type JumpRef struct {
	TB *TB
	N  int
}

// jumpDest is an immutable snapshot of an outgoing edge: where it points
// and whether the edge is sealed against new links. Snapshots are replaced
// with CompareAndSwap and compared by identity.
type jumpDest struct {
	tb     *TB
	sealed bool
}

var sealedEmpty = &jumpDest{sealed: true}

// JumpTarget returns the block edge n currently jumps to, or nil when the
// edge goes through the re-dispatch stub.
func (t *TB) JumpTarget(n int) *TB {
	return t.jmpTarget[n].Load()
}

// JumpDest returns the block edge n is chained to, ignoring the seal.
func (t *TB) JumpDest(n int) *TB {
	if d := t.jmpDest[n].Load(); d != nil {
		return d.tb
	}
	return nil
}

// Sealed reports whether edge n refuses new links.
func (t *TB) Sealed(n int) bool {
	d := t.jmpDest[n].Load()
	return d != nil && d.sealed
}

// ResetJump points edge n of src back at the re-dispatch stub.
func ResetJump(src *TB, n int) {
	src.jmpTarget[n].Store(nil)
}

// LinkJump chains edge n of src directly to dst. It fails when dst has been
// invalidated or the edge is already linked or sealed.
func LinkJump(src *TB, n int, dst *TB) bool {
	dst.jmpLock.Lock()
	defer dst.jmpLock.Unlock()

	if dst.Invalid() {
		return false
	}
	if !src.jmpDest[n].CompareAndSwap(nil, &jumpDest{tb: dst}) {
		return false
	}
	src.jmpTarget[n].Store(dst)

	src.jmpListNext[n] = dst.jmpList
	dst.jmpList = JumpRef{TB: src, N: n}
	return true
}

// seal marks edge n so no further links attach and returns the snapshot
// that is now installed.
func (t *TB) seal(n int) *jumpDest {
	for {
		old := t.jmpDest[n].Load()
		switch {
		case old == nil:
			if t.jmpDest[n].CompareAndSwap(nil, sealedEmpty) {
				return sealedEmpty
			}
		case old.sealed:
			return old
		default:
			s := &jumpDest{tb: old.tb, sealed: true}
			if t.jmpDest[n].CompareAndSwap(old, s) {
				return s
			}
		}
	}
}

// UnlinkOutgoing seals edge n of src, points it back at the re-dispatch
// stub and removes src from the incoming list of the block it was chained
// to.
func UnlinkOutgoing(src *TB, n int) {
	cur := src.seal(n)
	dst := cur.tb
	if dst == nil {
		return
	}

	dst.jmpLock.Lock()
	// The destination may have been invalidated while we waited, in which
	// case it already cleared our edge.
	if locked := src.jmpDest[n].Load(); locked != cur {
		dst.jmpLock.Unlock()
		if locked != sealedEmpty || !dst.Invalid() {
			errors.Fatal("edge %d of %s changed to %p while sealed", n, src, locked)
		}
		return
	}

	for p := &dst.jmpList; p.TB != nil; p = &p.TB.jmpListNext[p.N] {
		if p.TB == src && p.N == n {
			*p = src.jmpListNext[n]
			ResetJump(src, n)
			dst.jmpLock.Unlock()
			return
		}
	}
	dst.jmpLock.Unlock()
	errors.Fatal("edge %d of %s missing from incoming list of %s", n, src, dst)
}

// UnlinkIncoming resets every edge chained into dst to the re-dispatch stub
// and empties dst's incoming list.
func UnlinkIncoming(dst *TB) {
	dst.jmpLock.Lock()
	defer dst.jmpLock.Unlock()

	for r := dst.jmpList; r.TB != nil; r = r.TB.jmpListNext[r.N] {
		ResetJump(r.TB, r.N)
		r.TB.clearDest(r.N)
	}
	dst.jmpList = JumpRef{}
}

// clearDest drops the destination of edge n and keeps the seal.
func (t *TB) clearDest(n int) {
	for {
		old := t.jmpDest[n].Load()
		if old == nil || old == sealedEmpty {
			return
		}
		var cleared *jumpDest
		if old.sealed {
			cleared = sealedEmpty
		}
		if t.jmpDest[n].CompareAndSwap(old, cleared) {
			return
		}
	}
}

// IncomingJumps returns the edges currently chained into t.
func (t *TB) IncomingJumps() []JumpRef {
	t.jmpLock.Lock()
	defer t.jmpLock.Unlock()
	var refs []JumpRef
	for r := t.jmpList; r.TB != nil; r = r.TB.jmpListNext[r.N] {
		refs = append(refs, r)
	}
	return refs
}
