package ram

import (
	"slices"
	"sync"

	"tbcache/pkg/constants"
	"tbcache/pkg/errors"
	"tbcache/pkg/types"
)

// Access permission types for RAM pages
type Access int

const (
	Inaccessible Access = iota
	Immutable
	Mutable
)

func (a Access) String() string {
	switch a {
	case Immutable:
		return "immutable"
	case Mutable:
		return "mutable"
	default:
		return "inaccessible"
	}
}

// ErrAccess is wrapped by every failed read or write.
var ErrAccess = errors.New("guest memory access violation")

// RAM is guest physical memory. Pages are allocated on first write and
// read as zero until then. Besides the guest-visible access rights each
// page carries a code-protection flag: set while translated blocks exist
// for the page, so stores to it must go through invalidation first.
type RAM struct {
	mu     sync.RWMutex
	size   uint64
	pages  map[types.PageIndex][]byte
	access map[types.PageIndex]Access
	code   map[types.PageIndex]struct{}

	protects   uint64
	unprotects uint64
}

// NewRAM creates an empty RAM of size bytes, rounded up to whole pages.
func NewRAM(size uint64) *RAM {
	return &RAM{
		size:   TotalSizeNeededPages(size),
		pages:  make(map[types.PageIndex][]byte),
		access: make(map[types.PageIndex]Access),
		code:   make(map[types.PageIndex]struct{}),
	}
}

func TotalSizeNeededPages(size uint64) uint64 {
	return constants.PageSize * ((constants.PageSize + size - 1) / constants.PageSize)
}

func (r *RAM) Size() uint64 {
	return r.size
}

//
// Memory access and mutation methods
//

func (r *RAM) checkRange(start, length uint64, want Access) error {
	if length == 0 {
		return nil
	}
	if start >= r.size || r.size-start < length {
		return errors.Wrapf(ErrAccess, "range [%#x, +%d) outside %d byte RAM", start, length, r.size)
	}
	var err error
	pageRangeIterator(start, start+length, func(page types.PageIndex) bool {
		if a := r.access[page]; a < want {
			err = errors.Wrapf(ErrAccess, "page %#x is %s", page, a)
			return false
		}
		return true
	})
	return err
}

// InspectRange returns a copy of length bytes at start.
func (r *RAM) InspectRange(start, length uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkRange(start, length, Immutable); err != nil {
		return nil, err
	}
	result := make([]byte, length)
	copyPages(start, length, func(page types.PageIndex, off, pos, n uint64) {
		if p := r.pages[page]; p != nil {
			copy(result[pos:pos+n], p[off:off+n])
		}
	})
	return result, nil
}

// MutateRange writes data at start. It checks guest access rights only;
// code protection is the caller's business.
func (r *RAM) MutateRange(start uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRange(start, uint64(len(data)), Mutable); err != nil {
		return err
	}
	r.store(start, data)
	return nil
}

// CheckWrite reports whether a write of length bytes at start would be
// allowed, without performing it.
func (r *RAM) CheckWrite(start, length uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkRange(start, length, Mutable)
}

// Load writes data regardless of access rights, e.g. to place a guest image.
func (r *RAM) Load(start uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if start >= r.size || r.size-start < uint64(len(data)) {
		return errors.Wrapf(ErrAccess, "load of %d bytes at %#x outside RAM", len(data), start)
	}
	r.store(start, data)
	return nil
}

func (r *RAM) store(start uint64, data []byte) {
	copyPages(start, uint64(len(data)), func(page types.PageIndex, off, pos, n uint64) {
		p := r.pages[page]
		if p == nil {
			p = make([]byte, constants.PageSize)
			r.pages[page] = p
		}
		copy(p[off:off+n], data[pos:pos+n])
	})
}

//
// Memory access control methods
//

// MutateAccessRange sets the access type for all pages in the range
func (r *RAM) MutateAccessRange(start, length uint64, access Access) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pageRangeIterator(start, start+length, func(page types.PageIndex) bool {
		r.access[page] = access
		return true
	})
}

//
// Code protection
//

// ProtectCode marks a page as holding translated code.
func (r *RAM) ProtectCode(page types.PageIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code[page] = struct{}{}
	r.protects++
}

// UnprotectCode lets stores to the page proceed without invalidation.
func (r *RAM) UnprotectCode(page types.PageIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.code, page)
	r.unprotects++
}

func (r *RAM) IsCodeProtected(page types.PageIndex) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.code[page]
	return ok
}

// RangeHasCode reports whether any page overlapping the range is
// code-protected.
func (r *RAM) RangeHasCode(start, length uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := false
	pageRangeIterator(start, start+length, func(page types.PageIndex) bool {
		_, result = r.code[page]
		return !result
	})
	return result
}

// CodePages returns the number of code-protected pages.
func (r *RAM) CodePages() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.code)
}

// ProtectedPages returns the code-protected pages in ascending order.
func (r *RAM) ProtectedPages() []types.PageIndex {
	r.mu.RLock()
	pages := make([]types.PageIndex, 0, len(r.code))
	for page := range r.code {
		pages = append(pages, page)
	}
	r.mu.RUnlock()
	slices.Sort(pages)
	return pages
}

// ProtectionCalls returns how often ProtectCode and UnprotectCode ran.
func (r *RAM) ProtectionCalls() (protects, unprotects uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protects, r.unprotects
}

// pageRangeIterator applies fn to each page overlapping [start, end) until
// fn returns false.
func pageRangeIterator(start, end uint64, fn func(types.PageIndex) bool) {
	if start >= end {
		return
	}
	first := types.PageAddr(start).Index()
	last := types.PageAddr(end - 1).Index()
	for page := first; ; page++ {
		if !fn(page) || page == last {
			return
		}
	}
}

// copyPages splits [start, start+length) into per-page chunks. pos is the
// chunk's position within the range, off its offset within the page.
func copyPages(start, length uint64, fn func(page types.PageIndex, off, pos, n uint64)) {
	for pos := uint64(0); pos < length; {
		addr := types.PageAddr(start + pos)
		off := addr.PageOffset()
		n := min(constants.PageSize-off, length-pos)
		fn(addr.Index(), off, pos, n)
		pos += n
	}
}
