package types

import (
	"fmt"

	"tbcache/pkg/constants"
)

// GuestAddr is a guest virtual address (the PC a block was translated at).
type GuestAddr uint64

func (a GuestAddr) PageBase() GuestAddr {
	return a & GuestAddr(constants.PageMask)
}

func (a GuestAddr) PageOffset() uint64 {
	return uint64(a) &^ constants.PageMask
}

// PageAddr is a guest physical address. Block placement and invalidation
// work on physical addresses so that aliased mappings share translations.
type PageAddr uint64

// InvalidPage marks an unused second page slot of a translation block.
const InvalidPage PageAddr = ^PageAddr(0)

func (a PageAddr) Index() PageIndex {
	return PageIndex(a >> constants.PageBits)
}

func (a PageAddr) PageBase() PageAddr {
	return a & PageAddr(constants.PageMask)
}

func (a PageAddr) PageOffset() uint64 {
	return uint64(a) &^ constants.PageMask
}

func (a PageAddr) String() string {
	if a == InvalidPage {
		return "-"
	}
	return fmt.Sprintf("%#x", uint64(a))
}

// PageIndex is a physical page number.
type PageIndex uint64

func (i PageIndex) Addr() PageAddr {
	return PageAddr(i << constants.PageBits)
}

// LastAddr returns the address of the last byte of the page.
func (i PageIndex) LastAddr() PageAddr {
	return i.Addr() + constants.PageSize - 1
}
