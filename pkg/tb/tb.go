package tb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tbcache/pkg/constants"
	"tbcache/pkg/types"
)

// CFlags are the compile flags a block was translated with.
type CFlags uint32

const (
	// CFCountMask holds the maximum number of guest instructions in the
	// block; 0 means the translator's default.
	CFCountMask CFlags = 0x000001ff
	// CFPCRel blocks are position independent: their hash key omits the PC.
	CFPCRel CFlags = 0x00020000
	// CFInvalid is sticky. Once set the block is never entered again.
	CFInvalid CFlags = 0x00040000
	// CFParallel blocks were translated while other CPUs run concurrently.
	CFParallel CFlags = 0x00080000

	CFHashMask = ^CFInvalid
)

// NoChain is returned by a block body that did not leave through one of its
// two direct-jump edges.
const NoChain = -1

// Body is the translated code of a block. It runs against the guest
// architectural state and returns the index of the edge it left through,
// or NoChain.
type Body func(env any) int

// Key identifies equivalent translations in the hash table.
type Key struct {
	PhysPC     types.PageAddr
	PC         types.GuestAddr
	CSBase     uint64
	Flags      uint32
	CFlags     CFlags
	TraceState uint32
}

// TB is a translation block. Once published its storage belongs to the
// cache and is only reclaimed by a full flush.
type TB struct {
	PC         types.GuestAddr
	CSBase     uint64
	Flags      uint32
	TraceState uint32
	Size       uint32

	// PageAddr holds the page-aligned physical addresses of the pages the
	// guest bytes span. PageAddr[1] is InvalidPage for single-page blocks.
	PageAddr [2]types.PageAddr

	// CodeOffset and Code locate the host code in the code buffer.
	CodeOffset int
	Code       []byte
	Body       Body

	// HasJump records which direct-jump edges the body can leave through.
	HasJump [2]bool

	cflags atomic.Uint32

	// guarded by the lock of the page in the matching PageAddr slot
	pageNext [2]PageRef

	// jmpLock guards jmpList and the jmpListNext slots of every block
	// on jmpList.
	jmpLock     sync.Mutex
	jmpList     JumpRef
	jmpListNext [2]JumpRef
	jmpDest     [2]atomic.Pointer[jumpDest]
	jmpTarget   [2]atomic.Pointer[TB]
}

// New returns an unpublished block with no pages assigned.
func New(pc types.GuestAddr, csBase uint64, flags uint32, cflags CFlags) *TB {
	t := &TB{
		PC:       pc,
		CSBase:   csBase,
		Flags:    flags,
		PageAddr: [2]types.PageAddr{types.InvalidPage, types.InvalidPage},
	}
	t.cflags.Store(uint32(cflags))
	return t
}

func (t *TB) CFlags() CFlags {
	return CFlags(t.cflags.Load())
}

func (t *TB) Invalid() bool {
	return t.CFlags()&CFInvalid != 0
}

// MarkInvalid sets CFInvalid under the incoming-jump lock, so a racing
// LinkJump either sees the bit and backs off or is already on the list
// when the caller unlinks it. It reports whether the bit was already set.
func (t *TB) MarkInvalid() bool {
	t.jmpLock.Lock()
	defer t.jmpLock.Unlock()
	old := t.cflags.Load()
	if CFlags(old)&CFInvalid != 0 {
		return true
	}
	t.cflags.Store(old | uint32(CFInvalid))
	return false
}

// PhysPC is the physical address of the first guest byte.
func (t *TB) PhysPC() types.PageAddr {
	return t.PageAddr[0] + types.PageAddr(t.PC.PageOffset())
}

func (t *TB) Key() Key {
	k := Key{
		PhysPC:     t.PhysPC(),
		PC:         t.PC,
		CSBase:     t.CSBase,
		Flags:      t.Flags,
		CFlags:     t.CFlags() & CFHashMask,
		TraceState: t.TraceState,
	}
	if k.CFlags&CFPCRel != 0 {
		k.PC = 0
	}
	return k
}

// Span returns the physical byte range [start, end) the block covers on the
// page in the given slot. For slot 0 end may run past the page.
func (t *TB) Span(slot int) (start, end types.PageAddr) {
	if slot == 0 {
		start = t.PhysPC()
		return start, start + types.PageAddr(t.Size)
	}
	start = t.PageAddr[1]
	return start, start + types.PageAddr((uint64(t.PC)+uint64(t.Size))&^constants.PageMask)
}

// CrossesPage reports whether the block spans two pages.
func (t *TB) CrossesPage() bool {
	return t.PageAddr[1] != types.InvalidPage
}

func (t *TB) String() string {
	return fmt.Sprintf("tb{pc=%#x phys=%s/%s size=%d cflags=%#x}",
		uint64(t.PC), t.PageAddr[0], t.PageAddr[1], t.Size, uint32(t.CFlags()))
}
