package cpu

import (
	"sync/atomic"

	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// Exception indexes used by the dispatch loop. Guest exceptions use
// values below ExcpInterrupt.
const (
	ExcpNone      = -1
	ExcpInterrupt = 0x10000
	ExcpHLT       = 0x10001
	ExcpDebug     = 0x10002
	ExcpHalted    = 0x10003
	ExcpYield     = 0x10004
	ExcpAtomic    = 0x10005
)

// CFlagsNextUnset means the next block is looked up with the cluster's
// current compile flags.
const CFlagsNextUnset = tb.CFlags(^uint32(0))

// Arch is the guest architectural state a CPU runs.
type Arch interface {
	// TBState returns the identity of the block to run next.
	TBState() (pc types.GuestAddr, csBase uint64, flags uint32)
	// PhysAddr translates a guest PC to a physical address.
	PhysAddr(pc types.GuestAddr) (types.PageAddr, bool)
	// RestoreState rewinds the state to the start of the guest instruction
	// at pc inside t.
	RestoreState(t *tb.TB, pc types.GuestAddr)
}

// CPU is one emulated CPU. Apart from the jump cache, the exit request and
// the current block, its fields belong to the goroutine running it.
type CPU struct {
	Index   int
	Arch    Arch
	cluster *Cluster

	JumpCache JumpCache

	// ExceptionIndex is the pending exception, ExcpNone if there is none.
	ExceptionIndex int
	// CFlagsNext, unless CFlagsNextUnset, overrides the compile flags of the
	// next block looked up.
	CFlagsNext tb.CFlags
	// FaultPC is the guest PC of the instruction performing a store that may
	// hit translated code.
	FaultPC types.GuestAddr

	currentTB   atomic.Pointer[tb.TB]
	exitRequest atomic.Bool
	exitReason  ExitReason

	running     bool
	inExclusive bool
}

func (c *CPU) Cluster() *Cluster {
	return c.cluster
}

// CurrentTB returns the block the CPU is executing, or nil.
func (c *CPU) CurrentTB() *tb.TB {
	return c.currentTB.Load()
}

func (c *CPU) SetCurrentTB(t *tb.TB) {
	c.currentTB.Store(t)
}

// TakeCFlagsNext returns and clears the one-shot compile flag override.
func (c *CPU) TakeCFlagsNext() (tb.CFlags, bool) {
	cf := c.CFlagsNext
	if cf == CFlagsNextUnset {
		return 0, false
	}
	c.CFlagsNext = CFlagsNextUnset
	return cf, true
}

// RequestExit asks the CPU to leave chained execution at the next block
// boundary.
func (c *CPU) RequestExit() {
	c.exitRequest.Store(true)
}

// ExitRequested reports whether the CPU should stop chaining, either on its
// own request or because the cluster needs a safe point.
func (c *CPU) ExitRequested() bool {
	return c.exitRequest.Load() || c.cluster.wantsSafePoint()
}

// ClearExitRequest resets the CPU's own exit request.
func (c *CPU) ClearExitRequest() {
	c.exitRequest.Store(false)
}

// ExecStart marks the CPU as running translated code. Exclusive sections
// wait until every running CPU calls ExecEnd.
func (c *CPU) ExecStart() {
	c.cluster.exclusive.RLock()
	c.running = true
}

func (c *CPU) ExecEnd() {
	c.running = false
	c.cluster.exclusive.RUnlock()
}

// InExclusive reports whether the CPU is inside an exclusive section.
func (c *CPU) InExclusive() bool {
	return c.inExclusive
}
