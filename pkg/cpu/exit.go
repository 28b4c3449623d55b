package cpu

import (
	"fmt"

	"tbcache/pkg/errors"
	"tbcache/pkg/types"
)

// ExitReason says why the CPU left the block it was running.
type ExitReason struct {
	// Exception is the pending exception at exit, ExcpNone if there was none.
	Exception int
	// Restored is set when the state was rewound to RestoredPC first.
	Restored   bool
	RestoredPC types.GuestAddr
}

func (r ExitReason) String() string {
	if r.Restored {
		return fmt.Sprintf("exit{excp=%#x restored=%#x}", r.Exception, uint64(r.RestoredPC))
	}
	return fmt.Sprintf("exit{excp=%#x}", r.Exception)
}

// LoopExit is the panic value that carries a CPU out of translated code
// back to its dispatch loop. Only Catch recovers it.
type LoopExit struct {
	cpu    *CPU
	Reason ExitReason
}

func (e *LoopExit) String() string {
	return fmt.Sprintf("cpu %d: %s", e.cpu.Index, e.Reason)
}

// Catch runs fn and reports the exit fn raised on c, if any. Panics that are
// not this CPU's loop exit continue unwinding.
func (c *CPU) Catch(fn func()) (reason ExitReason, exited bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		le, ok := r.(*LoopExit)
		if !ok || le.cpu != c {
			panic(r)
		}
		c.exitReason = le.Reason
		reason, exited = le.Reason, true
	}()
	fn()
	return ExitReason{}, false
}

// CurrentExitReason returns the reason of the last exit Catch recovered.
func (c *CPU) CurrentExitReason() ExitReason {
	return c.exitReason
}

func (c *CPU) exit(reason ExitReason) {
	panic(&LoopExit{cpu: c, Reason: reason})
}

// Exit abandons the current block with whatever exception is pending.
func (c *CPU) Exit() {
	c.exit(ExitReason{Exception: c.ExceptionIndex})
}

// ExitNoException clears any pending exception and abandons the current
// block.
func (c *CPU) ExitNoException() {
	c.ExceptionIndex = ExcpNone
	c.exit(ExitReason{Exception: ExcpNone})
}

// ExitRestoring rewinds the guest state to the instruction at pc inside the
// current block, then exits.
func (c *CPU) ExitRestoring(pc types.GuestAddr) {
	if t := c.CurrentTB(); t != nil && c.Arch != nil {
		c.Arch.RestoreState(t, pc)
	}
	c.exit(ExitReason{Exception: c.ExceptionIndex, Restored: true, RestoredPC: pc})
}

// ExitAtomic exits so that the instruction at pc is re-executed alone
// inside an exclusive section.
func (c *CPU) ExitAtomic(pc types.GuestAddr) {
	if c.inExclusive {
		errors.Fatal("cpu %d: atomic exit at %#x inside exclusive section", c.Index, uint64(pc))
	}
	c.ExceptionIndex = ExcpAtomic
	c.ExitRestoring(pc)
}
