package exec

import (
	"context"

	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/jit"
	"tbcache/pkg/tb"
	"tbcache/pkg/tbcache"
	"tbcache/pkg/types"
)

// Translator builds an unpublished block for the guest code at pc. The
// block's PageAddr, Size, Body and HasJump must be filled in, and its host
// code placed in code.
type Translator interface {
	Translate(c *cpu.CPU, code *jit.ExecutableMemory, pc types.GuestAddr, csBase uint64, flags uint32, cflags tb.CFlags) (*tb.TB, error)
}

// ErrGuestException is wrapped by Run when the guest raises an exception the
// loop does not handle itself.
var ErrGuestException = errors.New("guest exception")

// Loop is the dispatch loop shared by every CPU of a cache's cluster.
type Loop struct {
	cache *tbcache.Cache
	tr    Translator
}

func NewLoop(cache *tbcache.Cache, tr Translator) *Loop {
	return &Loop{cache: cache, tr: tr}
}

// Run executes c until the guest halts, raises an unhandled exception, or
// ctx is done.
func (l *Loop) Run(ctx context.Context, c *cpu.CPU) error {
	stop := context.AfterFunc(ctx, c.RequestExit)
	defer stop()

	cl := l.cache.Cluster()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cl.RunSafeWork(c)

		reason, err := l.execOnce(c)
		if err != nil {
			return err
		}
		switch reason.Exception {
		case cpu.ExcpNone, cpu.ExcpInterrupt:
			c.ExceptionIndex = cpu.ExcpNone
		case cpu.ExcpHLT, cpu.ExcpHalted:
			return nil
		case cpu.ExcpAtomic:
			if err := l.StepAtomic(c); err != nil {
				return err
			}
		default:
			pc, _, _ := c.Arch.TBState()
			return errors.Wrapf(ErrGuestException, "exception %#x at pc %#x", reason.Exception, uint64(pc))
		}
	}
}

// execOnce runs blocks until something makes the CPU leave translated code.
func (l *Loop) execOnce(c *cpu.CPU) (cpu.ExitReason, error) {
	var err error
	c.ExecStart()
	reason, _ := c.Catch(func() {
		err = l.execSession(c)
	})
	c.ExecEnd()
	c.SetCurrentTB(nil)
	return reason, err
}

// execSession only returns on a translation error; every other way out is
// a loop exit.
func (l *Loop) execSession(c *cpu.CPU) error {
	var last *tb.TB
	lastExit := tb.NoChain
	for {
		if c.ExitRequested() {
			c.ClearExitRequest()
			c.ExceptionIndex = cpu.ExcpInterrupt
			c.Exit()
		}

		cflags, ok := c.TakeCFlagsNext()
		if !ok {
			cflags = l.cache.Cluster().CurrCFlags()
		}
		t, err := l.findTB(c, cflags, last, lastExit)
		if err != nil {
			if ok {
				c.CFlagsNext = cflags
			}
			if errors.Is(err, jit.ErrOutOfMemory) {
				l.cache.RequestFlush()
				c.ExceptionIndex = cpu.ExcpInterrupt
				c.Exit()
			}
			return err
		}
		last, lastExit = l.execTB(c, t)
	}
}

// execTB runs t and then whatever it is chained to, and returns the last
// block run and the edge it left through.
func (l *Loop) execTB(c *cpu.CPU, t *tb.TB) (*tb.TB, int) {
	for {
		c.SetCurrentTB(t)
		n := t.Body(c)
		c.SetCurrentTB(nil)
		if n == tb.NoChain {
			return t, n
		}
		next := t.JumpTarget(n)
		if next == nil || next.Invalid() || c.ExitRequested() {
			return t, n
		}
		t = next
	}
}

// findTB returns the block for the CPU's current state, translating and
// publishing one if needed, and chains last's edge to it.
func (l *Loop) findTB(c *cpu.CPU, cflags tb.CFlags, last *tb.TB, lastExit int) (*tb.TB, error) {
	pc, csBase, flags := c.Arch.TBState()

	t := c.JumpCache.Lookup(pc)
	if t == nil || t.PC != pc || t.CSBase != csBase || t.Flags != flags || t.CFlags() != cflags {
		var err error
		t, err = l.lookup(c, pc, csBase, flags, cflags)
		if err != nil {
			return nil, err
		}
		if t == nil {
			if t, err = l.translate(c, pc, csBase, flags, cflags); err != nil {
				return nil, err
			}
		}
		c.JumpCache.Set(pc, t)
	}

	// The second page of a block may be remapped, so never jump into one
	// directly.
	if last != nil && lastExit != tb.NoChain && last.HasJump[lastExit] && !t.CrossesPage() {
		tb.LinkJump(last, lastExit, t)
	}
	return t, nil
}

// lookup searches the hash table. A hit whose second page no longer maps
// where it did at translation time is invalidated and treated as a miss.
func (l *Loop) lookup(c *cpu.CPU, pc types.GuestAddr, csBase uint64, flags uint32, cflags tb.CFlags) (*tb.TB, error) {
	phys, ok := c.Arch.PhysAddr(pc)
	if !ok {
		return nil, errors.Newf("pc %#x is not mapped", uint64(pc))
	}
	k := tb.Key{PhysPC: phys, PC: pc, CSBase: csBase, Flags: flags, CFlags: cflags}
	if cflags&tb.CFPCRel != 0 {
		k.PC = 0
	}
	t := l.cache.Lookup(k)
	if t == nil || !t.CrossesPage() {
		return t, nil
	}
	page2, ok := c.Arch.PhysAddr(pc.PageBase() + constants.PageSize)
	if ok && page2.PageBase() == t.PageAddr[1] {
		return t, nil
	}
	l.cache.InvalidateOne(t)
	return nil, nil
}

func (l *Loop) translate(c *cpu.CPU, pc types.GuestAddr, csBase uint64, flags uint32, cflags tb.CFlags) (*tb.TB, error) {
	t, err := l.tr.Translate(c, l.cache.CodeBuffer(), pc, csBase, flags, cflags)
	if err != nil {
		return nil, errors.Wrapf(err, "translating %#x", uint64(pc))
	}
	return l.cache.Publish(t, t.PhysPC(), t.PageAddr[1]), nil
}

// StepAtomic executes the single instruction at the CPU's PC with every
// other CPU stopped, so the guest sees it as atomic.
func (l *Loop) StepAtomic(c *cpu.CPU) error {
	var err error
	cl := l.cache.Cluster()
	cl.RunExclusive(c, func() {
		pc, csBase, flags := c.Arch.TBState()
		cflags := (cl.CurrCFlags() | 1) &^ tb.CFParallel

		var t *tb.TB
		t, err = l.lookup(c, pc, csBase, flags, cflags)
		if err == nil && t == nil {
			t, err = l.translate(c, pc, csBase, flags, cflags)
			if errors.Is(err, jit.ErrOutOfMemory) {
				l.cache.Flush(l.cache.FlushCount())
				t, err = l.translate(c, pc, csBase, flags, cflags)
			}
		}
		if err != nil {
			return
		}

		reason, exited := c.Catch(func() {
			c.SetCurrentTB(t)
			t.Body(c)
		})
		c.SetCurrentTB(nil)
		if exited && reason.Exception >= 0 && reason.Exception < cpu.ExcpInterrupt {
			err = errors.Wrapf(ErrGuestException, "exception %#x in atomic step at pc %#x", reason.Exception, uint64(pc))
		}
	})
	c.ExceptionIndex = cpu.ExcpNone
	return err
}
