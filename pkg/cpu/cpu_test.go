package cpu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tbcache/pkg/constants"
	"tbcache/pkg/errors"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

type recordingArch struct {
	restored []types.GuestAddr
}

func (a *recordingArch) TBState() (types.GuestAddr, uint64, uint32) { return 0, 0, 0 }

func (a *recordingArch) PhysAddr(pc types.GuestAddr) (types.PageAddr, bool) {
	return types.PageAddr(pc), true
}

func (a *recordingArch) RestoreState(_ *tb.TB, pc types.GuestAddr) {
	a.restored = append(a.restored, pc)
}

func expectInvariant(t *testing.T) {
	t.Helper()
	r := recover()
	err, ok := r.(error)
	if !ok || !errors.IsInvariantError(err) {
		t.Fatalf("recovered %v, want an invariant error", r)
	}
}

func TestJumpCache(t *testing.T) {
	var j JumpCache
	a := tb.New(0x1000, 0, 0, 0)
	b := tb.New(0x1040, 0, 0, 0)

	j.Set(a.PC, a)
	j.Set(b.PC, b)
	if j.Lookup(a.PC) != a || j.Lookup(b.PC) != b {
		t.Fatal("Lookup missed a stored block")
	}

	// Invalidate only clears a slot that still holds the block.
	j.Invalidate(tb.New(0x1000, 0, 0, 1))
	if j.Lookup(a.PC) != a {
		t.Error("Invalidate of a different block cleared the slot")
	}
	j.Invalidate(a)
	if j.Lookup(a.PC) != nil {
		t.Error("Invalidate left the block")
	}

	j.Reset()
	if j.Lookup(b.PC) != nil {
		t.Error("Reset left a block")
	}
}

func TestJumpCacheFlushPage(t *testing.T) {
	var j JumpCache
	prev := tb.New(0x3ff0, 0, 0, 0)
	same := tb.New(0x4100, 0, 0, 0)
	next := tb.New(0x5000, 0, 0, 0)
	for _, b := range []*tb.TB{prev, same, next} {
		j.Set(b.PC, b)
	}

	j.FlushPage(0x4000)
	if j.Lookup(prev.PC) != nil || j.Lookup(same.PC) != nil {
		t.Error("FlushPage left a block that may touch the page")
	}
	if j.Lookup(next.PC) != next {
		t.Error("FlushPage cleared the following page")
	}
	if constants.TBJmpPageSize*2 > constants.TBJmpCacheSize {
		t.Errorf("jump cache of %d entries too small for two pages", constants.TBJmpCacheSize)
	}
}

func TestCurrCFlags(t *testing.T) {
	cl := NewCluster()
	cl.NewCPU(nil)
	if got := cl.CurrCFlags(); got != 0 {
		t.Errorf("CurrCFlags with one cpu = %#x, want 0", got)
	}
	cl.NewCPU(nil)
	if got := cl.CurrCFlags(); got != tb.CFParallel {
		t.Errorf("CurrCFlags with two cpus = %#x, want %#x", got, tb.CFParallel)
	}
	for i, c := range cl.CPUs() {
		if c.Index != i {
			t.Errorf("cpu %d has Index %d", i, c.Index)
		}
	}
}

func TestTakeCFlagsNext(t *testing.T) {
	c := NewCluster().NewCPU(nil)
	if _, ok := c.TakeCFlagsNext(); ok {
		t.Fatal("fresh cpu has a cflags override")
	}
	c.CFlagsNext = 1
	if cf, ok := c.TakeCFlagsNext(); !ok || cf != 1 {
		t.Errorf("TakeCFlagsNext = %#x, %v, want 1, true", cf, ok)
	}
	if _, ok := c.TakeCFlagsNext(); ok {
		t.Error("override survived being taken")
	}
}

func TestCatch(t *testing.T) {
	arch := &recordingArch{}
	cl := NewCluster()
	c := cl.NewCPU(arch)
	c.SetCurrentTB(tb.New(0x100, 0, 0, 0))

	tests := []struct {
		name string
		exit func()
		want ExitReason
	}{
		{"plain", func() { c.ExceptionIndex = 3; c.Exit() }, ExitReason{Exception: 3}},
		{"no exception", func() { c.ExceptionIndex = 3; c.ExitNoException() }, ExitReason{Exception: ExcpNone}},
		{"restoring", func() { c.ExceptionIndex = ExcpNone; c.ExitRestoring(0x108) }, ExitReason{Exception: ExcpNone, Restored: true, RestoredPC: 0x108}},
		{"atomic", func() { c.ExitAtomic(0x10c) }, ExitReason{Exception: ExcpAtomic, Restored: true, RestoredPC: 0x10c}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, exited := c.Catch(tt.exit)
			if !exited || got != tt.want {
				t.Errorf("Catch = %v, %v, want %v, true", got, exited, tt.want)
			}
			if c.CurrentExitReason() != tt.want {
				t.Errorf("CurrentExitReason = %v", c.CurrentExitReason())
			}
		})
	}
	if len(arch.restored) != 2 || arch.restored[0] != 0x108 || arch.restored[1] != 0x10c {
		t.Errorf("restored = %v", arch.restored)
	}

	if _, exited := c.Catch(func() {}); exited {
		t.Error("Catch reported an exit for a normal return")
	}
}

func TestCatchRepanicsForeignValues(t *testing.T) {
	cl := NewCluster()
	a, b := cl.NewCPU(nil), cl.NewCPU(nil)

	defer func() {
		le, ok := recover().(*LoopExit)
		if !ok || le.cpu != b {
			t.Fatalf("recovered %v, want b's loop exit", le)
		}
	}()
	a.Catch(func() { b.ExitNoException() })
	t.Fatal("Catch swallowed another cpu's exit")
}

func TestExitAtomicInsideExclusiveIsFatal(t *testing.T) {
	cl := NewCluster()
	c := cl.NewCPU(nil)
	defer expectInvariant(t)
	cl.RunExclusive(c, func() {
		c.ExitAtomic(0)
	})
}

func TestNestedExclusiveIsFatal(t *testing.T) {
	cl := NewCluster()
	c := cl.NewCPU(nil)
	defer expectInvariant(t)
	cl.RunExclusive(c, func() {
		cl.RunExclusive(c, func() {})
	})
}

func TestExclusiveWhileRunningIsFatal(t *testing.T) {
	cl := NewCluster()
	c := cl.NewCPU(nil)
	c.ExecStart()
	defer c.ExecEnd()
	defer expectInvariant(t)
	cl.RunExclusive(c, func() {})
}

// An exclusive section waits for running CPUs and keeps them out while it
// runs.
func TestRunExclusiveExcludesCPUs(t *testing.T) {
	cl := NewCluster()
	cpus := []*CPU{cl.NewCPU(nil), cl.NewCPU(nil), cl.NewCPU(nil)}

	var running atomic.Int32
	var violations atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range cpus {
		wg.Add(1)
		go func(c *CPU) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c.ExecStart()
				running.Add(1)
				if cl.InExclusive() {
					violations.Add(1)
				}
				time.Sleep(time.Microsecond)
				running.Add(-1)
				c.ExecEnd()
			}
		}(c)
	}

	for i := 0; i < 50; i++ {
		cl.RunExclusive(nil, func() {
			if n := running.Load(); n != 0 {
				violations.Add(1)
			}
		})
	}
	close(stop)
	wg.Wait()
	if v := violations.Load(); v != 0 {
		t.Errorf("%d overlaps between exclusive sections and running cpus", v)
	}
}

func TestSafeWork(t *testing.T) {
	cl := NewCluster()
	c := cl.NewCPU(nil)

	if c.ExitRequested() {
		t.Fatal("fresh cpu asked to exit")
	}
	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		cl.QueueSafeWork(func() {
			if !cl.InExclusive() || !c.InExclusive() {
				t.Error("safe work ran outside an exclusive section")
			}
			ran = append(ran, i)
		})
	}
	if !c.ExitRequested() {
		t.Error("queued work did not ask the cpu to stop")
	}
	if n := cl.RunSafeWork(c); n != 3 {
		t.Errorf("RunSafeWork = %d, want 3", n)
	}
	if len(ran) != 3 || ran[0] != 0 || ran[2] != 2 {
		t.Errorf("work ran as %v, want queue order", ran)
	}
	if c.ExitRequested() || cl.RunSafeWork(c) != 0 {
		t.Error("queue not drained")
	}
	if cl.InExclusive() || c.InExclusive() {
		t.Error("exclusive flag left set")
	}
}

func TestExitRequest(t *testing.T) {
	c := NewCluster().NewCPU(nil)
	c.RequestExit()
	if !c.ExitRequested() {
		t.Fatal("RequestExit not seen")
	}
	c.ClearExitRequest()
	if c.ExitRequested() {
		t.Error("ClearExitRequest did not clear")
	}
}
