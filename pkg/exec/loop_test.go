package exec

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/ram"
	"tbcache/pkg/tbcache"
	"tbcache/pkg/testisa"
	"tbcache/pkg/types"
)

const (
	ramSize     = 64 * 1024
	counterAddr = 0xF000
)

type machine struct {
	ram     *ram.RAM
	cluster *cpu.Cluster
	cache   *tbcache.Cache
	loop    *Loop
}

func newMachine(t *testing.T, mutate func(*tbcache.Config)) *machine {
	t.Helper()
	m := &machine{
		ram:     ram.NewRAM(ramSize),
		cluster: cpu.NewCluster(),
	}
	m.ram.MutateAccessRange(0, ramSize, ram.Mutable)
	cfg := tbcache.DefaultConfig()
	cfg.CodeBufferSize = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	cache, err := tbcache.New(cfg, m.ram, m.cluster)
	if err != nil {
		t.Fatalf("tbcache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	m.cache = cache
	m.loop = NewLoop(cache, &testisa.Translator{RAM: m.ram})
	return m
}

func (m *machine) load(t *testing.T, addr types.GuestAddr, prog ...testisa.Insn) {
	t.Helper()
	if err := m.ram.Load(uint64(addr), testisa.Assemble(prog...)); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func (m *machine) newCPU(pc types.GuestAddr) (*cpu.CPU, *testisa.State) {
	s := testisa.NewState(m.ram, m.cache, pc)
	return m.cluster.NewCPU(s), s
}

func (m *machine) word(t *testing.T, addr uint64) uint32 {
	t.Helper()
	raw, err := m.ram.InspectRange(addr, 4)
	if err != nil {
		t.Fatalf("InspectRange: %v", err)
	}
	return binary.LittleEndian.Uint32(raw)
}

func (m *machine) check(t *testing.T) {
	t.Helper()
	m.cluster.RunSafeWork(nil)
	if err := m.cache.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// countdown sums n, n-1, ..., 1 into r2.
func countdown(n uint16) []testisa.Insn {
	return []testisa.Insn{
		testisa.LoadImm(0, n),
		testisa.LoadImm(2, 0),
		testisa.Add(2, 2, 0), // loop
		testisa.AddImm(0, 0, -1),
		testisa.BranchNZ(0, -2),
		testisa.Halt(),
	}
}

// patchLoop is the self-modifying loop: each pass runs `li r1, k`, adds r1
// to r2 and then rewrites the immediate to k+1, so r2 ends at n(n-1)/2.
// Every pass also increments the word at counterAddr atomically.
func patchLoop(base types.GuestAddr, n uint16) []testisa.Insn {
	return []testisa.Insn{
		testisa.LoadImm(0, n),
		testisa.LoadImm(6, uint16(base)),
		testisa.LoadImm(7, counterAddr),
		testisa.LoadImm(5, 0x8000),
		testisa.Add(5, 5, 5),
		testisa.LoadImm(4, 0x0101),
		testisa.LoadImm(3, 1),
		testisa.Jump(1),
		testisa.LoadImm(1, 0), // loop, patched
		testisa.Add(2, 2, 1),
		testisa.Add(4, 4, 5),
		testisa.Store(4, 6, 8*testisa.InsnSize),
		testisa.AtomicAdd(3, 7),
		testisa.AddImm(0, 0, -1),
		testisa.BranchNZ(0, -6),
		testisa.Halt(),
	}
}

func TestHalt(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x1000, testisa.LoadImm(1, 5), testisa.Halt())
	c, s := m.newCPU(0x1000)

	if err := m.loop.Run(testContext(t), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Regs[1] != 5 || s.PC != 0x1004 {
		t.Errorf("r1 = %d pc = %#x, want 5 and 0x1004", s.Regs[1], uint64(s.PC))
	}
}

func TestLoopChains(t *testing.T) {
	for _, index := range []string{tbcache.IndexRadix, tbcache.IndexBTree} {
		t.Run(index, func(t *testing.T) {
			m := newMachine(t, func(cfg *tbcache.Config) { cfg.PageIndex = index })
			m.load(t, 0x2000, countdown(100)...)
			c, s := m.newCPU(0x2000)

			if err := m.loop.Run(testContext(t), c); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if s.Regs[2] != 5050 {
				t.Errorf("r2 = %d, want 5050", s.Regs[2])
			}
			st := m.cache.Stats()
			if st.Publishes != 3 {
				t.Errorf("Publishes = %d, want 3", st.Publishes)
			}
			if st.ChainedJumps == 0 {
				t.Error("no block was chained")
			}
			m.check(t)
		})
	}
}

// A store that rewrites a later instruction of the running block must be
// seen when that instruction executes.
func TestStoreIntoRunningBlock(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x3000,
		testisa.LoadImm(6, 0x3000),
		testisa.LoadImm(3, 0),
		testisa.Store(3, 6, 4*testisa.InsnSize), // turns insn 4 into halt
		testisa.LoadImm(2, 1),
		testisa.LoadImm(1, 99),
		testisa.Halt(),
	)
	c, s := m.newCPU(0x3000)

	if err := m.loop.Run(testContext(t), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Regs[1] != 0 || s.Regs[2] != 1 {
		t.Errorf("r1 = %d r2 = %d, want 0 and 1", s.Regs[1], s.Regs[2])
	}
	if s.PC != 0x3010 {
		t.Errorf("halted at %#x, want 0x3010", uint64(s.PC))
	}
	if m.cache.InvalidateCount() == 0 {
		t.Error("nothing was invalidated")
	}
	if c.CFlagsNext != cpu.CFlagsNextUnset {
		t.Errorf("CFlagsNext = %#x left set", c.CFlagsNext)
	}
	m.check(t)
}

func TestSelfModifyingLoop(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x1000, patchLoop(0x1000, 50)...)
	c, s := m.newCPU(0x1000)

	if err := m.loop.Run(testContext(t), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := uint64(50 * 49 / 2); s.Regs[2] != want {
		t.Errorf("r2 = %d, want %d", s.Regs[2], want)
	}
	if got := m.word(t, counterAddr); got != 50 {
		t.Errorf("counter = %d, want 50", got)
	}
	m.check(t)
}

func TestAtomicCounterAcrossCPUs(t *testing.T) {
	const cpus, n = 4, 200
	m := newMachine(t, nil)
	m.load(t, 0x1000,
		testisa.LoadImm(0, n),
		testisa.LoadImm(7, counterAddr),
		testisa.LoadImm(3, 1),
		testisa.AtomicAdd(3, 7), // loop
		testisa.AddImm(0, 0, -1),
		testisa.BranchNZ(0, -2),
		testisa.Halt(),
	)
	var all []*cpu.CPU
	for i := 0; i < cpus; i++ {
		c, _ := m.newCPU(0x1000)
		all = append(all, c)
	}

	ctx := testContext(t)
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range all {
		c := c
		g.Go(func() error {
			return m.loop.Run(ctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.word(t, counterAddr); got != cpus*n {
		t.Errorf("counter = %d, want %d", got, cpus*n)
	}
	m.check(t)
}

func TestSelfModifyingLoopsInParallel(t *testing.T) {
	const cpus, n = 3, 40
	m := newMachine(t, nil)
	var states []*testisa.State
	var all []*cpu.CPU
	for i := 0; i < cpus; i++ {
		base := types.GuestAddr(0x1000 * (i + 1))
		m.load(t, base, patchLoop(base, n)...)
		c, s := m.newCPU(base)
		all = append(all, c)
		states = append(states, s)
	}

	g, ctx := errgroup.WithContext(testContext(t))
	for _, c := range all {
		c := c
		g.Go(func() error {
			return m.loop.Run(ctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, s := range states {
		if s.Regs[2] != n*(n-1)/2 {
			t.Errorf("cpu %d: r2 = %d, want %d", i, s.Regs[2], n*(n-1)/2)
		}
	}
	if got := m.word(t, counterAddr); got != cpus*n {
		t.Errorf("counter = %d, want %d", got, cpus*n)
	}
	m.check(t)
}

func TestCodeBufferExhaustionFlushes(t *testing.T) {
	m := newMachine(t, func(cfg *tbcache.Config) { cfg.CodeBufferSize = 4096 })
	m.load(t, 0x1000, patchLoop(0x1000, 300)...)
	c, s := m.newCPU(0x1000)

	if err := m.loop.Run(testContext(t), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := uint64(300 * 299 / 2); s.Regs[2] != want {
		t.Errorf("r2 = %d, want %d", s.Regs[2], want)
	}
	if m.cache.FlushCount() == 0 {
		t.Error("cache never flushed")
	}
	m.check(t)
}

func TestCrossPageBlock(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x1ff8, testisa.LoadImm(1, 1), testisa.LoadImm(2, 2), testisa.LoadImm(3, 3), testisa.Halt())
	c, s := m.newCPU(0x1ff8)

	if err := m.loop.Run(testContext(t), c); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Regs[3] != 3 {
		t.Errorf("r3 = %d, want 3", s.Regs[3])
	}
	if st := m.cache.Stats(); st.CrossPageTBs != 1 {
		t.Errorf("CrossPageTBs = %d, want 1", st.CrossPageTBs)
	}
	if !m.ram.IsCodeProtected(1) || !m.ram.IsCodeProtected(2) {
		t.Error("both pages of the block must be protected")
	}
	m.check(t)
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x1000, testisa.Jump(0))
	c, _ := m.newCPU(0x1000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.loop.Run(ctx, c); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want deadline exceeded", err)
	}
}

func TestGuestException(t *testing.T) {
	m := newMachine(t, nil)
	m.load(t, 0x1000, testisa.LoadImm(1, 1), testisa.Insn{Op: 0xee})
	c, _ := m.newCPU(0x1000)

	err := m.loop.Run(testContext(t), c)
	if !errors.Is(err, ErrGuestException) {
		t.Fatalf("Run = %v, want a guest exception", err)
	}
}

func TestUnmappedPC(t *testing.T) {
	m := newMachine(t, nil)
	c, _ := m.newCPU(ramSize + 0x1000)
	if err := m.loop.Run(testContext(t), c); err == nil {
		t.Error("Run at an unmapped pc succeeded")
	}
}
