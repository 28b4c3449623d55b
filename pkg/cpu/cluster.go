package cpu

import (
	"sync"
	"sync/atomic"

	"tbcache/pkg/errors"
	"tbcache/pkg/tb"
)

// Cluster is the set of CPUs sharing one translation cache. It provides
// exclusive sections: while one runs, no CPU executes translated code.
type Cluster struct {
	mu   sync.Mutex
	cpus []*CPU
	work []func()

	exclusive        sync.RWMutex
	pendingExclusive atomic.Int32
	inExclusive      atomic.Bool
	hasWork          atomic.Bool
}

func NewCluster() *Cluster {
	return &Cluster{}
}

// NewCPU adds a CPU running arch to the cluster.
func (cl *Cluster) NewCPU(arch Arch) *CPU {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	c := &CPU{
		Index:          len(cl.cpus),
		Arch:           arch,
		cluster:        cl,
		ExceptionIndex: ExcpNone,
		CFlagsNext:     CFlagsNextUnset,
	}
	cl.cpus = append(cl.cpus, c)
	return c
}

// CPUs returns a snapshot of the cluster's CPUs.
func (cl *Cluster) CPUs() []*CPU {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return append([]*CPU(nil), cl.cpus...)
}

// Each calls fn for every CPU.
func (cl *Cluster) Each(fn func(c *CPU)) {
	for _, c := range cl.CPUs() {
		fn(c)
	}
}

// CurrCFlags returns the compile flags every new block gets: CFParallel once
// more than one CPU can run at the same time.
func (cl *Cluster) CurrCFlags() tb.CFlags {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.cpus) > 1 {
		return tb.CFParallel
	}
	return 0
}

func (cl *Cluster) wantsSafePoint() bool {
	return cl.pendingExclusive.Load() > 0 || cl.hasWork.Load()
}

// RunExclusive runs fn while no CPU executes translated code. c is the
// calling CPU, or nil when called from outside any CPU; it must not be
// running translated code or already be inside an exclusive section.
func (cl *Cluster) RunExclusive(c *CPU, fn func()) {
	if c != nil {
		if c.running {
			errors.Fatal("cpu %d: exclusive section entered while executing", c.Index)
		}
		if c.inExclusive {
			errors.Fatal("cpu %d: nested exclusive section", c.Index)
		}
	}

	cl.pendingExclusive.Add(1)
	cl.exclusive.Lock()
	cl.pendingExclusive.Add(-1)
	cl.inExclusive.Store(true)
	if c != nil {
		c.inExclusive = true
	}
	defer func() {
		if c != nil {
			c.inExclusive = false
		}
		cl.inExclusive.Store(false)
		cl.exclusive.Unlock()
	}()
	fn()
}

// RunShared runs fn as if it were a CPU executing translated code, so no
// exclusive section overlaps it. Goroutines that are not CPUs use it to
// touch the cache.
func (cl *Cluster) RunShared(fn func()) {
	cl.exclusive.RLock()
	defer cl.exclusive.RUnlock()
	fn()
}

// InExclusive reports whether an exclusive section is running.
func (cl *Cluster) InExclusive() bool {
	return cl.inExclusive.Load()
}

// QueueSafeWork schedules fn to run in an exclusive section at the next
// safe point any CPU reaches, and kicks every CPU out of chained execution.
func (cl *Cluster) QueueSafeWork(fn func()) {
	cl.mu.Lock()
	cl.work = append(cl.work, fn)
	cl.mu.Unlock()
	cl.hasWork.Store(true)
}

// RunSafeWork drains the safe work queue. It returns the number of items
// run.
func (cl *Cluster) RunSafeWork(c *CPU) int {
	if !cl.hasWork.Load() {
		return 0
	}
	cl.mu.Lock()
	work := cl.work
	cl.work = nil
	cl.hasWork.Store(false)
	cl.mu.Unlock()

	for _, fn := range work {
		cl.RunExclusive(c, fn)
	}
	return len(work)
}
