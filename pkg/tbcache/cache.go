package tbcache

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"

	"tbcache/pkg/constants"
	"tbcache/pkg/cpu"
	"tbcache/pkg/errors"
	"tbcache/pkg/jit"
	"tbcache/pkg/page"
	"tbcache/pkg/tb"
	"tbcache/pkg/types"
)

// Page index implementations selectable in Config.
const (
	IndexRadix = "radix"
	IndexBTree = "btree"
)

// Config holds the tunables of a Cache.
type Config struct {
	PageIndex      string `json:"page_index"`
	HashShards     int    `json:"hash_shards"`
	CodeBufferSize int    `json:"code_buffer_size"`
	SMCThreshold   int    `json:"smc_threshold"`

	// Registerer receives the cache metrics when set.
	Registerer prometheus.Registerer `json:"-"`
	// LockObserver sees every page lock when set.
	LockObserver page.LockObserver `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		PageIndex:      IndexRadix,
		HashShards:     constants.DefaultHashShards,
		CodeBufferSize: constants.DefaultCodeBufferSize,
		SMCThreshold:   constants.SMCBitmapThreshold,
	}
}

func (cfg Config) Validate() error {
	switch cfg.PageIndex {
	case IndexRadix, IndexBTree:
	default:
		return errors.Newf("unknown page index %q", cfg.PageIndex)
	}
	if cfg.HashShards < 1 {
		return errors.Newf("hash shards must be positive, got %d", cfg.HashShards)
	}
	if cfg.CodeBufferSize < constants.PageSize {
		return errors.Newf("code buffer of %d bytes is smaller than a page", cfg.CodeBufferSize)
	}
	if cfg.SMCThreshold < 1 {
		return errors.Newf("SMC threshold must be positive, got %d", cfg.SMCThreshold)
	}
	return nil
}

// Protector is the memory-protection layer. A page is protected while any
// block spans it, so guest stores to it are routed through invalidation.
type Protector interface {
	ProtectCode(page types.PageIndex)
	UnprotectCode(page types.PageIndex)
}

// Cache is the translation cache shared by every CPU of a cluster.
//
// Flush resets the page lists without taking their locks, so every other
// operation must run either on a CPU between ExecStart and ExecEnd, inside
// an exclusive section, or under Cluster.RunShared.
type Cache struct {
	cfg     Config
	pages   *page.Table
	hash    *HashTable
	code    *jit.ExecutableMemory
	prot    Protector
	cluster *cpu.Cluster

	// every block published since the last flush, by code offset
	arenaMu sync.Mutex
	arena   *btree.BTreeG[*tb.TB]

	flushCount       atomic.Uint32
	invalidateCount  atomic.Uint64
	publishCount     atomic.Uint64
	publishConflicts atomic.Uint64
	flushRequests    atomic.Uint64
}

func arenaLess(a, b *tb.TB) bool {
	if a.CodeOffset != b.CodeOffset {
		return a.CodeOffset < b.CodeOffset
	}
	return a.PC < b.PC
}

// New creates a cache over the given protection layer and cluster.
func New(cfg Config, prot Protector, cluster *cpu.Cluster) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid cache config")
	}
	if prot == nil || cluster == nil {
		return nil, errors.New("cache needs a protector and a cluster")
	}
	code, err := jit.NewExecutableMemory(cfg.CodeBufferSize)
	if err != nil {
		return nil, err
	}

	var ix page.Index
	if cfg.PageIndex == IndexBTree {
		ix = page.NewTreeIndex()
	} else {
		ix = page.NewRadixIndex()
	}

	c := &Cache{
		cfg:     cfg,
		pages:   page.NewTable(ix, cfg.LockObserver),
		hash:    NewHashTable(cfg.HashShards),
		code:    code,
		prot:    prot,
		cluster: cluster,
		arena:   btree.NewG(32, arenaLess),
	}
	if cfg.Registerer != nil {
		if err := c.registerMetrics(cfg.Registerer); err != nil {
			code.Free()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the code buffer.
func (c *Cache) Close() error {
	return c.code.Free()
}

// CodeBuffer is where translators place host code.
func (c *Cache) CodeBuffer() *jit.ExecutableMemory {
	return c.code
}

func (c *Cache) Cluster() *cpu.Cluster {
	return c.cluster
}

// Pages exposes the page table.
func (c *Cache) Pages() *page.Table {
	return c.pages
}

// Publish links t into the page lists of physPC's page and, when the block
// crosses a page, of physPage2, then inserts it in the hash table. If an
// equivalent block was published first, t is unlinked again and the
// existing block is returned; otherwise t is returned.
func (c *Cache) Publish(t *tb.TB, physPC types.PageAddr, physPage2 types.PageAddr) *tb.TB {
	t.PageAddr[0] = physPC.PageBase()
	t.PageAddr[1] = physPage2
	if physPage2 != types.InvalidPage {
		t.PageAddr[1] = physPage2.PageBase()
	}

	coll := c.pages.LockPair(t.PageAddr[0], t.PageAddr[1])
	defer coll.Unlock()

	for slot, addr := range t.PageAddr {
		if addr == types.InvalidPage {
			continue
		}
		if coll.Token(addr.Index()).Add(t, slot) {
			c.prot.ProtectCode(addr.Index())
		}
	}

	existing, inserted := c.hash.InsertIfAbsent(t)
	if !inserted {
		for _, addr := range t.PageAddr {
			if addr == types.InvalidPage {
				continue
			}
			tok := coll.Token(addr.Index())
			tok.Remove(t)
			if tok.Empty() {
				c.prot.UnprotectCode(addr.Index())
			}
		}
		c.publishConflicts.Add(1)
		return existing
	}

	c.arenaMu.Lock()
	c.arena.ReplaceOrInsert(t)
	c.arenaMu.Unlock()
	c.publishCount.Add(1)
	return t
}

// Lookup returns the valid block with key k, or nil.
func (c *Cache) Lookup(k tb.Key) *tb.TB {
	return c.hash.Lookup(k)
}

// FindByHostPC returns the block whose host code contains offset, or nil.
func (c *Cache) FindByHostPC(offset int) *tb.TB {
	if !c.code.Contains(offset) {
		return nil
	}
	c.arenaMu.Lock()
	defer c.arenaMu.Unlock()

	var found *tb.TB
	probe := &tb.TB{CodeOffset: offset, PC: ^types.GuestAddr(0)}
	c.arena.DescendLessOrEqual(probe, func(t *tb.TB) bool {
		found = t
		return false
	})
	if found == nil || offset >= found.CodeOffset+len(found.Code) {
		return nil
	}
	return found
}

// FlushJumpCachePage drops every CPU's jump cache entries for blocks that
// may start on, or run into, the guest page of addr. Used when the guest
// mapping of that page changes.
func (c *Cache) FlushJumpCachePage(addr types.GuestAddr) {
	c.cluster.Each(func(cp *cpu.CPU) {
		cp.JumpCache.FlushPage(addr.PageBase())
	})
}

// FlushCount returns the flush generation.
func (c *Cache) FlushCount() uint32 {
	return c.flushCount.Load()
}

// InvalidateCount returns the number of blocks invalidated so far.
func (c *Cache) InvalidateCount() uint64 {
	return c.invalidateCount.Load()
}

// Stats is a snapshot of cache occupancy and activity.
type Stats struct {
	TBs              int
	ArenaTBs         int
	CrossPageTBs     int
	DirectJumps      [2]int
	ChainedJumps     int
	CodeBytes        int
	CodeCapacity     int
	Publishes        uint64
	PublishConflicts uint64
	Invalidations    uint64
	Flushes          uint32
	FlushRequests    uint64
	LockRetries      uint64
}

// Stats walks the arena. It is meant for diagnostics, not hot paths.
func (c *Cache) Stats() Stats {
	s := Stats{
		TBs:              c.hash.Len(),
		CodeBytes:        c.code.Used(),
		CodeCapacity:     c.code.Capacity(),
		Publishes:        c.publishCount.Load(),
		PublishConflicts: c.publishConflicts.Load(),
		Invalidations:    c.invalidateCount.Load(),
		Flushes:          c.flushCount.Load(),
		FlushRequests:    c.flushRequests.Load(),
		LockRetries:      c.pages.Retries(),
	}

	c.arenaMu.Lock()
	defer c.arenaMu.Unlock()
	s.ArenaTBs = c.arena.Len()
	c.arena.Ascend(func(t *tb.TB) bool {
		if t.Invalid() {
			return true
		}
		if t.CrossesPage() {
			s.CrossPageTBs++
		}
		for n := 0; n < 2; n++ {
			if t.HasJump[n] {
				s.DirectJumps[n]++
			}
			if t.JumpTarget(n) != nil {
				s.ChainedJumps++
			}
		}
		return true
	})
	return s
}
