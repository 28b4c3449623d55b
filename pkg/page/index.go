package page

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"tbcache/pkg/constants"
	"tbcache/pkg/errors"
	"tbcache/pkg/types"
)

// Index maps a physical page number to its descriptor.
type Index interface {
	// Find returns the descriptor for index. With alloc false it returns
	// nil for pages that were never touched.
	Find(index types.PageIndex, alloc bool) *Descriptor
	// Range calls fn for each allocated descriptor in ascending index order
	// until fn returns false.
	Range(fn func(index types.PageIndex, d *Descriptor) bool)
}

type leafBlock [constants.L2Size]Descriptor

// radixNode is a lower level of the radix index. The last level before the
// descriptors uses leaf, every other level uses next.
type radixNode struct {
	next []atomic.Pointer[radixNode]
	leaf []atomic.Pointer[leafBlock]
}

func newRadixNode(last bool) *radixNode {
	if last {
		return &radixNode{leaf: make([]atomic.Pointer[leafBlock], constants.L2Size)}
	}
	return &radixNode{next: make([]atomic.Pointer[radixNode], constants.L2Size)}
}

// RadixIndex is a sparse multi-level array indexed by the bits of the page
// number. Lower levels are allocated on demand and published with a
// compare-and-swap; a goroutine that loses the race drops its allocation.
type RadixIndex struct {
	l1 [constants.L1Size]atomic.Pointer[radixNode]
}

func NewRadixIndex() *RadixIndex {
	return &RadixIndex{}
}

func loadOrInit[T any](p *atomic.Pointer[T], alloc bool, mk func() *T) *T {
	if v := p.Load(); v != nil || !alloc {
		return v
	}
	v := mk()
	if p.CompareAndSwap(nil, v) {
		return v
	}
	return p.Load()
}

// Find panics when asked to allocate a page outside the physical address
// space. Such a page has no code, so a plain lookup returns nil.
func (r *RadixIndex) Find(index types.PageIndex, alloc bool) *Descriptor {
	const mask = constants.L2Size - 1

	if uint64(index) >= constants.PhysPages {
		if alloc {
			errors.Fatal("page %#x outside the %d-bit physical address space", uint64(index), constants.PhysAddrSpaceBits)
		}
		return nil
	}

	slot := &r.l1[(index>>constants.L1Shift)&(constants.L1Size-1)]
	node := loadOrInit(slot, alloc, func() *radixNode {
		return newRadixNode(constants.RadixLevels == 2)
	})

	for i := constants.RadixLevels - 1; i > 1; i-- {
		if node == nil {
			return nil
		}
		last := i == 2
		node = loadOrInit(&node.next[(index>>(i*constants.L2Bits))&mask], alloc, func() *radixNode {
			return newRadixNode(last)
		})
	}
	if node == nil {
		return nil
	}

	block := loadOrInit(&node.leaf[(index>>constants.L2Bits)&mask], alloc, func() *leafBlock {
		return new(leafBlock)
	})
	if block == nil {
		return nil
	}
	return &block[index&mask]
}

func (r *RadixIndex) Range(fn func(index types.PageIndex, d *Descriptor) bool) {
	for i := range r.l1 {
		node := r.l1[i].Load()
		if node == nil {
			continue
		}
		base := types.PageIndex(i) << constants.L1Shift
		if !rangeNode(node, base, constants.RadixLevels-1, fn) {
			return
		}
	}
}

// rangeNode walks a lower level whose entries each cover
// 1<<(level*L2Bits) pages starting at base.
func rangeNode(node *radixNode, base types.PageIndex, level int, fn func(types.PageIndex, *Descriptor) bool) bool {
	if node.leaf != nil {
		for j := range node.leaf {
			block := node.leaf[j].Load()
			if block == nil {
				continue
			}
			first := base + types.PageIndex(j)<<constants.L2Bits
			for k := range block {
				if !fn(first+types.PageIndex(k), &block[k]) {
					return false
				}
			}
		}
		return true
	}
	for j := range node.next {
		child := node.next[j].Load()
		if child == nil {
			continue
		}
		if !rangeNode(child, base+types.PageIndex(j)<<(level*constants.L2Bits), level-1, fn) {
			return false
		}
	}
	return true
}

type treeItem struct {
	index types.PageIndex
	desc  *Descriptor
}

func treeItemLess(a, b treeItem) bool {
	return a.index < b.index
}

// TreeIndex keeps descriptors in an ordered tree. It allocates one
// descriptor per touched page and suits sparse, widely scattered code.
type TreeIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[treeItem]
}

func NewTreeIndex() *TreeIndex {
	return &TreeIndex{tree: btree.NewG(16, treeItemLess)}
}

func (t *TreeIndex) Find(index types.PageIndex, alloc bool) *Descriptor {
	t.mu.RLock()
	item, ok := t.tree.Get(treeItem{index: index})
	t.mu.RUnlock()
	if ok || !alloc {
		return item.desc
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if item, ok := t.tree.Get(treeItem{index: index}); ok {
		return item.desc
	}
	d := &Descriptor{}
	t.tree.ReplaceOrInsert(treeItem{index: index, desc: d})
	return d
}

func (t *TreeIndex) Range(fn func(index types.PageIndex, d *Descriptor) bool) {
	t.mu.RLock()
	items := make([]treeItem, 0, t.tree.Len())
	t.tree.Ascend(func(item treeItem) bool {
		items = append(items, item)
		return true
	})
	t.mu.RUnlock()

	for _, item := range items {
		if !fn(item.index, item.desc) {
			return
		}
	}
}
