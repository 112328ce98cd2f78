// Copyright 2024 The rvos Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buddy implements the physical frame allocator.
//
// The allocator manages a single contiguous physical extent and hands out
// power-of-two-sized runs of page frames using the classic buddy system:
// allocation of order k splits a free block of order k+1 when no order-k
// block is available, and deallocation repeatedly merges a freed block with
// its address-XOR buddy while the buddy is free at the same order.
//
// Frames are ownership tokens. A Frame is created only by Allocate and dies
// only in Deallocate; the live-allocation set rejects double frees and
// frees at the wrong order instead of corrupting the free structure.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
)

// ErrExhausted is returned when no free block of the requested order
// exists. A request is never satisfied with a smaller block.
var ErrExhausted = fmt.Errorf("physical memory exhausted")

// ErrBadFree is returned when Deallocate is handed a Frame that is not a
// live allocation of this allocator, e.g. a double free.
var ErrBadFree = fmt.Errorf("frame is not a live allocation")

// Allocator is a buddy-system allocator over one physical extent.
//
// All buddy bookkeeping is in page indexes relative to the extent base, so
// the base itself need not be aligned to the largest block size. The free
// structure is protected by a single interrupt-safe lock; no operation
// blocks while holding it.
type Allocator struct {
	base    memarch.PhysAddr
	backing []byte
	pages   uint64

	// maxOrder is the largest order the extent can satisfy, inclusive.
	maxOrder int

	mu *ksync.Mutex

	// free holds, per order, the set of free blocks at that order keyed
	// by base-relative page index. Map membership gives O(1) buddy
	// lookup, insertion and arbitrary removal.
	free []map[uint64]struct{}

	// allocated maps the relative page index of every live allocation to
	// its order.
	allocated map[uint64]int

	freePages uint64
}

// New constructs an allocator over the physical extent starting at base and
// backed by backing, whose bytes stand in for the managed RAM. base must be
// page-aligned and backing a non-empty whole number of pages.
func New(base memarch.PhysAddr, backing []byte, ops ksync.InterruptOps) (*Allocator, error) {
	if !base.IsPageAligned() {
		return nil, fmt.Errorf("extent base %s is not page-aligned", base)
	}
	if len(backing) == 0 || len(backing)%memarch.PageSize != 0 {
		return nil, fmt.Errorf("extent size %#x is not a positive multiple of the page size", len(backing))
	}
	pages := uint64(len(backing) / memarch.PageSize)
	maxOrder := bits.Len64(pages) - 1
	a := &Allocator{
		base:      base,
		backing:   backing,
		pages:     pages,
		maxOrder:  maxOrder,
		mu:        ksync.NewMutex(ops),
		free:      make([]map[uint64]struct{}, maxOrder+1),
		allocated: make(map[uint64]int),
		freePages: pages,
	}
	for i := range a.free {
		a.free[i] = make(map[uint64]struct{})
	}
	// Seed the free lists with maximal aligned blocks covering the
	// extent.
	for cur, rem := uint64(0), pages; rem > 0; {
		order := maxOrder
		if cur != 0 && bits.TrailingZeros64(cur) < order {
			order = bits.TrailingZeros64(cur)
		}
		for uint64(1)<<order > rem {
			order--
		}
		a.free[order][cur] = struct{}{}
		cur += uint64(1) << order
		rem -= uint64(1) << order
	}
	logrus.WithFields(logrus.Fields{
		"base":  base,
		"pages": pages,
		"order": maxOrder,
	}).Debug("frame allocator initialized")
	return a, nil
}

// Extent returns the managed physical page range.
func (a *Allocator) Extent() memarch.PhysPageRange {
	start := a.base.PageNumber()
	return memarch.PhysPageRange{Start: start, End: start + memarch.PhysPageNum(a.pages)}
}

// TotalPages returns the number of pages in the managed extent.
func (a *Allocator) TotalPages() uint64 { return a.pages }

// FreePages returns the current number of free pages.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePages
}

// MaxOrder returns the largest allocatable order, inclusive.
func (a *Allocator) MaxOrder() int { return a.maxOrder }

// Allocate removes and returns a block of 2^order contiguous frames. The
// block's contents are zero-filled. Requests above the maximum supported
// order fail with ErrExhausted, as do requests the free structure cannot
// satisfy; a request is never satisfied with a smaller block.
func (a *Allocator) Allocate(order int) (*Frame, error) {
	if order < 0 {
		panic(fmt.Sprintf("negative order %d", order))
	}
	rel, err := a.allocateIndex(order)
	if err != nil {
		return nil, err
	}
	f := &Frame{
		alloc: a,
		base:  a.base.PageNumber() + memarch.PhysPageNum(rel),
		order: order,
	}
	// Zero outside the lock; the block is exclusively owned already.
	clear(f.Bytes())
	return f, nil
}

// AllocateOne returns a single zeroed frame; shorthand for Allocate(0).
func (a *Allocator) AllocateOne() (*Frame, error) {
	return a.Allocate(0)
}

func (a *Allocator) allocateIndex(order int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if order > a.maxOrder {
		return 0, fmt.Errorf("order %d above maximum %d: %w", order, a.maxOrder, ErrExhausted)
	}
	k := order
	for k <= a.maxOrder && len(a.free[k]) == 0 {
		k++
	}
	if k > a.maxOrder {
		return 0, fmt.Errorf("no free block of order %d: %w", order, ErrExhausted)
	}
	var rel uint64
	for rel = range a.free[k] {
		break
	}
	delete(a.free[k], rel)
	// Split down to the requested order, freeing the upper buddy at each
	// step.
	for k > order {
		k--
		a.free[k][rel+uint64(1)<<k] = struct{}{}
	}
	a.allocated[rel] = order
	a.freePages -= uint64(1) << order
	return rel, nil
}

// Deallocate returns f to the free structure, merging it with its buddy as
// far as possible. Returning a frame twice, or a frame this allocator did
// not issue, fails with ErrBadFree and leaves the allocator untouched.
func (a *Allocator) Deallocate(f *Frame) error {
	if f == nil || f.alloc != a {
		return fmt.Errorf("frame does not belong to this allocator: %w", ErrBadFree)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// A released token must be rejected here, not just in the allocated
	// map: once the block is reissued the map holds the same index and
	// order again, and a stale free would put the new owner's live block
	// on the free list.
	if f.released {
		return fmt.Errorf("%s order %d already freed: %w", f.base, f.order, ErrBadFree)
	}
	rel := uint64(f.base - a.base.PageNumber())
	order, ok := a.allocated[rel]
	if !ok || order != f.order {
		return fmt.Errorf("%s order %d: %w", f.base, f.order, ErrBadFree)
	}
	delete(a.allocated, rel)
	// Merge with the buddy while it is free at the same order.
	idx, k := rel, order
	for k < a.maxOrder {
		buddy := idx ^ (uint64(1) << k)
		if _, ok := a.free[k][buddy]; !ok {
			break
		}
		delete(a.free[k], buddy)
		if buddy < idx {
			idx = buddy
		}
		k++
	}
	a.free[k][idx] = struct{}{}
	a.freePages += uint64(1) << order
	f.released = true
	return nil
}

// PageBytes returns the backing bytes of the physical page ppn. It panics
// if ppn is outside the managed extent.
//
// Page tables use this to resolve the physical page numbers stored in their
// entries; frames are referenced by number, never by owning pointer, so no
// ownership cycle can form between tables.
func (a *Allocator) PageBytes(ppn memarch.PhysPageNum) []byte {
	if !a.Extent().Contains(ppn) {
		panic(fmt.Sprintf("%s outside managed extent %s", ppn, a.Extent()))
	}
	off := uint64(ppn-a.base.PageNumber()) * memarch.PageSize
	return a.backing[off : off+memarch.PageSize : off+memarch.PageSize]
}

// SliceAt returns the backing bytes of the physical range [pa, pa+n). It
// panics if any byte of the range falls outside the managed extent.
func (a *Allocator) SliceAt(pa memarch.PhysAddr, n uint64) []byte {
	if pa < a.base || uint64(pa-a.base)+n > a.pages*memarch.PageSize {
		panic(fmt.Sprintf("range [%s, +%#x) outside managed extent %s", pa, n, a.Extent()))
	}
	off := uint64(pa - a.base)
	return a.backing[off : off+n : off+n]
}
