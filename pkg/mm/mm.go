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

// Package mm implements per-process address spaces.
//
// An AddressSpace owns one Sv39 page table and an ordered set of mapped
// ranges describing every valid mapping. The two structures never
// disagree: every mutation goes through a locked entry point that updates
// both, and any entry point that can fail mid-range rolls back everything
// it installed before returning, so partial success is never observable.
//
// Mapped ranges either own their backing frames (anonymous memory, freed at
// unmap/teardown) or borrow them (shared/file-backed memory, merely
// unmapped). The distinction is a per-range tag, the only behavioral
// difference being what teardown does with the frames.
package mm

import (
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
	"rvos.dev/rvos/pkg/pagetable"
)

// pageBacking records the physical backing of one mapped virtual page.
// frame is set iff the containing area owns the backing.
type pageBacking struct {
	frame *buddy.Frame
	ppn   memarch.PhysPageNum
}

// vmarea is one mapped virtual range. All pages of an area share
// permissions and the owned/borrowed tag.
type vmarea struct {
	vr    memarch.VirtPageRange
	flags pagetable.PTEFlags
	owned bool
	pages map[memarch.VirtPageNum]pageBacking
}

func areaLess(a, b *vmarea) bool { return a.vr.Start < b.vr.Start }

// AddressSpace is the complete virtual-to-physical mapping state of one
// process.
type AddressSpace struct {
	alloc *buddy.Allocator
	ops   ksync.InterruptOps

	// mu serializes every operation on this address space. Operations on
	// distinct address spaces share no state and run fully in parallel.
	mu *ksync.Mutex

	pt *pagetable.PageTable

	// areas holds the mapped ranges ordered by start page. Ranges are
	// non-overlapping, and every page covered by an area is valid in pt.
	areas *btree.BTreeG[*vmarea]

	// brkStart and brk delimit the program-break heap, managed by SetBrk.
	brkStart memarch.VirtAddr
	brk      memarch.VirtAddr

	destroyed bool
}

// New creates an empty address space drawing frames from alloc. ops guards
// the per-space lock; nil behaves like ksync.NopInterrupts.
func New(alloc *buddy.Allocator, ops ksync.InterruptOps) (*AddressSpace, error) {
	pt, err := pagetable.New(alloc)
	if err != nil {
		return nil, fmt.Errorf("creating page table: %w", err)
	}
	return &AddressSpace{
		alloc: alloc,
		ops:   ops,
		mu:    ksync.NewMutex(ops),
		pt:    pt,
		areas: btree.NewG(8, areaLess),
	}, nil
}

// SATP returns the satp value installing this space's page table as the
// active translation root.
func (as *AddressSpace) SATP() uint64 { return as.pt.SATP() }

// areaContaining returns the area covering vpn, or nil.
func (as *AddressSpace) areaContaining(vpn memarch.VirtPageNum) *vmarea {
	var found *vmarea
	as.areas.DescendLessOrEqual(&vmarea{vr: memarch.VirtPageRange{Start: vpn}}, func(a *vmarea) bool {
		if a.vr.Contains(vpn) {
			found = a
		}
		return false
	})
	return found
}

// MapAnonymous maps vr to freshly allocated, zeroed frames that the address
// space owns. On any mid-range failure every frame and entry installed by
// this call is rolled back before the error is returned.
func (as *AddressSpace) MapAnonymous(vr memarch.VirtPageRange, flags pagetable.PTEFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapAnonymousLocked(vr, flags)
}

func (as *AddressSpace) mapAnonymousLocked(vr memarch.VirtPageRange, flags pagetable.PTEFlags) error {
	if err := as.checkRange(vr); err != nil {
		return err
	}
	area := &vmarea{
		vr:    vr,
		flags: flags,
		owned: true,
		pages: make(map[memarch.VirtPageNum]pageBacking, vr.Length()),
	}
	for vpn := vr.Start; vpn < vr.End; vpn++ {
		f, err := as.alloc.AllocateOne()
		if err == nil {
			if merr := as.pt.Map(vpn, f.Base(), flags); merr != nil {
				if derr := as.alloc.Deallocate(f); derr != nil {
					panic(fmt.Sprintf("rollback free of %s failed: %v", f, derr))
				}
				err = merr
			}
		}
		if err != nil {
			as.rollbackLocked(area, vpn)
			return fmt.Errorf("mapping %s: %w", vpn, err)
		}
		area.pages[vpn] = pageBacking{frame: f, ppn: f.Base()}
	}
	as.areas.ReplaceOrInsert(area)
	return nil
}

// MapShared maps vr to the caller-supplied frames, one physical page per
// virtual page. The address space borrows the frames: teardown removes the
// mappings but never frees the backing, which stays owned by the caller
// (typically the page cache for a file-backed mapping).
func (as *AddressSpace) MapShared(vr memarch.VirtPageRange, ppns []memarch.PhysPageNum, flags pagetable.PTEFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.checkRange(vr); err != nil {
		return err
	}
	if uint64(len(ppns)) != vr.Length() {
		return fmt.Errorf("range %s needs %d frames, got %d", vr, vr.Length(), len(ppns))
	}
	area := &vmarea{
		vr:    vr,
		flags: flags,
		owned: false,
		pages: make(map[memarch.VirtPageNum]pageBacking, vr.Length()),
	}
	for i, vpn := 0, vr.Start; vpn < vr.End; i, vpn = i+1, vpn+1 {
		if err := as.pt.Map(vpn, ppns[i], flags); err != nil {
			as.rollbackLocked(area, vpn)
			return fmt.Errorf("mapping %s: %w", vpn, err)
		}
		area.pages[vpn] = pageBacking{ppn: ppns[i]}
	}
	as.areas.ReplaceOrInsert(area)
	return nil
}

// rollbackLocked undoes the pages of area mapped so far, [area.vr.Start,
// upTo).
func (as *AddressSpace) rollbackLocked(area *vmarea, upTo memarch.VirtPageNum) {
	for vpn := area.vr.Start; vpn < upTo; vpn++ {
		pb := area.pages[vpn]
		if err := as.pt.Unmap(vpn); err != nil {
			panic(fmt.Sprintf("rollback unmap of %s failed: %v", vpn, err))
		}
		if area.owned {
			if err := as.alloc.Deallocate(pb.frame); err != nil {
				panic(fmt.Sprintf("rollback free of %s failed: %v", pb.frame, err))
			}
		}
	}
}

func (as *AddressSpace) checkRange(vr memarch.VirtPageRange) error {
	if as.destroyed {
		return fmt.Errorf("address space is destroyed")
	}
	if !vr.WellFormed() || vr.Length() == 0 {
		return fmt.Errorf("invalid range %s", vr)
	}
	if uint64(vr.End) > uint64(1)<<(memarch.VirtAddrBits-memarch.PageShift) {
		return fmt.Errorf("range %s exceeds the implemented virtual address width", vr)
	}
	return nil
}

// Unmap removes every page of vr from the address space. All of vr must be
// covered by mapped ranges; otherwise the call fails with ErrNotMapped and
// mutates nothing. Owned backing frames are returned to the allocator,
// borrowed ones merely unmapped; range records are trimmed or split so the
// non-overlap invariant is preserved.
func (as *AddressSpace) Unmap(vr memarch.VirtPageRange) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapLocked(vr)
}

func (as *AddressSpace) unmapLocked(vr memarch.VirtPageRange) error {
	if err := as.checkRange(vr); err != nil {
		return err
	}
	// Coverage check first; the mutation below must not start unless it
	// can finish.
	affected := make(map[*vmarea]struct{})
	for vpn := vr.Start; vpn < vr.End; vpn++ {
		a := as.areaContaining(vpn)
		if a == nil {
			return fmt.Errorf("%s: %w", vpn, pagetable.ErrNotMapped)
		}
		affected[a] = struct{}{}
	}
	for a := range affected {
		for vpn := range a.pages {
			if !vr.Contains(vpn) {
				continue
			}
			if err := as.pt.Unmap(vpn); err != nil {
				panic(fmt.Sprintf("page table disagrees with mapped range %s at %s: %v", a.vr, vpn, err))
			}
			if a.owned {
				if err := as.alloc.Deallocate(a.pages[vpn].frame); err != nil {
					panic(fmt.Sprintf("freeing backing of %s failed: %v", vpn, err))
				}
			}
			delete(a.pages, vpn)
		}
		as.replaceAreaLocked(a)
	}
	return nil
}

// replaceAreaLocked re-inserts a as zero or more areas covering the
// contiguous runs of its remaining pages.
func (as *AddressSpace) replaceAreaLocked(a *vmarea) {
	as.areas.Delete(a)
	if len(a.pages) == 0 {
		return
	}
	vpns := make([]memarch.VirtPageNum, 0, len(a.pages))
	for vpn := range a.pages {
		vpns = append(vpns, vpn)
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
	start := 0
	for i := 1; i <= len(vpns); i++ {
		if i < len(vpns) && vpns[i] == vpns[i-1]+1 {
			continue
		}
		run := &vmarea{
			vr:    memarch.VirtPageRange{Start: vpns[start], End: vpns[i-1] + 1},
			flags: a.flags,
			owned: a.owned,
			pages: make(map[memarch.VirtPageNum]pageBacking, i-start),
		}
		for _, vpn := range vpns[start:i] {
			run.pages[vpn] = a.pages[vpn]
		}
		as.areas.ReplaceOrInsert(run)
		start = i
	}
}

// MappedPages returns the total number of currently mapped pages.
func (as *AddressSpace) MappedPages() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	var n uint64
	as.areas.Ascend(func(a *vmarea) bool {
		n += uint64(len(a.pages))
		return true
	})
	return n
}

// Destroy tears the address space down: every remaining mapping is
// removed, owned frames and then the page table's interior frames are
// returned to the allocator. Destroy is idempotent.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.destroyLocked()
}

func (as *AddressSpace) destroyLocked() error {
	if as.destroyed {
		return nil
	}
	as.destroyed = true
	var freed uint64
	var firstErr error
	as.areas.Ascend(func(a *vmarea) bool {
		for vpn, pb := range a.pages {
			if err := as.pt.Unmap(vpn); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("unmapping %s: %w", vpn, err)
			}
			if a.owned {
				if err := as.alloc.Deallocate(pb.frame); err != nil && firstErr == nil {
					firstErr = err
				}
				freed++
			}
		}
		return true
	})
	as.areas.Clear(false)
	if err := as.pt.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	logrus.WithField("ownedPagesFreed", freed).Debug("address space destroyed")
	return firstErr
}
