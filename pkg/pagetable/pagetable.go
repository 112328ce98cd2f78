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

// Package pagetable implements the Sv39 three-level page table.
//
// A PageTable owns its root frame and every interior table frame it
// allocates while building mappings; it never owns the leaf data frames its
// entries point to. Those belong to the address space that requested the
// mapping, so destroying a table reclaims interior frames only.
//
// Entries are stored little-endian in the table frames themselves, in the
// hardware-defined layout, so a root installed in satp would be walked
// identically by the MMU.
package pagetable

import (
	"encoding/binary"
	"fmt"

	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/memarch"
)

// ErrAlreadyMapped is returned by Map when a valid leaf entry already
// exists for the virtual page. Existing mappings are never silently
// overwritten.
var ErrAlreadyMapped = fmt.Errorf("virtual page is already mapped")

// ErrConflictingMapping is returned when a walk expecting a next-level
// table finds a leaf entry, i.e. an existing mapping at a coarser
// granularity overlaps the requested page.
var ErrConflictingMapping = fmt.Errorf("conflicting mapping at a coarser granularity")

// ErrNotMapped is returned by Unmap when the virtual page has no valid
// mapping.
var ErrNotMapped = fmt.Errorf("virtual page is not mapped")

// PageTable is one Sv39 translation tree.
//
// PageTable is not self-synchronizing; the owning address space serializes
// access to it.
type PageTable struct {
	alloc *buddy.Allocator

	// root is the table frame the hardware would walk from; it is also
	// interior[0].
	root memarch.PhysPageNum

	// interior holds every table frame this PageTable has allocated,
	// root included. Entries reference these frames by physical page
	// number only; the Frames here exist so Release can return them.
	interior []*buddy.Frame

	released bool
}

// New creates an empty page table with a freshly allocated, zeroed root
// frame.
func New(alloc *buddy.Allocator) (*PageTable, error) {
	rootFrame, err := alloc.AllocateOne()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &PageTable{
		alloc:    alloc,
		root:     rootFrame.Base(),
		interior: []*buddy.Frame{rootFrame},
	}, nil
}

// Root returns the physical page number of the root table frame.
func (pt *PageTable) Root() memarch.PhysPageNum { return pt.root }

// SATP returns the value that installs this table as a hart's active
// translation root: Sv39 mode in bits 63:60, root PPN in bits 43:0. The
// scheduler writes this to satp on context switch.
func (pt *PageTable) SATP() uint64 {
	return uint64(memarch.SatpModeSv39)<<60 | uint64(pt.root)
}

// entryAt loads the idx'th entry of the table frame at table.
func (pt *PageTable) entryAt(table memarch.PhysPageNum, idx uint16) PTE {
	b := pt.alloc.PageBytes(table)
	return PTE(binary.LittleEndian.Uint64(b[int(idx)*8:]))
}

// setEntryAt stores the idx'th entry of the table frame at table.
func (pt *PageTable) setEntryAt(table memarch.PhysPageNum, idx uint16, e PTE) {
	b := pt.alloc.PageBytes(table)
	binary.LittleEndian.PutUint64(b[int(idx)*8:], uint64(e))
}

// walk descends to the last-level table for vpn and returns its page
// number. If create is set, invalid interior entries are populated with
// freshly allocated, zeroed table frames; otherwise an invalid interior
// entry fails with ErrNotMapped. A valid leaf at an interior level fails
// with ErrConflictingMapping either way.
func (pt *PageTable) walk(vpn memarch.VirtPageNum, create bool) (memarch.PhysPageNum, error) {
	idx := vpn.Indexes()
	table := pt.root
	for level := 0; level < memarch.PTLevels-1; level++ {
		e := pt.entryAt(table, idx[level])
		switch {
		case !e.Valid():
			if !create {
				return 0, fmt.Errorf("level %d: %w", level, ErrNotMapped)
			}
			next, err := pt.alloc.AllocateOne()
			if err != nil {
				return 0, fmt.Errorf("allocating level-%d table: %w", level+1, err)
			}
			pt.interior = append(pt.interior, next)
			pt.setEntryAt(table, idx[level], MakePTE(next.Base(), FlagValid))
			table = next.Base()
		case e.Leaf():
			return 0, fmt.Errorf("level %d: %w", level, ErrConflictingMapping)
		default:
			table = e.PPN()
		}
	}
	return table, nil
}

// Map installs a leaf entry translating vpn to ppn with the given
// permissions. flags must include at least one of R/W/X; FlagValid is
// implied. A valid entry already present for vpn fails with
// ErrAlreadyMapped.
func (pt *PageTable) Map(vpn memarch.VirtPageNum, ppn memarch.PhysPageNum, flags PTEFlags) error {
	if flags&(FlagReadable|FlagWritable|FlagExecutable) == 0 {
		panic(fmt.Sprintf("leaf mapping for %s needs at least one of R/W/X", vpn))
	}
	table, err := pt.walk(vpn, true)
	if err != nil {
		return err
	}
	last := vpn.Indexes()[memarch.PTLevels-1]
	if pt.entryAt(table, last).Valid() {
		return fmt.Errorf("%s: %w", vpn, ErrAlreadyMapped)
	}
	pt.setEntryAt(table, last, MakePTE(ppn, flags|FlagValid))
	return nil
}

// Unmap clears the leaf entry for vpn. Interior table frames are not
// reclaimed even if the unmap leaves them empty; they are returned to the
// allocator in one batch by Release at address-space teardown.
func (pt *PageTable) Unmap(vpn memarch.VirtPageNum) error {
	table, err := pt.walk(vpn, false)
	if err != nil {
		return err
	}
	last := vpn.Indexes()[memarch.PTLevels-1]
	if !pt.entryAt(table, last).Valid() {
		return fmt.Errorf("%s: %w", vpn, ErrNotMapped)
	}
	pt.setEntryAt(table, last, 0)
	return nil
}

// Translate walks the table for vpn without mutating it. ok is false if any
// entry on the path is invalid or the path does not end in a leaf.
func (pt *PageTable) Translate(vpn memarch.VirtPageNum) (pte PTE, ok bool) {
	idx := vpn.Indexes()
	table := pt.root
	for level := 0; level < memarch.PTLevels-1; level++ {
		e := pt.entryAt(table, idx[level])
		if !e.Valid() || e.Leaf() {
			return 0, false
		}
		table = e.PPN()
	}
	e := pt.entryAt(table, idx[memarch.PTLevels-1])
	if !e.Leaf() {
		return 0, false
	}
	return e, true
}

// TranslateAddr translates a virtual byte address, carrying the page
// offset through.
func (pt *PageTable) TranslateAddr(va memarch.VirtAddr) (memarch.PhysAddr, bool) {
	e, ok := pt.Translate(va.PageNumber())
	if !ok {
		return 0, false
	}
	return e.PPN().Offset(va.PageOffset()), true
}

// Release returns every interior table frame, the root included, to the
// allocator. The table must not be used afterwards. Leaf data frames are
// untouched; their owner reclaims them separately.
func (pt *PageTable) Release() error {
	if pt.released {
		return nil
	}
	pt.released = true
	for _, f := range pt.interior {
		if err := pt.alloc.Deallocate(f); err != nil {
			return fmt.Errorf("releasing interior table frame %s: %w", f.Base(), err)
		}
	}
	pt.interior = nil
	return nil
}
