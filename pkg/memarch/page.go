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

package memarch

import "fmt"

// PhysPageNum is a physical address with the page offset removed.
type PhysPageNum uint64

// VirtPageNum is a virtual address with the page offset removed.
type VirtPageNum uint64

// Start returns the page-aligned address of the first byte of the page.
func (n PhysPageNum) Start() PhysAddr { return PhysAddr(n) << PageShift }

// Offset returns the address off bytes into the page. off must be smaller
// than PageSize.
func (n PhysPageNum) Offset(off uint64) PhysAddr {
	if off >= PageSize {
		panic(fmt.Sprintf("offset %#x exceeds page size", off))
	}
	return n.Start() + PhysAddr(off)
}

// String implements fmt.Stringer.
func (n PhysPageNum) String() string { return fmt.Sprintf("ppn:%#x", uint64(n)) }

// Start returns the page-aligned address of the first byte of the page.
func (n VirtPageNum) Start() VirtAddr { return VirtAddr(n) << PageShift }

// Offset returns the address off bytes into the page. off must be smaller
// than PageSize.
func (n VirtPageNum) Offset(off uint64) VirtAddr {
	if off >= PageSize {
		panic(fmt.Sprintf("offset %#x exceeds page size", off))
	}
	return n.Start() + VirtAddr(off)
}

// Indexes splits n into its per-level page table indexes, most significant
// level first. Each index selects one of the PTEntriesPerTable entries of
// the table at that level.
func (n VirtPageNum) Indexes() [PTLevels]uint16 {
	var idx [PTLevels]uint16
	v := uint64(n)
	for i := PTLevels - 1; i >= 0; i-- {
		idx[i] = uint16(v & (PTEntriesPerTable - 1))
		v >>= PTIndexBits
	}
	return idx
}

// String implements fmt.Stringer.
func (n VirtPageNum) String() string { return fmt.Sprintf("vpn:%#x", uint64(n)) }

// VirtPageRange is a range of virtual pages [Start, End).
type VirtPageRange struct {
	Start VirtPageNum
	End   VirtPageNum
}

// PageRange returns the range of pages [start, start+count).
func PageRange(start VirtPageNum, count uint64) VirtPageRange {
	return VirtPageRange{start, start + VirtPageNum(count)}
}

// WellFormed returns true if r.Start <= r.End.
func (r VirtPageRange) WellFormed() bool { return r.Start <= r.End }

// Length returns the number of pages in r.
func (r VirtPageRange) Length() uint64 { return uint64(r.End - r.Start) }

// NumBytes returns the number of bytes spanned by r.
func (r VirtPageRange) NumBytes() uint64 { return r.Length() * PageSize }

// Contains returns true if vpn lies within r.
func (r VirtPageRange) Contains(vpn VirtPageNum) bool {
	return vpn >= r.Start && vpn < r.End
}

// Overlaps returns true if r and other share at least one page.
func (r VirtPageRange) Overlaps(other VirtPageRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Intersect returns the intersection of r and other, which may be empty.
func (r VirtPageRange) Intersect(other VirtPageRange) VirtPageRange {
	out := r
	if out.Start < other.Start {
		out.Start = other.Start
	}
	if out.End > other.End {
		out.End = other.End
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// String implements fmt.Stringer.
func (r VirtPageRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// PhysPageRange is a range of physical pages [Start, End).
type PhysPageRange struct {
	Start PhysPageNum
	End   PhysPageNum
}

// WellFormed returns true if r.Start <= r.End.
func (r PhysPageRange) WellFormed() bool { return r.Start <= r.End }

// Length returns the number of pages in r.
func (r PhysPageRange) Length() uint64 { return uint64(r.End - r.Start) }

// Contains returns true if ppn lies within r.
func (r PhysPageRange) Contains(ppn PhysPageNum) bool {
	return ppn >= r.Start && ppn < r.End
}

// String implements fmt.Stringer.
func (r PhysPageRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
