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

// Package memarch defines the address types and translation constants of
// the RISC-V Sv39 virtual memory architecture.
//
// Physical and virtual addresses are distinct types so that they cannot be
// confused; both carry the in-page offset in their low PageShift bits and
// the page number in the remainder. Converting an address to its page
// number truncates the offset; converting back is explicit, either to the
// page-aligned start (Start) or to a chosen offset within the page
// (Offset).
package memarch

const (
	// PageShift is the width of the in-page offset.
	PageShift = 12

	// PageSize is the only supported base page size.
	PageSize = 1 << PageShift

	// PTLevels is the number of page table levels in Sv39.
	PTLevels = 3

	// PTIndexBits is the width of one per-level index slice of a virtual
	// page number.
	PTIndexBits = 9

	// PTEntriesPerTable is the number of entries in one table frame.
	PTEntriesPerTable = 1 << PTIndexBits

	// VirtAddrBits is the implemented virtual address width.
	VirtAddrBits = 39

	// PhysAddrBits is the maximum physical address width.
	PhysAddrBits = 56

	// SatpModeSv39 is the MODE field value selecting Sv39 translation in
	// the satp register.
	SatpModeSv39 = 8
)
