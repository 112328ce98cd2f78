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

package pagetable

import (
	"fmt"

	"rvos.dev/rvos/pkg/memarch"
)

// PTEFlags is the flag field of an Sv39 page table entry.
type PTEFlags uint64

// Sv39 page table entry flag bits. The numeric values are the hardware
// encoding and must not change.
const (
	// FlagValid marks the entry as present. An entry with FlagValid clear
	// has no other meaningful bits.
	FlagValid PTEFlags = 1 << 0

	// FlagReadable permits loads through this mapping.
	FlagReadable PTEFlags = 1 << 1

	// FlagWritable permits stores through this mapping.
	FlagWritable PTEFlags = 1 << 2

	// FlagExecutable permits instruction fetches through this mapping.
	FlagExecutable PTEFlags = 1 << 3

	// FlagUser permits U-mode access.
	FlagUser PTEFlags = 1 << 4

	// FlagGlobal marks the mapping as present in all address spaces.
	FlagGlobal PTEFlags = 1 << 5

	// FlagAccessed is set by hardware on first access.
	FlagAccessed PTEFlags = 1 << 6

	// FlagDirty is set by hardware on first write. Must be clear in
	// non-leaf entries.
	FlagDirty PTEFlags = 1 << 7
)

const (
	flagMask = PTEFlags(0xff)

	// ppnMask and ppnShift select the PPN field, PTE bits 53:10. Bits
	// 63:54 are reserved and wired to zero.
	ppnMask  = uint64(0x003f_ffff_ffff_fc00)
	ppnShift = 10
)

// Permissions returns the subset of f that encodes access permissions.
func (f PTEFlags) Permissions() PTEFlags {
	return f & (FlagReadable | FlagWritable | FlagExecutable | FlagUser | FlagGlobal)
}

// String implements fmt.Stringer.
func (f PTEFlags) String() string {
	buf := make([]byte, 0, 8)
	for _, bit := range []struct {
		flag PTEFlags
		c    byte
	}{
		{FlagDirty, 'D'}, {FlagAccessed, 'A'}, {FlagGlobal, 'G'}, {FlagUser, 'U'},
		{FlagExecutable, 'X'}, {FlagWritable, 'W'}, {FlagReadable, 'R'}, {FlagValid, 'V'},
	} {
		if f&bit.flag != 0 {
			buf = append(buf, bit.c)
		} else {
			buf = append(buf, '-')
		}
	}
	return string(buf)
}

// PTE is one Sv39 page table entry. The bit layout is the hardware wire
// format:
//
//	63:54  reserved (zero)
//	53:10  physical page number
//	 9:8   reserved for supervisor software (zero here)
//	 7:0   flags
type PTE uint64

// MakePTE assembles an entry from a physical page number and flags.
func MakePTE(ppn memarch.PhysPageNum, flags PTEFlags) PTE {
	return PTE((uint64(ppn)<<ppnShift)&ppnMask | uint64(flags&flagMask))
}

// Valid returns true if the entry is present.
func (e PTE) Valid() bool { return e&PTE(FlagValid) != 0 }

// Leaf returns true if the entry maps a data page rather than pointing to
// the next table level. Interior entries are distinguished from leaves
// solely by having none of R/W/X set.
func (e PTE) Leaf() bool {
	return e.Valid() && e&PTE(FlagReadable|FlagWritable|FlagExecutable) != 0
}

// Flags returns the entry's flag field.
func (e PTE) Flags() PTEFlags { return PTEFlags(e) & flagMask }

// PPN returns the physical page number field.
func (e PTE) PPN() memarch.PhysPageNum {
	return memarch.PhysPageNum((uint64(e) & ppnMask) >> ppnShift)
}

// String implements fmt.Stringer.
func (e PTE) String() string {
	if !e.Valid() {
		return "pte{invalid}"
	}
	return fmt.Sprintf("pte{%s %s}", e.PPN(), e.Flags())
}
