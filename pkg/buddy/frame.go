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

package buddy

import (
	"fmt"

	"rvos.dev/rvos/pkg/memarch"
)

// Frame represents ownership of a block of 2^order contiguous physical
// page frames. Exactly one owner exists at a time: either the holder of
// the Frame or, after Deallocate, the allocator's free structure.
//
// Frames carry no lock of their own; transferring the Frame is the only
// synchronization on its contents.
type Frame struct {
	alloc *Allocator
	base  memarch.PhysPageNum
	order int

	// released is set by Deallocate. Content access after release is a
	// use-after-free and panics.
	released bool
}

// Base returns the first physical page number of the block.
func (f *Frame) Base() memarch.PhysPageNum { return f.base }

// Order returns the buddy order of the block.
func (f *Frame) Order() int { return f.order }

// PageCount returns the number of pages in the block.
func (f *Frame) PageCount() uint64 { return uint64(1) << f.order }

// Range returns the physical page range covered by the block.
func (f *Frame) Range() memarch.PhysPageRange {
	return memarch.PhysPageRange{Start: f.base, End: f.base + memarch.PhysPageNum(f.PageCount())}
}

// Bytes returns the backing bytes of the whole block.
func (f *Frame) Bytes() []byte {
	if f.released {
		panic(fmt.Sprintf("use of released frame at %s", f.base))
	}
	off := uint64(f.base-f.alloc.base.PageNumber()) * memarch.PageSize
	n := f.PageCount() * memarch.PageSize
	return f.alloc.backing[off : off+n : off+n]
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("frame{%s order %d}", f.base, f.order)
}
