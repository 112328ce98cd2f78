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

// PhysAddr is a physical byte address.
type PhysAddr uint64

// VirtAddr is a virtual byte address.
type VirtAddr uint64

// PageOffset returns the offset of a within its page.
func (a PhysAddr) PageOffset() uint64 { return uint64(a) & (PageSize - 1) }

// PageNumber returns the physical page number of a, truncating the offset.
func (a PhysAddr) PageNumber() PhysPageNum { return PhysPageNum(a >> PageShift) }

// RoundDown returns a rounded down to the nearest page boundary.
func (a PhysAddr) RoundDown() PhysAddr { return a &^ (PageSize - 1) }

// RoundUp returns a rounded up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func (a PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = (a + PageSize - 1).RoundDown()
	return addr, addr >= a
}

// IsPageAligned returns true if a's page offset is zero.
func (a PhysAddr) IsPageAligned() bool { return a.PageOffset() == 0 }

// AddLength returns a+n. ok is true iff the sum did not wrap around.
func (a PhysAddr) AddLength(n uint64) (addr PhysAddr, ok bool) {
	addr = a + PhysAddr(n)
	return addr, addr >= a
}

// String implements fmt.Stringer.
func (a PhysAddr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// PageOffset returns the offset of a within its page.
func (a VirtAddr) PageOffset() uint64 { return uint64(a) & (PageSize - 1) }

// PageNumber returns the virtual page number of a, truncating the offset.
func (a VirtAddr) PageNumber() VirtPageNum { return VirtPageNum(a >> PageShift) }

// RoundDown returns a rounded down to the nearest page boundary.
func (a VirtAddr) RoundDown() VirtAddr { return a &^ (PageSize - 1) }

// RoundUp returns a rounded up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func (a VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (a + PageSize - 1).RoundDown()
	return addr, addr >= a
}

// IsPageAligned returns true if a's page offset is zero.
func (a VirtAddr) IsPageAligned() bool { return a.PageOffset() == 0 }

// AddLength returns a+n. ok is true iff the sum did not wrap around.
func (a VirtAddr) AddLength(n uint64) (addr VirtAddr, ok bool) {
	addr = a + VirtAddr(n)
	return addr, addr >= a
}

// String implements fmt.Stringer.
func (a VirtAddr) String() string { return fmt.Sprintf("%#x", uint64(a)) }
