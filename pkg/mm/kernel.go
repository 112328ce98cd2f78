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

package mm

import (
	"fmt"

	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
	"rvos.dev/rvos/pkg/pagetable"
)

// NewKernelSpace builds the supervisor address space: the entire managed
// physical extent identity-mapped (virtual page number equal to physical
// page number) with global read/write/execute permissions. The mapping
// borrows the frames — the allocator keeps handing them to user spaces —
// so tearing the kernel space down releases no RAM.
//
// The returned space's SATP value is what supervisor mode runs under once
// paging is enabled.
func NewKernelSpace(alloc *buddy.Allocator, ops ksync.InterruptOps) (*AddressSpace, error) {
	as, err := New(alloc, ops)
	if err != nil {
		return nil, err
	}
	ext := alloc.Extent()
	ppns := make([]memarch.PhysPageNum, 0, ext.Length())
	for ppn := ext.Start; ppn < ext.End; ppn++ {
		ppns = append(ppns, ppn)
	}
	vr := memarch.VirtPageRange{
		Start: memarch.VirtPageNum(ext.Start),
		End:   memarch.VirtPageNum(ext.End),
	}
	flags := pagetable.FlagReadable | pagetable.FlagWritable | pagetable.FlagExecutable | pagetable.FlagGlobal
	if err := as.MapShared(vr, ppns, flags); err != nil {
		as.Destroy()
		return nil, fmt.Errorf("identity-mapping %s: %w", ext, err)
	}
	return as, nil
}
