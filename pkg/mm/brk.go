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

	"rvos.dev/rvos/pkg/memarch"
	"rvos.dev/rvos/pkg/pagetable"
)

// InitBrk sets the initial program break. The loader calls this once after
// placing the program's segments; the heap starts empty with brk ==
// brkStart.
func (as *AddressSpace) InitBrk(va memarch.VirtAddr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.brkStart = va
	as.brk = va
}

// Brk returns the current program break.
func (as *AddressSpace) Brk() memarch.VirtAddr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.brk
}

// SetBrk moves the program break to va and returns the resulting break.
//
// Growth maps the new whole pages anonymously with user read/write
// permissions; shrinking unmaps the vacated pages. va == 0 queries the
// current break. Moving below the initial break fails, returning the
// unchanged break alongside the error.
func (as *AddressSpace) SetBrk(va memarch.VirtAddr) (memarch.VirtAddr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if va == 0 {
		return as.brk, nil
	}
	if va < as.brkStart {
		return as.brk, fmt.Errorf("break %s below initial break %s", va, as.brkStart)
	}
	oldEnd, _ := as.brk.RoundUp()
	newEnd, ok := va.RoundUp()
	if !ok {
		return as.brk, fmt.Errorf("break %s wraps", va)
	}
	switch {
	case newEnd > oldEnd:
		vr := memarch.VirtPageRange{Start: oldEnd.PageNumber(), End: newEnd.PageNumber()}
		flags := pagetable.FlagReadable | pagetable.FlagWritable | pagetable.FlagUser
		if err := as.mapAnonymousLocked(vr, flags); err != nil {
			return as.brk, fmt.Errorf("growing heap: %w", err)
		}
	case newEnd < oldEnd:
		vr := memarch.VirtPageRange{Start: newEnd.PageNumber(), End: oldEnd.PageNumber()}
		if err := as.unmapLocked(vr); err != nil {
			return as.brk, fmt.Errorf("shrinking heap: %w", err)
		}
	}
	as.brk = va
	return as.brk, nil
}
