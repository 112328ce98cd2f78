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
)

// Fork duplicates the address space for a child process.
//
// Owned ranges are copied eagerly: the child gets fresh frames with the
// parent's bytes, so later writes on either side stay invisible to the
// other. Borrowed ranges are re-borrowed, both spaces mapping the same
// physical frames. On any mid-fork failure the partially built child is
// torn down and nothing of it survives.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return nil, fmt.Errorf("address space is destroyed")
	}
	child, err := New(as.alloc, as.ops)
	if err != nil {
		return nil, fmt.Errorf("creating child space: %w", err)
	}
	// The child is not yet visible to any other hart, so its lock need
	// not be held while it is populated.
	var forkErr error
	as.areas.Ascend(func(a *vmarea) bool {
		na := &vmarea{
			vr:    a.vr,
			flags: a.flags,
			owned: a.owned,
			pages: make(map[memarch.VirtPageNum]pageBacking, len(a.pages)),
		}
		// Insert before populating so a mid-fork teardown sees every
		// frame transferred so far.
		child.areas.ReplaceOrInsert(na)
		for vpn := a.vr.Start; vpn < a.vr.End; vpn++ {
			pb, ok := a.pages[vpn]
			if !ok {
				continue
			}
			if a.owned {
				f, err := child.alloc.AllocateOne()
				if err != nil {
					forkErr = fmt.Errorf("copying %s: %w", vpn, err)
					return false
				}
				copy(f.Bytes(), pb.frame.Bytes())
				if err := child.pt.Map(vpn, f.Base(), a.flags); err != nil {
					if derr := child.alloc.Deallocate(f); derr != nil {
						panic(fmt.Sprintf("rollback free of %s failed: %v", f, derr))
					}
					forkErr = fmt.Errorf("mapping copy of %s: %w", vpn, err)
					return false
				}
				na.pages[vpn] = pageBacking{frame: f, ppn: f.Base()}
			} else {
				if err := child.pt.Map(vpn, pb.ppn, a.flags); err != nil {
					forkErr = fmt.Errorf("re-borrowing %s: %w", vpn, err)
					return false
				}
				na.pages[vpn] = pageBacking{ppn: pb.ppn}
			}
		}
		return true
	})
	if forkErr != nil {
		child.destroyLocked()
		return nil, forkErr
	}
	child.brkStart = as.brkStart
	child.brk = as.brk
	return child, nil
}
