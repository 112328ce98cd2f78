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

// Package memutil provides host-mapped memory regions that stand in for
// the machine's physical RAM when the kernel's memory subsystem runs on a
// host (the demo binary and integration tests).
package memutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapRegion maps size bytes of zeroed anonymous memory and returns it as a
// slice. size should be a multiple of the host page size.
func MapRegion(size uintptr) ([]byte, error) {
	addr, _, errno := unix.RawSyscall6(
		unix.SYS_MMAP,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0),
		0)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

// UnmapRegion unmaps a region returned by MapRegion.
func UnmapRegion(region []byte) error {
	ptr := unsafe.SliceData(region)
	_, _, errno := unix.RawSyscall6(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(ptr)), uintptr(cap(region)), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
