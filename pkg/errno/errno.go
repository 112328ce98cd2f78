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

// Package errno maps the memory core's error kinds to the error codes the
// syscall ABI hands back to user programs.
package errno

import (
	"errors"

	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/pagetable"
	"rvos.dev/rvos/pkg/usermem"
)

// Errno is a RISC-V Linux-ABI error number.
type Errno uintptr

// Error numbers returned by the memory syscall family.
const (
	EPERM  Errno = 1
	ENOENT Errno = 2
	ENOMEM Errno = 12
	EFAULT Errno = 14
	EEXIST Errno = 17
	EINVAL Errno = 22
)

// Error implements error.
func (e Errno) Error() string {
	switch e {
	case EPERM:
		return "operation not permitted"
	case ENOENT:
		return "no such file or directory"
	case ENOMEM:
		return "out of memory"
	case EFAULT:
		return "bad address"
	case EEXIST:
		return "file exists"
	case EINVAL:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

// FromError translates an error from the memory core into the errno the
// syscall layer reports: allocator exhaustion becomes ENOMEM, an
// untranslatable or unmapped user address becomes EFAULT, overlapping
// mappings become EEXIST, and anything else is a caller argument problem,
// EINVAL.
func FromError(err error) Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, buddy.ErrExhausted):
		return ENOMEM
	case errors.Is(err, usermem.ErrInvalidUserPointer):
		return EFAULT
	case errors.Is(err, pagetable.ErrNotMapped):
		return EFAULT
	case errors.Is(err, pagetable.ErrAlreadyMapped),
		errors.Is(err, pagetable.ErrConflictingMapping):
		return EEXIST
	default:
		return EINVAL
	}
}
