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

package errno

import (
	"errors"
	"fmt"
	"testing"

	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/pagetable"
	"rvos.dev/rvos/pkg/usermem"
)

func TestFromError(t *testing.T) {
	for _, test := range []struct {
		err  error
		want Errno
	}{
		{buddy.ErrExhausted, ENOMEM},
		{fmt.Errorf("mapping: %w", buddy.ErrExhausted), ENOMEM},
		{usermem.ErrInvalidUserPointer, EFAULT},
		{pagetable.ErrNotMapped, EFAULT},
		{pagetable.ErrAlreadyMapped, EEXIST},
		{pagetable.ErrConflictingMapping, EEXIST},
		{errors.New("something else"), EINVAL},
	} {
		if got := FromError(test.err); got != test.want {
			t.Errorf("FromError(%v): got %v, wanted %v", test.err, got, test.want)
		}
	}
}
