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
	"rvos.dev/rvos/pkg/usermem"
)

// TranslateRange translates the user buffer [va, va+length) into a span
// sequence over its backing frames.
//
// Virtually adjacent pages whose physical pages are consecutive are
// coalesced into one span, so the sequence has one entry per physically
// contiguous run. If any page of the range fails translation the whole
// call fails with usermem.ErrInvalidUserPointer; a partial sequence is
// never returned. No bytes are copied; the spans are views over the
// frames, and their concatenation is exactly the length requested.
func (as *AddressSpace) TranslateRange(va memarch.VirtAddr, length int) (usermem.SpanSeq, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if length < 0 {
		return usermem.SpanSeq{}, fmt.Errorf("negative length %d", length)
	}
	if length == 0 {
		return usermem.SpanSeq{}, nil
	}
	if _, ok := va.AddLength(uint64(length)); !ok {
		return usermem.SpanSeq{}, fmt.Errorf("range [%s, +%#x) wraps: %w", va, length, usermem.ErrInvalidUserPointer)
	}

	type run struct {
		start memarch.PhysAddr
		n     uint64
	}
	var runs []run
	cur := va
	remaining := uint64(length)
	for remaining > 0 {
		pa, ok := as.pt.TranslateAddr(cur)
		if !ok {
			return usermem.SpanSeq{}, fmt.Errorf("%s: %w", cur, usermem.ErrInvalidUserPointer)
		}
		n := memarch.PageSize - cur.PageOffset()
		if n > remaining {
			n = remaining
		}
		if len(runs) > 0 && runs[len(runs)-1].start+memarch.PhysAddr(runs[len(runs)-1].n) == pa {
			runs[len(runs)-1].n += n
		} else {
			runs = append(runs, run{start: pa, n: n})
		}
		cur += memarch.VirtAddr(n)
		remaining -= n
	}
	spans := make([]usermem.Span, 0, len(runs))
	for _, r := range runs {
		spans = append(spans, usermem.Span{
			Addr:  uint64(r.start),
			Bytes: as.alloc.SliceAt(r.start, r.n),
		})
	}
	return usermem.SeqFromSpans(spans), nil
}

// CopyIn copies len(dst) bytes from the memory mapped at va into dst. The
// whole range must translate; no partial copy is performed.
func (as *AddressSpace) CopyIn(va memarch.VirtAddr, dst []byte) (int, error) {
	seq, err := as.TranslateRange(va, len(dst))
	if err != nil {
		return 0, err
	}
	return seq.CopyIn(dst), nil
}

// CopyOut copies len(src) bytes from src to the memory mapped at va. The
// whole range must translate; no partial copy is performed.
func (as *AddressSpace) CopyOut(va memarch.VirtAddr, src []byte) (int, error) {
	seq, err := as.TranslateRange(va, len(src))
	if err != nil {
		return 0, err
	}
	return seq.CopyOut(src), nil
}

// ZeroOut writes n zero bytes starting at va.
func (as *AddressSpace) ZeroOut(va memarch.VirtAddr, n int) (uint64, error) {
	seq, err := as.TranslateRange(va, n)
	if err != nil {
		return 0, err
	}
	return seq.ZeroOut(), nil
}
