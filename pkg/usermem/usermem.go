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

// Package usermem represents user-supplied buffers after translation.
//
// A buffer that is contiguous in virtual memory is usually scattered across
// non-contiguous physical frames. Translation produces a SpanSeq: an
// ordered sequence of physically contiguous runs whose concatenation is
// byte-for-byte the virtual range. The spans are views over the backing
// frames; nothing here copies the underlying bytes, and two non-adjacent
// spans are never merged. Callers that need one real contiguous slice must
// either consume the multi-span form or pay for the copy themselves.
package usermem

import (
	"errors"
	"fmt"
)

// ErrInvalidUserPointer is returned when a virtual page inside a requested
// user buffer fails translation. The syscall layer turns this into the
// architecture's bad-address error; a partial span list is never returned.
var ErrInvalidUserPointer = errors.New("invalid user pointer")

// Span is one physically contiguous run of a translated buffer.
type Span struct {
	// Addr is the physical address of the first byte.
	Addr uint64

	// Bytes is a view over the run's backing memory.
	Bytes []byte
}

// Len returns the length of the span in bytes.
func (s Span) Len() int { return len(s.Bytes) }

// String implements fmt.Stringer.
func (s Span) String() string {
	return fmt.Sprintf("span{%#x +%#x}", s.Addr, len(s.Bytes))
}

// SpanSeq is an ordered sequence of Spans describing one logically
// contiguous buffer.
type SpanSeq struct {
	spans []Span
}

// SeqFromSpans assembles a sequence from spans, dropping empty ones.
func SeqFromSpans(spans []Span) SpanSeq {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.Len() != 0 {
			out = append(out, s)
		}
	}
	return SpanSeq{spans: out}
}

// IsEmpty returns true if the sequence contains no bytes.
func (seq SpanSeq) IsEmpty() bool { return len(seq.spans) == 0 }

// NumSpans returns the number of spans in the sequence.
func (seq SpanSeq) NumSpans() int { return len(seq.spans) }

// NumBytes returns the total number of bytes in the sequence.
func (seq SpanSeq) NumBytes() uint64 {
	var n uint64
	for _, s := range seq.spans {
		n += uint64(s.Len())
	}
	return n
}

// Head returns the first span. It panics if the sequence is empty.
func (seq SpanSeq) Head() Span {
	if seq.IsEmpty() {
		panic("Head of empty SpanSeq")
	}
	return seq.spans[0]
}

// Tail returns everything after the first span.
func (seq SpanSeq) Tail() SpanSeq {
	if seq.IsEmpty() {
		panic("Tail of empty SpanSeq")
	}
	return SpanSeq{spans: seq.spans[1:]}
}

// DropFirst returns the sequence with the first n bytes removed. Dropping
// more bytes than the sequence holds yields an empty sequence.
func (seq SpanSeq) DropFirst(n uint64) SpanSeq {
	out := seq
	for n > 0 && !out.IsEmpty() {
		head := out.spans[0]
		if uint64(head.Len()) > n {
			trimmed := Span{Addr: head.Addr + n, Bytes: head.Bytes[n:]}
			return SpanSeq{spans: append([]Span{trimmed}, out.spans[1:]...)}
		}
		n -= uint64(head.Len())
		out = out.Tail()
	}
	return out
}

// TakeFirst returns the sequence truncated to at most n bytes.
func (seq SpanSeq) TakeFirst(n uint64) SpanSeq {
	var out []Span
	for _, s := range seq.spans {
		if n == 0 {
			break
		}
		if uint64(s.Len()) > n {
			out = append(out, Span{Addr: s.Addr, Bytes: s.Bytes[:n]})
			n = 0
			break
		}
		out = append(out, s)
		n -= uint64(s.Len())
	}
	return SpanSeq{spans: out}
}

// CopyIn copies from the sequence into dst, returning the number of bytes
// copied: min(len(dst), seq.NumBytes()).
func (seq SpanSeq) CopyIn(dst []byte) int {
	done := 0
	for _, s := range seq.spans {
		if done == len(dst) {
			break
		}
		done += copy(dst[done:], s.Bytes)
	}
	return done
}

// CopyOut copies from src into the sequence, returning the number of bytes
// copied: min(len(src), seq.NumBytes()).
func (seq SpanSeq) CopyOut(src []byte) int {
	done := 0
	for _, s := range seq.spans {
		if done == len(src) {
			break
		}
		done += copy(s.Bytes, src[done:])
	}
	return done
}

// ZeroOut writes zeroes to the whole sequence and returns the number of
// bytes zeroed.
func (seq SpanSeq) ZeroOut() uint64 {
	var done uint64
	for _, s := range seq.spans {
		clear(s.Bytes)
		done += uint64(s.Len())
	}
	return done
}

// String implements fmt.Stringer.
func (seq SpanSeq) String() string {
	return fmt.Sprintf("seq%v", seq.spans)
}
