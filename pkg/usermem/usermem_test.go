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

package usermem

import (
	"bytes"
	"testing"
)

type seqTest struct {
	desc string

	pieces     []string
	haveOffset bool
	offset     uint64
	haveLimit  bool
	limit      uint64

	want string
}

func (t seqTest) SpanSeq() SpanSeq {
	spans := make([]Span, 0, len(t.pieces))
	addr := uint64(0x8000_0000)
	for _, str := range t.pieces {
		spans = append(spans, Span{Addr: addr, Bytes: []byte(str)})
		// Leave a hole so spans are never accidentally contiguous.
		addr += uint64(len(str)) + 64
	}
	seq := SeqFromSpans(spans)
	if t.haveOffset {
		seq = seq.DropFirst(t.offset)
	}
	if t.haveLimit {
		seq = seq.TakeFirst(t.limit)
	}
	return seq
}

var seqTests = []seqTest{
	{
		desc: "Empty sequence",
	},
	{
		desc:   "Single span",
		pieces: []string{"foobar"},
		want:   "foobar",
	},
	{
		desc:   "Two spans",
		pieces: []string{"foo", "bar"},
		want:   "foobar",
	},
	{
		desc:   "Empty pieces dropped",
		pieces: []string{"", "foo", "", "", "bar", ""},
		want:   "foobar",
	},
	{
		desc:       "Non-zero offset",
		pieces:     []string{"foo", "bar"},
		haveOffset: true,
		offset:     2,
		want:       "obar",
	},
	{
		desc:      "Non-maximal limit",
		pieces:    []string{"foo", "bar"},
		haveLimit: true,
		limit:     5,
		want:      "fooba",
	},
	{
		desc:       "Offset and limit",
		pieces:     []string{"foo", "bar"},
		haveOffset: true,
		offset:     2,
		haveLimit:  true,
		limit:      3,
		want:       "oba",
	},
	{
		desc:       "Offset consuming a whole span",
		pieces:     []string{"foo", "bar"},
		haveOffset: true,
		offset:     4,
		want:       "ar",
	},
	{
		desc:       "Offset beyond the sequence",
		pieces:     []string{"foo"},
		haveOffset: true,
		offset:     9,
		want:       "",
	},
}

func TestSeqNumBytes(t *testing.T) {
	for _, test := range seqTests {
		t.Run(test.desc, func(t *testing.T) {
			if got, want := test.SpanSeq().NumBytes(), uint64(len(test.want)); got != want {
				t.Errorf("NumBytes: got %d, wanted %d", got, want)
			}
		})
	}
}

func TestSeqIterSpans(t *testing.T) {
	for _, test := range seqTests {
		t.Run(test.desc, func(t *testing.T) {
			seq := test.SpanSeq()
			var buf bytes.Buffer
			for !seq.IsEmpty() {
				head := seq.Head()
				if head.Len() == 0 {
					t.Fatal("empty span in sequence")
				}
				buf.Write(head.Bytes)
				tail := seq.Tail()
				if got, want := tail.NumBytes(), seq.NumBytes()-uint64(head.Len()); got != want {
					t.Fatalf("Tail: got %d bytes, wanted %d", got, want)
				}
				seq = tail
			}
			if got := buf.String(); got != test.want {
				t.Errorf("concatenated spans: got %q, wanted %q", got, test.want)
			}
		})
	}
}

func TestSeqCopyIn(t *testing.T) {
	for _, test := range seqTests {
		t.Run(test.desc, func(t *testing.T) {
			seq := test.SpanSeq()
			dst := make([]byte, len(test.want))
			if n := seq.CopyIn(dst); n != len(test.want) {
				t.Fatalf("CopyIn: got %d bytes, wanted %d", n, len(test.want))
			}
			if string(dst) != test.want {
				t.Errorf("CopyIn: got %q, wanted %q", dst, test.want)
			}
		})
	}
}

func TestSeqCopyOut(t *testing.T) {
	for _, test := range seqTests {
		t.Run(test.desc, func(t *testing.T) {
			seq := test.SpanSeq()
			src := bytes.Repeat([]byte{0x5a}, len(test.want))
			if n := seq.CopyOut(src); n != len(test.want) {
				t.Fatalf("CopyOut: got %d bytes, wanted %d", n, len(test.want))
			}
			got := make([]byte, len(test.want))
			seq.CopyIn(got)
			if !bytes.Equal(got, src) {
				t.Errorf("read back after CopyOut: got %q, wanted %q", got, src)
			}
		})
	}
}

func TestSeqZeroOut(t *testing.T) {
	seq := SeqFromSpans([]Span{
		{Addr: 0x1000, Bytes: []byte("foo")},
		{Addr: 0x3000, Bytes: []byte("bar")},
	})
	if n := seq.ZeroOut(); n != 6 {
		t.Fatalf("ZeroOut: got %d bytes, wanted 6", n)
	}
	got := make([]byte, 6)
	seq.CopyIn(got)
	if !bytes.Equal(got, make([]byte, 6)) {
		t.Errorf("bytes after ZeroOut: got %v, wanted all zero", got)
	}
}

func TestDropFirstAdjustsAddr(t *testing.T) {
	seq := SeqFromSpans([]Span{{Addr: 0x2000, Bytes: []byte("abcdef")}})
	dropped := seq.DropFirst(2)
	if head := dropped.Head(); head.Addr != 0x2002 || string(head.Bytes) != "cdef" {
		t.Errorf("DropFirst(2): got %#x %q, wanted addr 0x2002 %q", head.Addr, head.Bytes, "cdef")
	}
}

func TestCopyShorterDst(t *testing.T) {
	seq := SeqFromSpans([]Span{
		{Addr: 0x1000, Bytes: []byte("foo")},
		{Addr: 0x3000, Bytes: []byte("bar")},
	})
	dst := make([]byte, 4)
	if n := seq.CopyIn(dst); n != 4 {
		t.Fatalf("CopyIn into short dst: got %d, wanted 4", n)
	}
	if string(dst) != "foob" {
		t.Errorf("CopyIn into short dst: got %q, wanted %q", dst, "foob")
	}
}
