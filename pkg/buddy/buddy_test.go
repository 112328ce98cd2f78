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

package buddy

import (
	"errors"
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
)

const testBase = memarch.PhysAddr(0x8000_0000)

func testAllocator(t *testing.T, pages uint64) *Allocator {
	t.Helper()
	a, err := New(testBase, make([]byte, pages*memarch.PageSize), ksync.NopInterrupts{})
	if err != nil {
		t.Fatalf("New(%s, %d pages): %v", testBase, pages, err)
	}
	return a
}

func TestNewRejectsBadExtents(t *testing.T) {
	for _, test := range []struct {
		name string
		base memarch.PhysAddr
		size uint64
	}{
		{"unaligned base", 0x8000_0100, 4 * memarch.PageSize},
		{"empty region", testBase, 0},
		{"partial page", testBase, memarch.PageSize + 100},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.base, make([]byte, test.size), nil); err == nil {
				t.Errorf("New(%s, %#x bytes) succeeded, wanted error", test.base, test.size)
			}
		})
	}
}

func TestConservation(t *testing.T) {
	a := testAllocator(t, 64)
	before := a.FreePages()
	if before != 64 {
		t.Fatalf("fresh allocator has %d free pages, wanted 64", before)
	}

	var frames []*Frame
	for _, order := range []int{0, 0, 1, 2, 3, 0, 4} {
		f, err := a.Allocate(order)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", order, err)
		}
		frames = append(frames, f)
	}
	for _, f := range frames {
		if err := a.Deallocate(f); err != nil {
			t.Fatalf("Deallocate(%v): %v", f, err)
		}
	}
	if after := a.FreePages(); after != before {
		t.Errorf("free pages after free-all: got %d, wanted %d", after, before)
	}

	// Everything merged back: the whole extent must be allocatable as one
	// block.
	whole, err := a.Allocate(a.MaxOrder())
	if err != nil {
		t.Fatalf("Allocate(max order %d) after free-all: %v", a.MaxOrder(), err)
	}
	if got := whole.PageCount(); got != 64 {
		t.Errorf("full-extent block has %d pages, wanted 64", got)
	}
}

func TestNoDoubleIssue(t *testing.T) {
	a := testAllocator(t, 64)
	f1, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("first Allocate(2): %v", err)
	}
	f2, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("second Allocate(2): %v", err)
	}
	r1, r2 := f1.Range(), f2.Range()
	if r1.Start < r2.End && r2.Start < r1.End {
		t.Errorf("blocks overlap: %s and %s", r1, r2)
	}
}

func TestExhausted(t *testing.T) {
	a := testAllocator(t, 16)

	if _, err := a.Allocate(a.MaxOrder() + 1); !errors.Is(err, ErrExhausted) {
		t.Errorf("Allocate(order above max): got %v, wanted ErrExhausted", err)
	}

	whole, err := a.Allocate(a.MaxOrder())
	if err != nil {
		t.Fatalf("Allocate(max order): %v", err)
	}
	if _, err := a.AllocateOne(); !errors.Is(err, ErrExhausted) {
		t.Errorf("AllocateOne on empty allocator: got %v, wanted ErrExhausted", err)
	}
	if err := a.Deallocate(whole); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
}

func TestNeverSatisfiedSmaller(t *testing.T) {
	a := testAllocator(t, 8)
	// Splitting off one page leaves free blocks of orders 0..2 but no
	// order-3 block; the order-3 request must fail rather than shrink.
	f, err := a.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	if _, err := a.Allocate(3); !errors.Is(err, ErrExhausted) {
		t.Errorf("Allocate(3) with fragmented extent: got %v, wanted ErrExhausted", err)
	}
	if err := a.Deallocate(f); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	a := testAllocator(t, 16)
	f, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): %v", err)
	}
	if err := a.Deallocate(f); err != nil {
		t.Fatalf("first Deallocate: %v", err)
	}
	if err := a.Deallocate(f); !errors.Is(err, ErrBadFree) {
		t.Errorf("second Deallocate: got %v, wanted ErrBadFree", err)
	}
}

func TestStaleFreeAfterReissue(t *testing.T) {
	a := testAllocator(t, 16)
	f1, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): %v", err)
	}
	if err := a.Deallocate(f1); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	// The merged-back block is reissued at the same base and order, so the
	// live-allocation map alone cannot tell a stale token from the new one.
	f2, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if f2.Base() != f1.Base() || f2.Order() != f1.Order() {
		t.Fatalf("reallocation moved: got %v, wanted %v", f2, f1)
	}
	if err := a.Deallocate(f1); !errors.Is(err, ErrBadFree) {
		t.Fatalf("stale Deallocate: got %v, wanted ErrBadFree", err)
	}
	// f2's block must not have leaked onto the free list: a second
	// allocation may not overlap it.
	f3, err := a.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	r2, r3 := f2.Range(), f3.Range()
	if r2.Start < r3.End && r3.Start < r2.End {
		t.Errorf("blocks overlap after stale free: %s and %s", r2, r3)
	}
	if err := a.Deallocate(f2); err != nil {
		t.Errorf("Deallocate(f2): %v", err)
	}
	if err := a.Deallocate(f3); err != nil {
		t.Errorf("Deallocate(f3): %v", err)
	}
}

func TestForeignFrameRejected(t *testing.T) {
	a := testAllocator(t, 16)
	b := testAllocator(t, 16)
	f, err := b.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	if err := a.Deallocate(f); !errors.Is(err, ErrBadFree) {
		t.Errorf("Deallocate of foreign frame: got %v, wanted ErrBadFree", err)
	}
	if err := b.Deallocate(f); err != nil {
		t.Fatalf("Deallocate by owner: %v", err)
	}
}

func TestMergeRestoresFullBlock(t *testing.T) {
	a := testAllocator(t, 8)
	var frames []*Frame
	for i := 0; i < 8; i++ {
		f, err := a.AllocateOne()
		if err != nil {
			t.Fatalf("AllocateOne #%d: %v", i, err)
		}
		frames = append(frames, f)
	}
	// Free in an order that forces merges at every level.
	for _, i := range []int{1, 6, 0, 3, 7, 2, 5, 4} {
		if err := a.Deallocate(frames[i]); err != nil {
			t.Fatalf("Deallocate #%d: %v", i, err)
		}
	}
	if _, err := a.Allocate(3); err != nil {
		t.Errorf("Allocate(3) after merge-all: %v", err)
	}
}

func TestAllocationsAreZeroed(t *testing.T) {
	a := testAllocator(t, 16)
	f, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate(1): %v", err)
	}
	for i := range f.Bytes() {
		f.Bytes()[i] = 0xaa
	}
	if err := a.Deallocate(f); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	g, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	for i, b := range g.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d of fresh allocation is %#x, wanted 0", i, b)
		}
	}
}

func TestPageBytesResolvesContents(t *testing.T) {
	a := testAllocator(t, 16)
	f, err := a.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	f.Bytes()[123] = 0x5a
	if got := a.PageBytes(f.Base())[123]; got != 0x5a {
		t.Errorf("PageBytes(%s)[123]: got %#x, wanted 0x5a", f.Base(), got)
	}
}

func TestConcurrentChurn(t *testing.T) {
	a := testAllocator(t, 256)
	before := a.FreePages()

	var g errgroup.Group
	for worker := 0; worker < 8; worker++ {
		seed := int64(worker)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			var held []*Frame
			for i := 0; i < 500; i++ {
				if len(held) == 0 || r.Intn(2) == 0 {
					f, err := a.Allocate(r.Intn(3))
					if errors.Is(err, ErrExhausted) {
						// Another worker holds the pages; drop one of
						// ours and move on.
						if len(held) > 0 {
							if err := a.Deallocate(held[len(held)-1]); err != nil {
								return err
							}
							held = held[:len(held)-1]
						}
						continue
					}
					if err != nil {
						return err
					}
					held = append(held, f)
				} else {
					j := r.Intn(len(held))
					if err := a.Deallocate(held[j]); err != nil {
						return err
					}
					held = append(held[:j], held[j+1:]...)
				}
			}
			for _, f := range held {
				if err := a.Deallocate(f); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent churn: %v", err)
	}
	if after := a.FreePages(); after != before {
		t.Errorf("free pages after churn: got %d, wanted %d", after, before)
	}
}
