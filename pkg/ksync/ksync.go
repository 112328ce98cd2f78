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

// Package ksync provides the interrupt-safe mutex used by the memory
// subsystem.
//
// Kernel data structures touched from interrupt context must not be
// preemptible by an interrupt handler on the same hart while a mutation is
// in flight; the lock therefore disables local interrupt delivery for the
// duration of the critical section. The actual disable/enable primitive is
// architecture code supplied by the caller at construction time.
package ksync

import (
	"sync"
)

// InterruptOps is the hart-local interrupt control primitive.
//
// Save disables interrupt delivery on the calling hart and returns the
// previous state; Restore reinstates a state previously returned by Save.
// Save/Restore pairs may nest.
type InterruptOps interface {
	Save() uint64
	Restore(state uint64)
}

// NopInterrupts implements InterruptOps with no effect. It is the correct
// implementation for host builds and tests, where there is no interrupt
// delivery to mask.
type NopInterrupts struct{}

// Save implements InterruptOps.Save.
func (NopInterrupts) Save() uint64 { return 0 }

// Restore implements InterruptOps.Restore.
func (NopInterrupts) Restore(uint64) {}

// Mutex is a mutual-exclusion lock that masks hart-local interrupts while
// held. The zero value is usable and behaves like a plain mutex with
// NopInterrupts.
//
// Hold times must be short and no blocking call may be made while the lock
// is held.
type Mutex struct {
	ops InterruptOps

	mu sync.Mutex

	// state is the interrupt state saved by the current holder. It is
	// written after mu is acquired and read before mu is released, so it
	// is always accessed under mu.
	state uint64
}

// NewMutex returns a Mutex guarded by ops. A nil ops behaves like
// NopInterrupts.
func NewMutex(ops InterruptOps) *Mutex {
	return &Mutex{ops: ops}
}

// Lock acquires m, disabling local interrupts first so that an interrupt
// handler reentering this lock on the same hart cannot deadlock against the
// holder.
func (m *Mutex) Lock() {
	var s uint64
	if m.ops != nil {
		s = m.ops.Save()
	}
	m.mu.Lock()
	m.state = s
}

// Unlock releases m and restores the interrupt state saved by Lock.
func (m *Mutex) Unlock() {
	s := m.state
	m.mu.Unlock()
	if m.ops != nil {
		m.ops.Restore(s)
	}
}
