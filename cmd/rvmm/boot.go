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

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
	"rvos.dev/rvos/pkg/memutil"
	"rvos.dev/rvos/pkg/mm"
	"rvos.dev/rvos/pkg/pagetable"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string { return "boot" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "brings the memory subsystem up over a synthetic extent and runs a fork/exec-style workload"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string { return `boot [-config machine.toml]` }

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "TOML machine description; defaults to the QEMU virt layout")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(b.configPath)
	if err != nil {
		logrus.WithError(err).Error("bad machine config")
		return subcommands.ExitUsageError
	}

	region, err := memutil.MapRegion(uintptr(cfg.MemoryBytes()))
	if err != nil {
		logrus.WithError(err).Error("mapping physical extent")
		return subcommands.ExitFailure
	}
	defer memutil.UnmapRegion(region)

	alloc, err := buddy.New(memarch.PhysAddr(cfg.MemoryBase), region, ksync.NopInterrupts{})
	if err != nil {
		logrus.WithError(err).Error("constructing frame allocator")
		return subcommands.ExitFailure
	}
	logrus.WithFields(logrus.Fields{
		"base":  memarch.PhysAddr(cfg.MemoryBase),
		"pages": alloc.TotalPages(),
	}).Info("frame allocator up")

	kernel, err := mm.NewKernelSpace(alloc, ksync.NopInterrupts{})
	if err != nil {
		logrus.WithError(err).Error("building kernel space")
		return subcommands.ExitFailure
	}
	logrus.Debugf("kernel satp %#x", kernel.SATP())

	if err := b.runWorkload(alloc); err != nil {
		logrus.WithError(err).Error("workload failed")
		return subcommands.ExitFailure
	}

	if err := kernel.Destroy(); err != nil {
		logrus.WithError(err).Error("tearing down kernel space")
		return subcommands.ExitFailure
	}
	logrus.WithField("freePages", alloc.FreePages()).Info("boot demo complete")
	return subcommands.ExitSuccess
}

// runWorkload creates a user address space, pushes a buffer through the
// user-pointer translation path, forks, and checks eager-copy isolation.
func (b *Boot) runWorkload(alloc *buddy.Allocator) error {
	proc, err := mm.New(alloc, ksync.NopInterrupts{})
	if err != nil {
		return err
	}
	defer proc.Destroy()

	const codeVA = memarch.VirtAddr(0x1_0000)
	urw := pagetable.FlagReadable | pagetable.FlagWritable | pagetable.FlagUser
	if err := proc.MapAnonymous(memarch.PageRange(codeVA.PageNumber(), 4), urw); err != nil {
		return err
	}
	proc.InitBrk(codeVA + 4*memarch.PageSize)
	if _, err := proc.SetBrk(proc.Brk() + 2*memarch.PageSize); err != nil {
		return err
	}

	// A write/read round trip across a page boundary, through the
	// physical spans the way a syscall would consume a user pointer.
	msg := []byte("the quick brown fox jumps over the lazy dog")
	bufVA := codeVA + memarch.PageSize - 7
	if _, err := proc.CopyOut(bufVA, msg); err != nil {
		return err
	}
	seq, err := proc.TranslateRange(bufVA, len(msg))
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"bytes": seq.NumBytes(),
		"spans": seq.NumSpans(),
	}).Info("user buffer translated")

	child, err := proc.Fork()
	if err != nil {
		return err
	}
	defer child.Destroy()

	if _, err := proc.CopyOut(bufVA, []byte("overwritten in the parent")); err != nil {
		return err
	}
	got := make([]byte, len(msg))
	if _, err := child.CopyIn(bufVA, got); err != nil {
		return err
	}
	logrus.WithField("childSees", string(got)).Info("fork isolation holds")
	return nil
}
