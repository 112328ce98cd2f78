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
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"rvos.dev/rvos/pkg/buddy"
	"rvos.dev/rvos/pkg/ksync"
	"rvos.dev/rvos/pkg/memarch"
	"rvos.dev/rvos/pkg/memutil"
	"rvos.dev/rvos/pkg/mm"
	"rvos.dev/rvos/pkg/pagetable"
)

// Selftest implements subcommands.Command for the "selftest" command. It
// runs the conservation and translation checks a bring-up on new hardware
// would want before trusting the allocator with the whole machine.
type Selftest struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string { return "selftest" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string { return "runs memory subsystem sanity checks" }

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string { return `selftest [-config machine.toml]` }

// SetFlags implements subcommands.Command.SetFlags.
func (s *Selftest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "", "TOML machine description; defaults to the QEMU virt layout")
}

// Execute implements subcommands.Command.Execute.
func (s *Selftest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(s.configPath)
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
	for name, check := range map[string]func(*buddy.Allocator) error{
		"conservation": checkConservation,
		"translation":  checkTranslation,
	} {
		if err := check(alloc); err != nil {
			logrus.WithError(err).Errorf("selftest %s FAILED", name)
			return subcommands.ExitFailure
		}
		logrus.Infof("selftest %s ok", name)
	}
	return subcommands.ExitSuccess
}

// checkConservation allocates a spread of orders, frees them, and expects
// the free page count restored and the full extent allocatable in one
// block.
func checkConservation(alloc *buddy.Allocator) error {
	before := alloc.FreePages()
	var frames []*buddy.Frame
	for order := 0; order <= 4; order++ {
		f, err := alloc.Allocate(order)
		if err != nil {
			return err
		}
		frames = append(frames, f)
	}
	for _, f := range frames {
		if err := alloc.Deallocate(f); err != nil {
			return err
		}
	}
	if after := alloc.FreePages(); after != before {
		return fmt.Errorf("free pages %d before, %d after", before, after)
	}
	whole, err := alloc.Allocate(alloc.MaxOrder())
	if err != nil {
		return fmt.Errorf("allocating the full extent after free-all: %w", err)
	}
	return alloc.Deallocate(whole)
}

// checkTranslation maps a range, round-trips bytes through the user-buffer
// path and verifies teardown returns every owned page.
func checkTranslation(alloc *buddy.Allocator) error {
	before := alloc.FreePages()
	proc, err := mm.New(alloc, ksync.NopInterrupts{})
	if err != nil {
		return err
	}
	const va = memarch.VirtAddr(0x40_0000)
	urw := pagetable.FlagReadable | pagetable.FlagWritable | pagetable.FlagUser
	if err := proc.MapAnonymous(memarch.PageRange(va.PageNumber(), 8), urw); err != nil {
		return err
	}
	want := []byte("straddles pages")
	if _, err := proc.CopyOut(va+memarch.PageSize-5, want); err != nil {
		return err
	}
	got := make([]byte, len(want))
	if _, err := proc.CopyIn(va+memarch.PageSize-5, got); err != nil {
		return err
	}
	if string(got) != string(want) {
		return fmt.Errorf("round trip mismatch: %q != %q", got, want)
	}
	if err := proc.Destroy(); err != nil {
		return err
	}
	if after := alloc.FreePages(); after != before {
		return fmt.Errorf("teardown leaked: %d pages before, %d after", before, after)
	}
	return nil
}
