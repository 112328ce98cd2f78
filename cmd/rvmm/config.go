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
	"fmt"

	"github.com/BurntSushi/toml"
	"rvos.dev/rvos/pkg/memarch"
)

// MachineConfig describes the synthetic machine the subsystem runs over.
type MachineConfig struct {
	// MemoryBase is the physical address of the start of RAM. The QEMU
	// virt default is used when unset.
	MemoryBase uint64 `toml:"memory_base"`

	// MemoryMB is the RAM size in mebibytes.
	MemoryMB uint64 `toml:"memory_mb"`
}

func defaultConfig() MachineConfig {
	return MachineConfig{
		MemoryBase: 0x8000_0000,
		MemoryMB:   16,
	}
}

// loadConfig reads a TOML machine description, applying defaults for
// absent fields. An empty path yields the defaults.
func loadConfig(path string) (MachineConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("reading machine config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c MachineConfig) validate() error {
	if !memarch.PhysAddr(c.MemoryBase).IsPageAligned() {
		return fmt.Errorf("memory_base %#x is not page-aligned", c.MemoryBase)
	}
	if c.MemoryMB == 0 {
		return fmt.Errorf("memory_mb must be positive")
	}
	return nil
}

// MemoryBytes returns the RAM size in bytes.
func (c MachineConfig) MemoryBytes() uint64 { return c.MemoryMB << 20 }
