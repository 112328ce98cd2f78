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
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\"): %v", err)
	}
	if cfg.MemoryBase != 0x8000_0000 || cfg.MemoryMB != 16 {
		t.Errorf("defaults: got base %#x size %dMB, wanted 0x80000000 16MB", cfg.MemoryBase, cfg.MemoryMB)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, "memory_base = 0x90000000\nmemory_mb = 64\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MemoryBase != 0x9000_0000 {
		t.Errorf("memory_base: got %#x, wanted 0x90000000", cfg.MemoryBase)
	}
	if cfg.MemoryMB != 64 {
		t.Errorf("memory_mb: got %d, wanted 64", cfg.MemoryMB)
	}
	if got := cfg.MemoryBytes(); got != 64<<20 {
		t.Errorf("MemoryBytes: got %d, wanted %d", got, 64<<20)
	}
}

func TestLoadConfigPartial(t *testing.T) {
	path := writeConfig(t, "memory_mb = 8\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MemoryBase != 0x8000_0000 || cfg.MemoryMB != 8 {
		t.Errorf("partial config: got base %#x size %dMB, wanted default base 8MB", cfg.MemoryBase, cfg.MemoryMB)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	for _, test := range []struct {
		name     string
		contents string
	}{
		{"unaligned base", "memory_base = 0x80000100\n"},
		{"zero size", "memory_mb = 0\n"},
		{"malformed toml", "memory_mb = = 8\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, test.contents)); err == nil {
				t.Error("loadConfig succeeded, wanted error")
			}
		})
	}
}
