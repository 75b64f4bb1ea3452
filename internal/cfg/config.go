// Copyright 2024 The lnxdrive Authors
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

// Package cfg declares the typed configuration consumed at startup and its
// loading and validation logic. All tunables of the core live here; the
// sync engine and IPC service have their own sections in the same file but
// are decoded by their own packages.
package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30
)

// Config is the root of the configuration tree.
type Config struct {
	MountPoint string `mapstructure:"mount_point"`
	CacheDir   string `mapstructure:"cache_dir"`
	StateDB    string `mapstructure:"state_db"`

	Cache      CacheConfig      `mapstructure:"cache"`
	Hydration  HydrationConfig  `mapstructure:"hydration"`
	WriteQueue WriteQueueConfig `mapstructure:"write_queue"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CacheConfig tunes the content cache and the dehydration sweep.
type CacheConfig struct {
	MaxBytes         ByteSize      `mapstructure:"max_bytes"`
	ThresholdPercent int           `mapstructure:"threshold_percent"`
	MaxAgeDays       int           `mapstructure:"max_age_days"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// HydrationConfig tunes the download manager.
type HydrationConfig struct {
	Concurrency        int      `mapstructure:"concurrency"`
	LargeFileThreshold ByteSize `mapstructure:"large_file_threshold"`
	ChunkSize          ByteSize `mapstructure:"chunk_size"`
	RetryAttempts      int      `mapstructure:"retry_attempts"`
}

// WriteQueueConfig bounds the write serializer.
type WriteQueueConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// NewConfig returns the defaults documented in the user guide.
func NewConfig() *Config {
	return &Config{
		MountPoint: "~/LnxDrive",
		CacheDir:   "~/.local/share/lnxdrive/cache",
		StateDB:    "~/.local/share/lnxdrive/state.db",
		Cache: CacheConfig{
			MaxBytes:         10 * GiB,
			ThresholdPercent: 80,
			MaxAgeDays:       30,
			SweepInterval:    time.Hour,
		},
		Hydration: HydrationConfig{
			Concurrency:        8,
			LargeFileThreshold: 100 * MiB,
			ChunkSize:          10 * MiB,
			RetryAttempts:      5,
		},
		WriteQueue: WriteQueueConfig{
			Capacity:      128,
			SubmitTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of the defaults, resolves "~" in
// paths, and validates the result. An empty path yields pure defaults.
func Load(path string) (*Config, error) {
	c := NewConfig()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		decodeHook := mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteSizeHookFunc(),
		)
		if err := v.Unmarshal(c, viper.DecodeHook(decodeHook)); err != nil {
			return nil, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	var err error
	if c.MountPoint, err = resolvePath(c.MountPoint); err != nil {
		return nil, err
	}
	if c.CacheDir, err = resolvePath(c.CacheDir); err != nil {
		return nil, err
	}
	if c.StateDB, err = resolvePath(c.StateDB); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// resolvePath expands a leading "~/" and makes the path absolute.
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}
