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

package cfg

import "fmt"

// Validate rejects configurations the core cannot operate under. Error
// messages name the offending key so they can be surfaced verbatim.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point: must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir: must not be empty")
	}
	if c.StateDB == "" {
		return fmt.Errorf("state_db: must not be empty")
	}
	if c.Cache.MaxBytes == 0 {
		return fmt.Errorf("cache.max_bytes: must be positive")
	}
	if c.Cache.ThresholdPercent < 1 || c.Cache.ThresholdPercent > 100 {
		return fmt.Errorf("cache.threshold_percent: %d outside 1..100", c.Cache.ThresholdPercent)
	}
	if c.Cache.MaxAgeDays <= 0 {
		return fmt.Errorf("cache.max_age_days: %d must be positive", c.Cache.MaxAgeDays)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval: %v must be positive", c.Cache.SweepInterval)
	}
	if c.Hydration.Concurrency < 1 || c.Hydration.Concurrency > 32 {
		return fmt.Errorf("hydration.concurrency: %d outside 1..32", c.Hydration.Concurrency)
	}
	if c.Hydration.LargeFileThreshold == 0 {
		return fmt.Errorf("hydration.large_file_threshold: must be positive")
	}
	if c.Hydration.ChunkSize == 0 {
		return fmt.Errorf("hydration.chunk_size: must be positive")
	}
	if c.Hydration.RetryAttempts < 1 {
		return fmt.Errorf("hydration.retry_attempts: %d must be positive", c.Hydration.RetryAttempts)
	}
	if c.WriteQueue.Capacity < 1 {
		return fmt.Errorf("write_queue.capacity: %d must be positive", c.WriteQueue.Capacity)
	}
	if c.WriteQueue.SubmitTimeout <= 0 {
		return fmt.Errorf("write_queue.submit_timeout: %v must be positive", c.WriteQueue.SubmitTimeout)
	}
	return nil
}
