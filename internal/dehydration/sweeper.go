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

// Package dehydration reverts least-recently-used hydrated files to
// metadata-only placeholders when the cache outgrows its threshold.
package dehydration

import (
	"context"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"

	"github.com/Enigmora/lnxdrive/internal/contentcache"
	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/inode"
	"github.com/Enigmora/lnxdrive/internal/logger"
	"github.com/Enigmora/lnxdrive/internal/monitor"
	"github.com/Enigmora/lnxdrive/internal/statestore"
)

// candidateBatch bounds one LRU query.
const candidateBatch = 256

// Policy is the eviction tuning, from cfg.
type Policy struct {
	CacheMaxBytes    uint64
	ThresholdPercent int
	MaxAge           time.Duration
	Interval         time.Duration
}

func (p Policy) thresholdBytes() int64 {
	return int64(p.CacheMaxBytes) * int64(p.ThresholdPercent) / 100
}

// CandidateSource is the read side of the state store the sweep queries.
type CandidateSource interface {
	EvictionCandidates(ctx context.Context, now time.Time, minAge time.Duration, limit int) ([]*domain.SyncItem, error)
	ListItemsInState(ctx context.Context, state domain.ItemState) ([]*domain.SyncItem, error)
}

// StateSink is the slice of the write serializer the sweep mutates
// through.
type StateSink interface {
	Transition(ctx context.Context, id domain.ItemID, to domain.ItemState, reason string, side *statestore.SideData) error
}

// HydrationChecker reports whether a download is in flight for an inode.
type HydrationChecker interface {
	IsHydrating(ino fuseops.InodeID) bool
}

// Sweeper runs the periodic LRU sweep and the on-close fast path.
type Sweeper struct {
	policy     Policy
	cache      *contentcache.Cache
	source     CandidateSource
	sink       StateSink
	table      *inode.Table
	hydrations HydrationChecker
	clock      timeutil.Clock
}

func NewSweeper(policy Policy, cache *contentcache.Cache, source CandidateSource,
	sink StateSink, table *inode.Table, hydrations HydrationChecker,
	clock timeutil.Clock) *Sweeper {
	return &Sweeper{
		policy:     policy,
		cache:      cache,
		source:     source,
		sink:       sink,
		table:      table,
		hydrations: hydrations,
		clock:      clock,
	}
}

// Run sweeps on the configured interval until ctx is done. Sweep failures
// are logged; the next tick proceeds regardless.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger.Warnf("dehydration: sweep failed: %v", err)
			}
		}
	}
}

// Sweep removes orphaned cache objects, then evicts least-recently-used
// hydrated files until usage falls back under the threshold.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.removeOrphans(ctx)

	usage, err := s.cache.DiskUsage()
	if err != nil {
		return err
	}
	monitor.CacheUsageBytes.Set(float64(usage))

	threshold := s.policy.thresholdBytes()
	if usage <= threshold {
		return nil
	}
	logger.Infof("dehydration: usage %d over threshold %d, sweeping", usage, threshold)

	// First pass honors the age floor; a second pass without it runs only
	// if the cache is still over threshold.
	usage, err = s.evictCandidates(ctx, usage, threshold, s.policy.MaxAge)
	if err != nil {
		return err
	}
	if usage > threshold && s.policy.MaxAge > 0 {
		if _, err := s.evictCandidates(ctx, usage, threshold, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) evictCandidates(ctx context.Context, usage, threshold int64, minAge time.Duration) (int64, error) {
	for usage > threshold {
		candidates, err := s.source.EvictionCandidates(ctx, s.clock.Now(), minAge, candidateBatch)
		if err != nil {
			return usage, err
		}
		if len(candidates) == 0 {
			return usage, nil
		}

		evictedAny := false
		for _, item := range candidates {
			if usage <= threshold {
				return usage, nil
			}
			if s.evict(ctx, item, "lru sweep") {
				usage -= int64(item.Size)
				evictedAny = true
			}
		}
		if !evictedAny {
			// Every candidate was vetoed by a live handle or state change;
			// a longer loop would spin on the same batch.
			return usage, nil
		}
	}
	return usage, nil
}

// evict dehydrates one item, re-checking eligibility inside the decision
// step since both the open-handle count and the state can change under
// the sweep.
func (s *Sweeper) evict(ctx context.Context, item *domain.SyncItem, reason string) bool {
	entry := s.table.ByItem(item.ID)
	if entry != nil {
		if entry.OpenCount() > 0 {
			logger.Tracef("dehydration: skipping %q, open handles", item.Path)
			return false
		}
		if !entry.State().Evictable() {
			return false
		}
		if s.hydrations.IsHydrating(entry.Ino) {
			return false
		}
	}

	if err := s.sink.Transition(ctx, item.ID, domain.StateOnline, reason, nil); err != nil {
		// A racing transition (write, pin) legitimately vetoes eviction.
		logger.Debugf("dehydration: transition vetoed for %q: %v", item.Path, err)
		return false
	}
	if entry != nil {
		entry.SetState(domain.StateOnline)
	}
	if err := s.cache.Remove(item.ID); err != nil {
		logger.Warnf("dehydration: remove cache object for %q: %v", item.Path, err)
	}
	monitor.EvictionsTotal.Inc()
	logger.Debugf("dehydration: evicted %q (%d bytes)", item.Path, item.Size)
	return true
}

// removeOrphans deletes completed cache objects whose item is a
// placeholder: leftovers of a crash between download and state commit.
func (s *Sweeper) removeOrphans(ctx context.Context) {
	items, err := s.source.ListItemsInState(ctx, domain.StateOnline)
	if err != nil {
		logger.Warnf("dehydration: orphan scan failed: %v", err)
		return
	}
	for _, item := range items {
		if !s.cache.Exists(item.ID) {
			continue
		}
		if entry := s.table.ByItem(item.ID); entry != nil {
			if entry.OpenCount() > 0 || s.hydrations.IsHydrating(entry.Ino) ||
				entry.State() != domain.StateOnline {
				continue
			}
		}
		if err := s.cache.Remove(item.ID); err != nil {
			logger.Warnf("dehydration: remove orphan for %q: %v", item.Path, err)
			continue
		}
		logger.Infof("dehydration: removed orphaned cache object for %q", item.Path)
	}
}

// OnRelease is the close-time fast path: when the last handle on an inode
// goes away and the cache is over threshold, evict just that file rather
// than waiting for the next sweep.
func (s *Sweeper) OnRelease(ctx context.Context, ino fuseops.InodeID) {
	entry := s.table.Get(ino)
	if entry == nil || !entry.State().Evictable() {
		return
	}

	usage, err := s.cache.DiskUsage()
	if err != nil {
		logger.Warnf("dehydration: usage check failed: %v", err)
		return
	}
	if usage <= s.policy.thresholdBytes() {
		return
	}

	item := &domain.SyncItem{ID: entry.ItemID, Path: entry.Name(), Size: entry.Size()}
	s.evict(ctx, item, "on-close eviction")
}
