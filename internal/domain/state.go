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

package domain

// ItemState is the lifecycle state of a SyncItem. The string values are
// persisted in the state store and exposed verbatim through the
// user.lnxdrive.state extended attribute.
type ItemState string

const (
	// StateOnline marks a placeholder: metadata present, content remote.
	StateOnline ItemState = "online"

	// StateHydrating marks an item whose content is being downloaded.
	StateHydrating ItemState = "hydrating"

	// StateHydrated marks an item whose content is fully cached locally.
	StateHydrated ItemState = "hydrated"

	// StatePinned is StateHydrated plus a user assertion that the content
	// must never be evicted.
	StatePinned ItemState = "pinned"

	// StateModified marks locally changed content awaiting upload by the
	// sync engine.
	StateModified ItemState = "modified"

	// StateError carries a reason string on the SyncItem.
	StateError ItemState = "error"

	// StateDeleted is terminal; the sync engine purges the row later.
	StateDeleted ItemState = "deleted"
)

// ContentPresent reports whether a complete cache object must exist for an
// item in this state.
func (s ItemState) ContentPresent() bool {
	return s == StateHydrated || s == StatePinned || s == StateModified
}

// Evictable reports whether the dehydration sweep may consider this state
// at all. Open handles are a separate check.
func (s ItemState) Evictable() bool {
	return s == StateHydrated
}

// Terminal reports whether no further transitions are legal.
func (s ItemState) Terminal() bool {
	return s == StateDeleted
}

// CanTransitionTo reports whether target is reachable from s in one step.
//
// Crash recovery moves Hydrating back to Online without passing through
// Hydrated; cancellation takes the same edge, so it is simply legal here.
func (s ItemState) CanTransitionTo(target ItemState) bool {
	if s == target {
		return false
	}

	// Any non-terminal state may fail.
	if target == StateError && s != StateDeleted {
		return true
	}

	switch s {
	case StateOnline:
		return target == StateHydrating || target == StateDeleted
	case StateHydrating:
		return target == StateHydrated || target == StatePinned ||
			target == StateOnline || target == StateDeleted
	case StateHydrated:
		return target == StatePinned || target == StateModified ||
			target == StateOnline || target == StateDeleted
	case StatePinned:
		return target == StateHydrated || target == StateModified ||
			target == StateDeleted
	case StateModified:
		return target == StateHydrated || target == StatePinned ||
			target == StateDeleted
	case StateError:
		return target == StateOnline || target == StateHydrating ||
			target == StateDeleted
	case StateDeleted:
		return false
	}
	return false
}
