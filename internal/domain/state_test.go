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

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to ItemState
		ok       bool
	}{
		{StateOnline, StateHydrating, true},
		{StateOnline, StateDeleted, true},
		{StateOnline, StateHydrated, false},
		{StateHydrating, StateHydrated, true},
		{StateHydrating, StatePinned, true},
		{StateHydrating, StateOnline, true}, // cancel / crash recovery
		{StateHydrated, StatePinned, true},
		{StateHydrated, StateModified, true},
		{StateHydrated, StateOnline, true}, // dehydrate
		{StatePinned, StateHydrated, true},
		{StatePinned, StateOnline, false}, // pinned is never dehydrated
		{StateModified, StateHydrated, true},
		{StateModified, StatePinned, true},
		{StateModified, StateOnline, false},
		{StateError, StateOnline, true},
		{StateDeleted, StateOnline, false},
		{StateDeleted, StateError, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestAnyStateMayFail(t *testing.T) {
	for _, s := range []ItemState{
		StateOnline, StateHydrating, StateHydrated, StatePinned, StateModified,
	} {
		assert.True(t, s.CanTransitionTo(StateError), "%s -> error", s)
	}
}

func TestContentPresent(t *testing.T) {
	assert.True(t, StateHydrated.ContentPresent())
	assert.True(t, StatePinned.ContentPresent())
	assert.True(t, StateModified.ContentPresent())
	assert.False(t, StateOnline.ContentPresent())
	assert.False(t, StateHydrating.ContentPresent())
}

func TestEvictable(t *testing.T) {
	assert.True(t, StateHydrated.Evictable())
	for _, s := range []ItemState{
		StateOnline, StateHydrating, StatePinned, StateModified, StateError, StateDeleted,
	} {
		assert.False(t, s.Evictable(), "%s", s)
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := map[ErrorKind]syscall.Errno{
		ErrNotFound:            syscall.ENOENT,
		ErrPermissionDenied:    syscall.EACCES,
		ErrAlreadyExists:       syscall.EEXIST,
		ErrNotEmpty:            syscall.ENOTEMPTY,
		ErrNotADirectory:       syscall.ENOTDIR,
		ErrIsADirectory:        syscall.EISDIR,
		ErrNameTooLong:         syscall.ENAMETOOLONG,
		ErrInvalidArgument:     syscall.EINVAL,
		ErrDiskFull:            syscall.ENOSPC,
		ErrXattrMissing:        syscall.ENODATA,
		ErrXattrBufferTooSmall: syscall.ERANGE,
		ErrHydrationFailed:     syscall.EIO,
		ErrStateStore:          syscall.EIO,
		ErrIo:                  syscall.EIO,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Errno())
	}
}

func TestErrnoUnwrapsThroughWrapping(t *testing.T) {
	inner := NewError(ErrNotFound, "lookup", errors.New("no such item"))
	wrapped := NewError(ErrHydrationFailed, "hydrate", inner)

	// The outermost classification wins.
	assert.Equal(t, syscall.EIO, Errno(wrapped))
	assert.Equal(t, syscall.ENOENT, Errno(inner))
	assert.Equal(t, syscall.EIO, Errno(errors.New("anonymous")))
	assert.Equal(t, syscall.ENOSPC, Errno(syscall.ENOSPC))
}
