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

package fs

import (
	"context"
	"strconv"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/Enigmora/lnxdrive/internal/domain"
	"github.com/Enigmora/lnxdrive/internal/inode"
)

// The user.lnxdrive.* namespace is the machine-readable surface consumed
// by desktop integrations. Read-only from external processes.
const (
	xattrPrefix = "user.lnxdrive."

	// XattrState is the lifecycle state, lowercase.
	XattrState = "user.lnxdrive.state"

	// XattrSize is the item size as a decimal byte count.
	XattrSize = "user.lnxdrive.size"

	// XattrRemoteID is the cloud identifier; present when set.
	XattrRemoteID = "user.lnxdrive.remote_id"

	// XattrProgress is the hydration percentage, present only while the
	// state is hydrating.
	XattrProgress = "user.lnxdrive.progress"
)

// xattrValue resolves one attribute for an entry, or nil when it is not
// applicable.
func (fs *FileSystem) xattrValue(e *inode.Entry, name string) []byte {
	switch name {
	case XattrState:
		return []byte(e.State())
	case XattrSize:
		return []byte(strconv.FormatUint(e.Size(), 10))
	case XattrRemoteID:
		if id := e.RemoteID(); id != "" {
			return []byte(id)
		}
		return nil
	case XattrProgress:
		if e.State() != domain.StateHydrating {
			return nil
		}
		pct, ok := fs.hydrations.ProgressPct(e.Ino)
		if !ok {
			pct = 0
		}
		return []byte(strconv.Itoa(int(pct)))
	}
	return nil
}

func (fs *FileSystem) GetXattr(
	ctx context.Context,
	op *fuseops.GetXattrOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}

	value := fs.xattrValue(e, op.Name)
	if value == nil {
		return syscall.ENODATA
	}

	// A zero-length Dst probes the required size; a short one is ERANGE.
	op.BytesRead = len(value)
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < len(value) {
		return syscall.ERANGE
	}
	copy(op.Dst, value)
	return nil
}

func (fs *FileSystem) ListXattr(
	ctx context.Context,
	op *fuseops.ListXattrOp) (err error) {
	e, err := fs.entryOrENOENT(op.Inode)
	if err != nil {
		return err
	}

	// Only currently applicable names are listed.
	var names []string
	for _, name := range []string{XattrState, XattrSize, XattrRemoteID, XattrProgress} {
		if fs.xattrValue(e, name) != nil {
			names = append(names, name)
		}
	}

	required := 0
	for _, n := range names {
		required += len(n) + 1
	}
	op.BytesRead = required
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < required {
		return syscall.ERANGE
	}

	off := 0
	for _, n := range names {
		off += copy(op.Dst[off:], n)
		op.Dst[off] = 0
		off++
	}
	return nil
}

// SetXattr rejects writes: the namespace is read-only, anything else is
// unsupported.
func (fs *FileSystem) SetXattr(
	ctx context.Context,
	op *fuseops.SetXattrOp) (err error) {
	if _, err := fs.entryOrENOENT(op.Inode); err != nil {
		return err
	}
	if strings.HasPrefix(op.Name, xattrPrefix) {
		return syscall.EACCES
	}
	return syscall.ENOTSUP
}

func (fs *FileSystem) RemoveXattr(
	ctx context.Context,
	op *fuseops.RemoveXattrOp) (err error) {
	if _, err := fs.entryOrENOENT(op.Inode); err != nil {
		return err
	}
	if strings.HasPrefix(op.Name, xattrPrefix) {
		return syscall.EACCES
	}
	return syscall.ENOTSUP
}
