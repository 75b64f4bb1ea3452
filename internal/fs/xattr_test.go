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
	"bytes"
	"context"
	"strconv"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (tf *testFS) getxattr(t *testing.T, ino fuseops.InodeID, name string, bufSize int) (*fuseops.GetXattrOp, error) {
	t.Helper()
	op := &fuseops.GetXattrOp{Inode: ino, Name: name, Dst: make([]byte, bufSize)}
	err := tf.fs.GetXattr(context.Background(), op)
	return op, err
}

func TestXattrStateAndSize(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")

	op, err := tf.getxattr(t, a.Child, XattrState, 64)
	require.NoError(t, err)
	assert.Equal(t, "online", string(op.Dst[:op.BytesRead]))

	op, err = tf.getxattr(t, a.Child, XattrSize, 64)
	require.NoError(t, err)
	assert.Equal(t, "1024", string(op.Dst[:op.BytesRead]))

	op, err = tf.getxattr(t, a.Child, XattrRemoteID, 64)
	require.NoError(t, err)
	assert.Equal(t, "r-a", string(op.Dst[:op.BytesRead]))
}

func TestXattrSizeProbeAndERange(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")

	// A zero-length buffer reports the required size.
	op, err := tf.getxattr(t, a.Child, XattrState, 0)
	require.NoError(t, err)
	assert.Equal(t, len("online"), op.BytesRead)

	// A short one is ERANGE.
	_, err = tf.getxattr(t, a.Child, XattrState, 3)
	assert.Equal(t, syscall.ERANGE, err)
}

func TestXattrProgressOnlyWhileHydrating(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	content := bytes.Repeat([]byte("h"), 1024)
	tf.client.SetObject("r-a", content)
	ctx := context.Background()

	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")

	// Not hydrating: no progress attribute.
	_, err := tf.getxattr(t, a.Child, XattrProgress, 16)
	assert.Equal(t, syscall.ENODATA, err)

	fh := tf.open(t, a.Child)
	defer tf.release(t, fh)
	require.NoError(t, tf.fs.hydrations.WaitForCompletion(ctx, a.Child))

	// After completion: state hydrated, progress unavailable again.
	op, err := tf.getxattr(t, a.Child, XattrState, 64)
	require.NoError(t, err)
	assert.Equal(t, "hydrated", string(op.Dst[:op.BytesRead]))
	_, err = tf.getxattr(t, a.Child, XattrProgress, 16)
	assert.Equal(t, syscall.ENODATA, err)
}

func TestXattrUnknownName(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")

	_, err := tf.getxattr(t, a.Child, "user.lnxdrive.bogus", 16)
	assert.Equal(t, syscall.ENODATA, err)
	_, err = tf.getxattr(t, a.Child, "user.other", 16)
	assert.Equal(t, syscall.ENODATA, err)
}

func TestListXattrNames(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")

	op := &fuseops.ListXattrOp{Inode: a.Child, Dst: make([]byte, 1024)}
	require.NoError(t, tf.fs.ListXattr(context.Background(), op))

	listed := string(op.Dst[:op.BytesRead])
	assert.Contains(t, listed, XattrState)
	assert.Contains(t, listed, XattrSize)
	assert.Contains(t, listed, XattrRemoteID)
	// Not hydrating: progress is not listed.
	assert.NotContains(t, listed, XattrProgress)

	// Probe form.
	probe := &fuseops.ListXattrOp{Inode: a.Child}
	require.NoError(t, tf.fs.ListXattr(context.Background(), probe))
	assert.Equal(t, op.BytesRead, probe.BytesRead)
}

func TestSetAndRemoveXattrRejected(t *testing.T) {
	tf := newTestFS(t, docSeeds())
	a := tf.lookup(t, tf.lookup(t, fuseops.RootInodeID, "docs").Child, "a.txt")
	ctx := context.Background()

	err := tf.fs.SetXattr(ctx, &fuseops.SetXattrOp{
		Inode: a.Child, Name: XattrState, Value: []byte("hydrated"),
	})
	assert.Equal(t, syscall.EACCES, err)

	err = tf.fs.SetXattr(ctx, &fuseops.SetXattrOp{
		Inode: a.Child, Name: "user.mime_type", Value: []byte("text/plain"),
	})
	assert.Equal(t, syscall.ENOTSUP, err)

	err = tf.fs.RemoveXattr(ctx, &fuseops.RemoveXattrOp{Inode: a.Child, Name: XattrPin()})
	assert.Equal(t, syscall.EACCES, err)
}

// XattrPin returns a namespace name used only to exercise the rejection
// path.
func XattrPin() string { return "user.lnxdrive.pin" }

func TestXattrSizeTracksModification(t *testing.T) {
	tf := newTestFS(t, nil)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "grow.txt", Mode: 0644}
	require.NoError(t, tf.fs.CreateFile(ctx, create))

	require.NoError(t, tf.fs.WriteFile(ctx, &fuseops.WriteFileOp{
		Inode: create.Entry.Child, Handle: create.Handle,
		Data: bytes.Repeat([]byte("g"), 300),
	}))

	op, err := tf.getxattr(t, create.Entry.Child, XattrSize, 32)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(300), string(op.Dst[:op.BytesRead]))
	tf.release(t, create.Handle)
}
