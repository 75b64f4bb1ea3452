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

package cloud

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

// FakeClient is an in-memory Client for tests. Content is registered per
// remote id; errors can be scripted to fire on the next N downloads.
type FakeClient struct {
	mu sync.Mutex

	objects map[domain.RemoteID][]byte

	// Errors popped one per Download call for the given id.
	scripted map[domain.RemoteID][]error

	downloadCalls int

	// BeforeDownload, when set, runs at the start of every Download with
	// the lock released. Lets tests gate or observe chunk requests.
	BeforeDownload func(id domain.RemoteID, byteRange *ByteRange)
}

var _ Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		objects:  make(map[domain.RemoteID][]byte),
		scripted: make(map[domain.RemoteID][]error),
	}
}

// SetObject registers content for a remote id.
func (c *FakeClient) SetObject(id domain.RemoteID, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = content
}

// FailNext arranges for the next len(errs) downloads of id to fail in
// order.
func (c *FakeClient) FailNext(id domain.RemoteID, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripted[id] = append(c.scripted[id], errs...)
}

// DownloadCalls returns the number of Download invocations so far.
func (c *FakeClient) DownloadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloadCalls
}

func (c *FakeClient) DownloadURL(ctx context.Context, id domain.RemoteID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[id]; !ok {
		return "", &StatusError{StatusCode: 404}
	}
	return "fake://" + string(id), nil
}

func (c *FakeClient) Download(ctx context.Context, url string, byteRange *ByteRange) (io.ReadCloser, error) {
	id := domain.RemoteID(strings.TrimPrefix(url, "fake://"))

	if hook := c.loadHook(); hook != nil {
		hook(id, byteRange)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadCalls++

	if errs := c.scripted[id]; len(errs) > 0 {
		err := errs[0]
		c.scripted[id] = errs[1:]
		return nil, err
	}

	content, ok := c.objects[id]
	if !ok {
		return nil, &StatusError{StatusCode: 404}
	}
	if byteRange != nil {
		start, limit := byteRange.Start, byteRange.Limit
		if start > uint64(len(content)) {
			start = uint64(len(content))
		}
		if limit > uint64(len(content)) {
			limit = uint64(len(content))
		}
		content = content[start:limit]
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (c *FakeClient) loadHook() func(domain.RemoteID, *ByteRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BeforeDownload
}
