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

// Package cloud declares the slice of the cloud object API the filesystem
// core invokes. The concrete client (auth, throttling, delta queries)
// lives with the sync engine; the core only ever resolves a download URL
// and streams bytes from it.
package cloud

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/Enigmora/lnxdrive/internal/domain"
)

// ByteRange is a half-open range [Start, Limit).
type ByteRange struct {
	Start uint64
	Limit uint64
}

// Client is the download capability of the cloud API.
type Client interface {
	// DownloadURL resolves a short-lived pre-authorized URL for the item.
	DownloadURL(ctx context.Context, id domain.RemoteID) (string, error)

	// Download GETs the URL, with a Range header when byteRange is
	// non-nil, and returns the body stream.
	Download(ctx context.Context, url string, byteRange *ByteRange) (io.ReadCloser, error)
}

// StatusError is a non-2xx HTTP response from the cloud.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "cloud: " + http.StatusText(e.StatusCode)
}

// IsNotFound reports whether the error is a terminal 404: the remote item
// no longer exists.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// IsTransient reports whether a download error is worth retrying: network
// failures, 5xx responses and throttling.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
