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

// Package locker provides mutexes with optional invariant checking and
// hung-lock tracing, enabled process-wide for debug builds and tests.
package locker

import (
	"runtime"
	"sync"
	"time"

	"github.com/Enigmora/lnxdrive/internal/logger"
)

var (
	gEnableInvariantsCheck bool
	gEnableDebugMessages   bool
)

// EnableInvariantsCheck makes every locker created afterwards run its check
// function on lock and unlock.
func EnableInvariantsCheck() { gEnableInvariantsCheck = true }

// EnableDebugMessages makes every locker created afterwards by New log a
// warning when it is held for more than five seconds. Read/write lockers
// from NewRW are not traced.
func EnableDebugMessages() { gEnableDebugMessages = true }

type Locker interface {
	sync.Locker
}

type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// New returns a locker that runs the supplied check while the lock is held,
// when invariant checking is enabled.
func New(name string, check func()) Locker {
	var l Locker = &sync.Mutex{}
	if gEnableInvariantsCheck {
		l = &checker{locker: l, check: check}
	}
	if gEnableDebugMessages {
		l = &debugger{locker: l, name: name}
	}
	return l
}

// NewRW is New for read/write locks. The check runs only around the writer
// side.
func NewRW(name string, check func()) RWLocker {
	var l RWLocker = &sync.RWMutex{}
	if gEnableInvariantsCheck {
		l = &rwChecker{locker: l, check: check}
	}
	return l
}

type checker struct {
	locker Locker
	check  func()
}

func (c *checker) Lock() {
	c.locker.Lock()
	c.check()
}

func (c *checker) Unlock() {
	c.check()
	c.locker.Unlock()
}

type rwChecker struct {
	locker RWLocker
	check  func()
}

func (c *rwChecker) Lock() {
	c.locker.Lock()
	c.check()
}

func (c *rwChecker) Unlock() {
	c.check()
	c.locker.Unlock()
}

func (c *rwChecker) RLock()   { c.locker.RLock() }
func (c *rwChecker) RUnlock() { c.locker.RUnlock() }

type debugger struct {
	locker Locker
	name   string
	holder string
	timer  *time.Timer
}

func (d *debugger) Lock() {
	d.locker.Lock()

	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	d.holder = string(buf[:n])

	d.timer = time.AfterFunc(5*time.Second, func() {
		logger.Warnf("locker: %q held for >5s by:\n%s", d.name, d.holder)
	})
}

func (d *debugger) Unlock() {
	d.holder = ""
	d.timer.Stop()
	d.timer = nil

	d.locker.Unlock()
}
