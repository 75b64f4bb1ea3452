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

package hydration

import "sync"

// publishDelta throttles progress chatter: intermediate values are only
// published when they moved at least this many points. 0 and 100 always
// publish, so very short downloads may emit exactly those two.
const publishDelta = 5

// Progress publishes a download percentage to any number of subscribers.
// Late subscribers immediately observe the last published value.
type Progress struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	last uint8
	// GUARDED_BY(mu)
	published uint8
	// GUARDED_BY(mu)
	subs map[chan uint8]struct{}
	// GUARDED_BY(mu)
	closed bool
}

func NewProgress() *Progress {
	return &Progress{subs: make(map[chan uint8]struct{})}
}

// Publish records pct and fans it out when it cleared the throttle.
// Values are monotonic; a lower value than the last is ignored.
func (p *Progress) Publish(pct uint8) {
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || pct < p.last {
		return
	}
	p.last = pct

	if pct != 0 && pct != 100 && pct < p.published+publishDelta {
		return
	}
	p.published = pct

	for ch := range p.subs {
		// Slow subscribers keep only the freshest value.
		select {
		case ch <- pct:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- pct:
			default:
			}
		}
	}
}

// Current returns the latest value.
func (p *Progress) Current() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Subscribe returns the current value and a channel of subsequent
// published values. The channel closes when the download ends.
func (p *Progress) Subscribe() (uint8, <-chan uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan uint8, 1)
	if p.closed {
		close(ch)
		return p.last, ch
	}
	p.subs[ch] = struct{}{}
	return p.last, ch
}

// Unsubscribe detaches a channel returned by Subscribe.
func (p *Progress) Unsubscribe(ch <-chan uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		if sub == ch {
			delete(p.subs, sub)
			close(sub)
			return
		}
	}
}

// Close ends publication and closes all subscriber channels.
func (p *Progress) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
