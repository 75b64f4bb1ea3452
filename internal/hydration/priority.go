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

// Priority orders competing hydration requests. Higher wins.
type Priority int

const (
	// PriorityPrefetch is speculative download on behalf of desktop
	// integrations.
	PriorityPrefetch Priority = iota

	// PriorityPin is a user pin request.
	PriorityPin

	// PriorityUserOpen is a process blocked in open or read.
	PriorityUserOpen
)

func (p Priority) String() string {
	switch p {
	case PriorityUserOpen:
		return "user-open"
	case PriorityPin:
		return "pin"
	case PriorityPrefetch:
		return "prefetch"
	}
	return "unknown"
}
