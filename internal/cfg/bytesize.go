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

package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ByteSize is a byte count that decodes from either a plain integer or a
// human-readable string such as "10GiB" or "512 KiB".
type ByteSize uint64

var byteSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"tib", 1 << 40}, {"tb", 1 << 40},
	{"gib", 1 << 30}, {"gb", 1 << 30},
	{"mib", 1 << 20}, {"mb", 1 << 20},
	{"kib", 1 << 10}, {"kb", 1 << 10},
	{"b", 1},
}

// ParseByteSize parses "100MiB", "10 GiB", "4096" and friends.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	mult := uint64(1)
	for _, e := range byteSuffixes {
		if strings.HasSuffix(trimmed, e.suffix) {
			mult = e.mult
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, e.suffix))
			break
		}
	}
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return ByteSize(n * mult), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dGiB", b>>30)
	case b >= 1<<20 && b%(1<<20) == 0:
		return fmt.Sprintf("%dMiB", b>>20)
	case b >= 1<<10 && b%(1<<10) == 0:
		return fmt.Sprintf("%dKiB", b>>10)
	}
	return strconv.FormatUint(uint64(b), 10)
}

// stringToByteSizeHookFunc lets mapstructure decode string values into
// ByteSize fields.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}
