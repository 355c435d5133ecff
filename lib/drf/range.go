/*
Copyright 2024 Fermi National Accelerator Laboratory

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package drf

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeKind discriminates the array-range variants of a DRF request.
type RangeKind int

const (
	// RangeNone means the request carries no range at all.
	RangeNone RangeKind = iota
	// RangeFull covers the whole array: "[]" or "[:]".
	RangeFull
	// RangeSingle selects one element: "[n]".
	RangeSingle
	// RangeStd is a slice with optional bounds: "[a:b]", "[a:]", "[:b]".
	RangeStd
)

// Range is the optional array slice of a request. Start/End are only
// meaningful when the matching Has flag is set.
type Range struct {
	Kind     RangeKind
	Start    int
	End      int
	HasStart bool
	HasEnd   bool
}

// ParseRange parses the text between the range brackets (brackets
// excluded). The empty string and ":" both mean the full array.
func ParseRange(s string) (Range, error) {
	if s == "" || s == ":" {
		return Range{Kind: RangeFull}, nil
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		r := Range{Kind: RangeStd}
		if left := s[:i]; left != "" {
			n, err := strconv.Atoi(left)
			if err != nil || n < 0 {
				return Range{}, fmt.Errorf("invalid range start %q", left)
			}
			r.Start, r.HasStart = n, true
		}
		if right := s[i+1:]; right != "" {
			n, err := strconv.Atoi(right)
			if err != nil || n < 0 {
				return Range{}, fmt.Errorf("invalid range end %q", right)
			}
			r.End, r.HasEnd = n, true
		}
		if !r.HasStart && !r.HasEnd {
			return Range{Kind: RangeFull}, nil
		}
		return r, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Range{}, fmt.Errorf("invalid range index %q", s)
	}
	return Range{Kind: RangeSingle, Start: n, HasStart: true}, nil
}

// String renders the range in canonical form. "[]" and "[:]" both
// canonicalize to "[:]"; the absent range renders as the empty string.
func (r Range) String() string {
	switch r.Kind {
	case RangeNone:
		return ""
	case RangeFull:
		return "[:]"
	case RangeSingle:
		return "[" + strconv.Itoa(r.Start) + "]"
	case RangeStd:
		var b strings.Builder
		b.WriteByte('[')
		if r.HasStart {
			b.WriteString(strconv.Itoa(r.Start))
		}
		b.WriteByte(':')
		if r.HasEnd {
			b.WriteString(strconv.Itoa(r.End))
		}
		b.WriteByte(']')
		return b.String()
	}
	return ""
}
