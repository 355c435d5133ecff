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

package aclhttp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fermi-controls/pacsys/lib/backend"
)

// ACL error codes look like DIO_NO_SUCH, CLIB_SYNTAX, DIO_NOSCALE.
var errorCodeRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+$`)

// ErrorLine reports whether a response line is an error, with the message
// to surface. Errors are either "! message" or a line whose tail after
// the last " - " is an all-caps error code. Exported because the
// SSH-interpreter backend parses the same output format.
func ErrorLine(line string) (bool, string) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "!") {
		return true, strings.TrimSpace(line[1:])
	}
	if idx := strings.LastIndex(line, " - "); idx >= 0 {
		code := strings.TrimSpace(line[idx+len(" - "):])
		if errorCodeRe.MatchString(code) {
			return true, line
		}
	}
	return false, ""
}

// ParseLine turns one line of ACL output into a value. Lines usually look
// like "DEVICE = VALUE [UNITS]"; bare values (no_name/no_units output)
// have no '='.
func ParseLine(line string) (backend.Value, backend.ValueType) {
	line = strings.TrimSpace(line)

	raw := line
	if idx := strings.Index(line, "="); idx >= 0 {
		raw = strings.TrimSpace(line[idx+1:])
	}
	if raw == "" {
		return backend.NewText(line), backend.TypeText
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return backend.NewScalar(f), backend.TypeScalar
	}

	tokens := strings.Fields(raw)

	// All tokens numeric: an array.
	if len(tokens) > 1 {
		if arr, ok := parseFloats(tokens); ok {
			return backend.NewScalarArray(arr), backend.TypeScalarArray
		}
	}
	// All but the trailing unit token numeric: an array with units.
	if len(tokens) > 2 {
		if arr, ok := parseFloats(tokens[:len(tokens)-1]); ok {
			return backend.NewScalarArray(arr), backend.TypeScalarArray
		}
	}
	// First token numeric: a scalar with units.
	if f, err := strconv.ParseFloat(tokens[0], 64); err == nil {
		return backend.NewScalar(f), backend.TypeScalar
	}

	return backend.NewText(raw), backend.TypeText
}

func parseFloats(tokens []string) ([]float64, bool) {
	out := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}
