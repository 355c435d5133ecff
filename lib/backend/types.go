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

package backend

import (
	"fmt"
	"time"

	"github.com/fermi-controls/pacsys/lib/acnet"
)

// ValueType tags the variant a Value holds.
type ValueType int

const (
	// TypeScalar is a single float64.
	TypeScalar ValueType = iota
	// TypeScalarArray is a slice of float64.
	TypeScalarArray
	// TypeText is a string value.
	TypeText
	// TypeDigital is a bit-packed status word.
	TypeDigital
)

func (t ValueType) String() string {
	switch t {
	case TypeScalar:
		return "scalar"
	case TypeScalarArray:
		return "scalar_array"
	case TypeText:
		return "text"
	case TypeDigital:
		return "digital"
	}
	return fmt.Sprintf("valuetype(%d)", int(t))
}

// Value is the tagged sum of the device value taxonomy. The zero Value is
// a scalar 0.
type Value struct {
	kind    ValueType
	scalar  float64
	array   []float64
	text    string
	digital uint64
}

// NewScalar wraps a float64.
func NewScalar(v float64) Value {
	return Value{kind: TypeScalar, scalar: v}
}

// NewScalarArray wraps a float64 slice. The slice is not copied.
func NewScalarArray(v []float64) Value {
	return Value{kind: TypeScalarArray, array: v}
}

// NewText wraps a string.
func NewText(v string) Value {
	return Value{kind: TypeText, text: v}
}

// NewDigital wraps a bit-packed status word.
func NewDigital(v uint64) Value {
	return Value{kind: TypeDigital, digital: v}
}

// Type returns the variant tag.
func (v Value) Type() ValueType { return v.kind }

// Scalar returns the scalar variant; ok is false for other variants.
func (v Value) Scalar() (float64, bool) { return v.scalar, v.kind == TypeScalar }

// ScalarArray returns the array variant; ok is false for other variants.
func (v Value) ScalarArray() ([]float64, bool) { return v.array, v.kind == TypeScalarArray }

// Text returns the text variant; ok is false for other variants.
func (v Value) Text() (string, bool) { return v.text, v.kind == TypeText }

// Digital returns the bit-packed variant; ok is false for other variants.
func (v Value) Digital() (uint64, bool) { return v.digital, v.kind == TypeDigital }

func (v Value) String() string {
	switch v.kind {
	case TypeScalar:
		return fmt.Sprintf("%g", v.scalar)
	case TypeScalarArray:
		return fmt.Sprintf("%v", v.array)
	case TypeText:
		return v.text
	case TypeDigital:
		return fmt.Sprintf("0x%x", v.digital)
	}
	return "?"
}

// Interface returns the wrapped value as an untyped interface, mainly for
// serialization.
func (v Value) Interface() interface{} {
	switch v.kind {
	case TypeScalar:
		return v.scalar
	case TypeScalarArray:
		return v.array
	case TypeText:
		return v.text
	case TypeDigital:
		return v.digital
	}
	return nil
}

// Reading is one observed value of a device, or the error that took its
// place. ErrorCode follows the signed int8 convention: zero success,
// negative error, positive warning with partial data.
type Reading struct {
	// DRF is the request this reading answers.
	DRF string
	// Type tags the value variant.
	Type ValueType
	// Value holds the data when the reading succeeded (or is a warning
	// with partial data).
	Value Value
	// HasValue distinguishes a genuine scalar zero from an errored
	// reading with no data at all.
	HasValue bool
	// Facility is the facility code of the status.
	Facility int
	// ErrorCode is the signed error number.
	ErrorCode int
	// Message carries the upstream error or warning text.
	Message string
	// Timestamp is when the reading was taken.
	Timestamp time.Time
	// Meta carries backend-specific metadata (units, di, cycle).
	Meta map[string]interface{}
}

// Ok is true when the reading carries no error or warning.
func (r Reading) Ok() bool { return r.ErrorCode == 0 }

// IsError is true for a failed reading (negative code).
func (r Reading) IsError() bool { return r.ErrorCode < 0 }

// IsWarning is true for a positive code: partial data with a caveat.
func (r Reading) IsWarning() bool { return r.ErrorCode > 0 }

// Err converts a failed reading to its DeviceError, or nil when the
// reading is usable.
func (r Reading) Err() error {
	if !r.IsError() {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = fmt.Sprintf("read failed with status %d", r.ErrorCode)
	}
	return acnet.NewDeviceError(r.DRF, r.Facility, r.ErrorCode, msg)
}

// Setting pairs a DRF with the value to write.
type Setting struct {
	DRF   string
	Value Value
}

// WriteResult reports the outcome of a single write.
type WriteResult struct {
	DRF       string
	Facility  int
	ErrorCode int
	Message   string
	// Verified is set by the optional read-back check.
	Verified bool
	// Attempts counts wire attempts made for this write.
	Attempts int
}

// Success is true when the write was accepted.
func (w WriteResult) Success() bool { return w.ErrorCode == 0 }

// Err converts a failed write to its DeviceError, or nil on success.
func (w WriteResult) Err() error {
	if w.ErrorCode >= 0 {
		return nil
	}
	return acnet.NewDeviceError(w.DRF, w.Facility, w.ErrorCode, w.Message)
}
