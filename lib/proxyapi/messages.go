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

// Package proxyapi defines the wire surface of the supervised proxy: a
// gRPC service with four RPCs (Read, Set, Alarms, Subscribe) carried
// with a JSON codec, so the schema lives in these structs instead of a
// generated stub.
package proxyapi

import (
	"encoding/json"
	"time"

	"github.com/fermi-controls/pacsys/lib/backend"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pacsys.DPM"

// Codec is the content-subtype both sides register and request.
const Codec = "json"

// ReadRequest asks for one reading per DRF.
type ReadRequest struct {
	DRFs []string `json:"drfs"`
}

// MarshalBinary renders the wire form, which is what the audit binary
// sink records.
func (m *ReadRequest) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// Reading is one device observation on the wire.
type Reading struct {
	// Index is the position of the DRF in the originating request.
	Index int `json:"index"`
	DRF   string `json:"drf"`
	// Type is the value taxonomy tag: scalar, scalar_array, text,
	// digital.
	Type string `json:"type,omitempty"`
	// Exactly one of the value fields is set on success.
	Scalar      *float64  `json:"scalar,omitempty"`
	ScalarArray []float64 `json:"scalar_array,omitempty"`
	Text        *string   `json:"text,omitempty"`
	Digital     *uint64   `json:"digital,omitempty"`

	Facility  int       `json:"facility_code,omitempty"`
	ErrorCode int       `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadReply carries the readings of a unary Read or Alarms call.
type ReadReply struct {
	Readings []Reading `json:"readings"`
}

func (m *ReadReply) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// Setting is one write on the wire.
type Setting struct {
	DRF         string    `json:"drf"`
	Scalar      *float64  `json:"scalar,omitempty"`
	ScalarArray []float64 `json:"scalar_array,omitempty"`
	Text        *string   `json:"text,omitempty"`
}

// SetRequest applies settings in order.
type SetRequest struct {
	Settings []Setting `json:"settings"`
}

func (m *SetRequest) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// WriteStatus reports one write outcome.
type WriteStatus struct {
	DRF       string `json:"drf"`
	Facility  int    `json:"facility_code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SetReply carries per-setting outcomes, input order preserved.
type SetReply struct {
	Results []WriteStatus `json:"results"`
}

func (m *SetReply) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// AlarmsRequest reads alarm blocks; DRFs are qualified to their alarm
// property by the server when the caller passes bare device names.
type AlarmsRequest struct {
	DRFs []string `json:"drfs"`
}

func (m *AlarmsRequest) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// SubscribeRequest opens a server stream of readings.
type SubscribeRequest struct {
	DRFs []string `json:"drfs"`
}

func (m *SubscribeRequest) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// DRFList returns the DRFs named by a request message, for policy and
// audit.
func (m *ReadRequest) DRFList() []string      { return m.DRFs }
func (m *AlarmsRequest) DRFList() []string    { return m.DRFs }
func (m *SubscribeRequest) DRFList() []string { return m.DRFs }

// DRFList lists the target DRFs of each setting, in order.
func (m *SetRequest) DRFList() []string {
	drfs := make([]string, 0, len(m.Settings))
	for _, s := range m.Settings {
		drfs = append(drfs, s.DRF)
	}
	return drfs
}

// ToValue converts a wire setting to a backend value.
func (s Setting) ToValue() backend.Value {
	switch {
	case s.Scalar != nil:
		return backend.NewScalar(*s.Scalar)
	case len(s.ScalarArray) > 0:
		return backend.NewScalarArray(s.ScalarArray)
	case s.Text != nil:
		return backend.NewText(*s.Text)
	}
	return backend.NewScalar(0)
}

// FromReading converts a backend reading to its wire form.
func FromReading(index int, r backend.Reading) Reading {
	out := Reading{
		Index:     index,
		DRF:       r.DRF,
		Facility:  r.Facility,
		ErrorCode: r.ErrorCode,
		Message:   r.Message,
		Timestamp: r.Timestamp,
	}
	if !r.HasValue {
		return out
	}
	out.Type = r.Type.String()
	switch r.Type {
	case backend.TypeScalar:
		if v, ok := r.Value.Scalar(); ok {
			out.Scalar = &v
		}
	case backend.TypeScalarArray:
		if v, ok := r.Value.ScalarArray(); ok {
			out.ScalarArray = v
		}
	case backend.TypeText:
		if v, ok := r.Value.Text(); ok {
			out.Text = &v
		}
	case backend.TypeDigital:
		if v, ok := r.Value.Digital(); ok {
			out.Digital = &v
		}
	}
	return out
}

// ToReading converts a wire reading back to the backend form.
func (r Reading) ToReading() backend.Reading {
	out := backend.Reading{
		DRF:       r.DRF,
		Facility:  r.Facility,
		ErrorCode: r.ErrorCode,
		Message:   r.Message,
		Timestamp: r.Timestamp,
	}
	switch {
	case r.Scalar != nil:
		out.Type = backend.TypeScalar
		out.Value = backend.NewScalar(*r.Scalar)
		out.HasValue = true
	case len(r.ScalarArray) > 0:
		out.Type = backend.TypeScalarArray
		out.Value = backend.NewScalarArray(r.ScalarArray)
		out.HasValue = true
	case r.Text != nil:
		out.Type = backend.TypeText
		out.Value = backend.NewText(*r.Text)
		out.HasValue = true
	case r.Digital != nil:
		out.Type = backend.TypeDigital
		out.Value = backend.NewDigital(*r.Digital)
		out.HasValue = true
	}
	return out
}
