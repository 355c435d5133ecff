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

package dpm

import (
	"time"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
)

// Client message types.
const (
	msgAddToList      = "addToList"
	msgStartList      = "startList"
	msgStopList       = "stopList"
	msgRemoveFromList = "removeFromList"
	msgApplySettings  = "applySettings"
	msgEnableSettings = "enableSettings"
)

// Manager message types.
const (
	msgDeviceInfo  = "deviceInfo"
	msgReading     = "reading"
	msgStatus      = "status"
	msgApplyStatus = "applyStatus"
	msgListStatus  = "listStatus"
)

// request is a client-to-manager message. Fields beyond Type are set
// per message type.
type request struct {
	Type string `json:"type"`
	// Ref correlates one list entry (addToList, removeFromList).
	Ref uint64 `json:"ref,omitempty"`
	// DRF is the request string being added (addToList).
	DRF string `json:"drf,omitempty"`
	// Refs names the entries affected by stopList/removeFromList.
	Refs []uint64 `json:"refs,omitempty"`
	// Role is the settings role (enableSettings, applySettings).
	Role string `json:"role,omitempty"`
	// Settings carries the values of an applySettings message.
	Settings []wireSetting `json:"settings,omitempty"`
}

// wireSetting is one entry of an applySettings message. Exactly one
// value field is set.
type wireSetting struct {
	Ref     uint64    `json:"ref"`
	DRF     string    `json:"drf"`
	Scalar  *float64  `json:"scalar,omitempty"`
	Array   []float64 `json:"array,omitempty"`
	Text    *string   `json:"text,omitempty"`
	Digital *uint64   `json:"digital,omitempty"`
}

// reply is a manager-to-client message. The manager answers every list
// entry with deviceInfo once, then reading or status messages; settings
// are acknowledged per entry with applyStatus.
type reply struct {
	Type string `json:"type"`
	Ref  uint64 `json:"ref"`

	// deviceInfo
	DI    int    `json:"di,omitempty"`
	Name  string `json:"name,omitempty"`
	Units string `json:"units,omitempty"`

	// reading
	Scalar  *float64  `json:"scalar,omitempty"`
	Array   []float64 `json:"array,omitempty"`
	Text    *string   `json:"text,omitempty"`
	Digital *uint64   `json:"digital,omitempty"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"ts,omitempty"`
	Cycle     int64 `json:"cycle,omitempty"`

	// status, applyStatus, listStatus: a composite status code
	// (facility + 256*signed error number).
	Status int `json:"status,omitempty"`
}

func newWireSetting(ref uint64, s backend.Setting) wireSetting {
	w := wireSetting{Ref: ref, DRF: s.DRF}
	switch s.Value.Type() {
	case backend.TypeScalar:
		v, _ := s.Value.Scalar()
		w.Scalar = &v
	case backend.TypeScalarArray:
		w.Array, _ = s.Value.ScalarArray()
	case backend.TypeText:
		v, _ := s.Value.Text()
		w.Text = &v
	case backend.TypeDigital:
		v, _ := s.Value.Digital()
		w.Digital = &v
	}
	return w
}

// toReading converts a manager reply into a Reading for the given DRF.
// A status reply becomes an errored (or warning) reading with no data.
func (r reply) toReading(drf string, info *reply) backend.Reading {
	reading := backend.Reading{DRF: drf, Timestamp: time.UnixMilli(r.Timestamp)}
	if r.Timestamp == 0 {
		reading.Timestamp = time.Now()
	}
	if info != nil {
		reading.Meta = map[string]interface{}{"di": info.DI, "name": info.Name}
		if info.Units != "" {
			reading.Meta["units"] = info.Units
		}
	}
	if r.Cycle != 0 {
		if reading.Meta == nil {
			reading.Meta = map[string]interface{}{}
		}
		reading.Meta["cycle"] = r.Cycle
	}

	switch {
	case r.Type == msgStatus:
		facility, errorNumber := acnet.ParseError(r.Status)
		reading.Facility = facility
		reading.ErrorCode = errorNumber
		reading.Message = acnet.StatusMessage(facility, errorNumber)
	case r.Scalar != nil:
		reading.Type = backend.TypeScalar
		reading.Value = backend.NewScalar(*r.Scalar)
		reading.HasValue = true
	case r.Array != nil:
		reading.Type = backend.TypeScalarArray
		reading.Value = backend.NewScalarArray(r.Array)
		reading.HasValue = true
	case r.Text != nil:
		reading.Type = backend.TypeText
		reading.Value = backend.NewText(*r.Text)
		reading.HasValue = true
	case r.Digital != nil:
		reading.Type = backend.TypeDigital
		reading.Value = backend.NewDigital(*r.Digital)
		reading.HasValue = true
	}
	return reading
}

// toWriteResult converts an applyStatus reply for the given DRF.
func (r reply) toWriteResult(drf string) backend.WriteResult {
	facility, errorNumber := acnet.ParseError(r.Status)
	result := backend.WriteResult{DRF: drf, Facility: facility, ErrorCode: errorNumber, Attempts: 1}
	if errorNumber != 0 {
		result.Message = acnet.StatusMessage(facility, errorNumber)
	}
	return result
}
