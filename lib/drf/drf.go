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

// Package drf implements the Device Request Format grammar: parsing,
// canonicalization and event classification for strings of the shape
//
//	DEVICE.PROPERTY[range].FIELD@event
//
// A device name carries a delimiter after its first character which doubles
// as a property hint (M:OUTTMP reads, M_OUTTMP sets, M|OUTTMP is status).
// An explicit .PROPERTY suffix overrides the hint.
package drf

import (
	"fmt"
	"strings"
)

// Property is a device property selected by a DRF request.
type Property string

const (
	PropReading      Property = "READING"
	PropSetting      Property = "SETTING"
	PropStatus       Property = "STATUS"
	PropControl      Property = "CONTROL"
	PropAnalogAlarm  Property = "ANALOG_ALARM"
	PropDigitalAlarm Property = "DIGITAL_ALARM"
	PropDescription  Property = "DESCRIPTION"
)

// Field selects the data transform applied to a property.
type Field string

const (
	// FieldNone marks properties that carry no field (STATUS, DESCRIPTION).
	FieldNone    Field = ""
	FieldRaw     Field = "RAW"
	FieldPrimary Field = "PRIMARY"
	FieldScaled  Field = "SCALED"
	FieldCommon  Field = "COMMON"
)

// delimiters maps the device-name delimiter to the property it hints at.
var delimiters = map[byte]Property{
	':': PropReading,
	'_': PropSetting,
	'|': PropStatus,
	'&': PropControl,
	'@': PropAnalogAlarm,
	'$': PropDigitalAlarm,
	'~': PropDescription,
}

var properties = map[string]Property{
	string(PropReading):      PropReading,
	string(PropSetting):      PropSetting,
	string(PropStatus):       PropStatus,
	string(PropControl):      PropControl,
	string(PropAnalogAlarm):  PropAnalogAlarm,
	string(PropDigitalAlarm): PropDigitalAlarm,
	string(PropDescription):  PropDescription,
}

var fields = map[string]Field{
	string(FieldRaw):     FieldRaw,
	string(FieldPrimary): FieldPrimary,
	string(FieldScaled):  FieldScaled,
	string(FieldCommon):  FieldCommon,
}

// DelimiterFor returns the device-name delimiter encoding the given
// property in qualified form.
func DelimiterFor(p Property) byte {
	for d, prop := range delimiters {
		if prop == p {
			return d
		}
	}
	return ':'
}

// ParseError reports a deterministic syntactic violation of the grammar.
type ParseError struct {
	// Input is the full text handed to the parser.
	Input string
	// Pos is the byte offset where parsing failed.
	Pos int
	// Msg describes the violation.
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse DRF %q at position %d: %s", e.Input, e.Pos, e.Msg)
}

func parseErr(input string, pos int, format string, args ...interface{}) error {
	return &ParseError{Input: input, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Device is the parsed device portion of a request: the canonical name
// (delimiter normalized to ':') plus the property hinted by the original
// delimiter.
type Device struct {
	// Name is the canonical device name, e.g. "M:OUTTMP".
	Name string
	// Hint is the property encoded by the delimiter the request used.
	Hint Property
}

// Canonical returns the canonical device name (colon delimiter).
func (d Device) Canonical() string {
	return d.Name
}

// Qualified returns the device name with the delimiter encoding prop.
func (d Device) Qualified(prop Property) string {
	if len(d.Name) < 2 {
		return d.Name
	}
	return d.Name[:1] + string(DelimiterFor(prop)) + d.Name[2:]
}

// QualifiedDevice rewrites a canonical device name so its delimiter encodes
// the given property.
func QualifiedDevice(name string, prop Property) string {
	return Device{Name: name}.Qualified(prop)
}

// Request is a fully parsed DRF request.
type Request struct {
	Device   Device
	Property Property
	Range    Range
	Field    Field
	Event    Event
	// Routing is the backend-routing hint following "<-", without the
	// arrow, e.g. "FTP". Empty when absent.
	Routing string
}

// eventSplit locates the '@' that starts the event portion. The device
// delimiter at offset 1 may itself be '@' (analog alarm hint), so the
// search starts past it.
func eventSplit(s string) int {
	if len(s) < 3 {
		return -1
	}
	i := strings.IndexByte(s[2:], '@')
	if i < 0 {
		return -1
	}
	return i + 2
}

// Parse parses text into a Request. Parsing is total: any syntactic
// violation yields a *ParseError.
func Parse(text string) (Request, error) {
	var req Request

	body := text
	if i := strings.Index(body, "<-"); i >= 0 {
		req.Routing = body[i+2:]
		body = body[:i]
		if req.Routing == "" {
			return req, parseErr(text, i, "empty routing hint after \"<-\"")
		}
	}

	req.Event = DefaultEvent{}
	if i := eventSplit(body); i >= 0 {
		ev, err := ParseEvent(body[i+1:])
		if err != nil {
			return req, parseErr(text, i+1, "%v", err)
		}
		req.Event = ev
		body = body[:i]
	} else if strings.HasSuffix(body, "@") {
		// a bare trailing '@' on a too-short body
		return req, parseErr(text, len(body)-1, "empty event")
	}

	dev, n, err := parseDevicePrefix(text, body)
	if err != nil {
		return req, err
	}
	req.Device = dev

	explicitProp := false
	haveRange := false
	pos := n
	for pos < len(body) {
		switch body[pos] {
		case '[':
			end := strings.IndexByte(body[pos:], ']')
			if end < 0 {
				return req, parseErr(text, pos, "unterminated range")
			}
			if haveRange {
				return req, parseErr(text, pos, "duplicate range")
			}
			if req.Field != FieldNone {
				return req, parseErr(text, pos, "range must precede field")
			}
			rng, err := ParseRange(body[pos+1 : pos+end])
			if err != nil {
				return req, parseErr(text, pos, "%v", err)
			}
			req.Range = rng
			haveRange = true
			pos += end + 1
		case '.':
			j := pos + 1
			for j < len(body) && body[j] != '.' && body[j] != '[' {
				j++
			}
			name := strings.ToUpper(body[pos+1 : j])
			if name == "" {
				return req, parseErr(text, pos, "empty segment")
			}
			if p, ok := properties[name]; ok && !explicitProp && !haveRange && req.Field == FieldNone {
				req.Property = p
				explicitProp = true
			} else if f, ok := fields[name]; ok && req.Field == FieldNone {
				req.Field = f
			} else {
				return req, parseErr(text, pos+1, "unknown segment %q", name)
			}
			pos = j
		default:
			return req, parseErr(text, pos, "unexpected character %q", body[pos])
		}
	}

	if !explicitProp {
		req.Property = dev.Hint
	}
	if req.Field != FieldNone && !propertyHasField(req.Property) {
		return req, parseErr(text, 0, "property %s does not carry a field", req.Property)
	}
	if req.Field == FieldNone && propertyHasField(req.Property) {
		req.Field = FieldScaled
	}
	return req, nil
}

// ParseDevice parses only the device prefix of text, which may be a full
// DRF request.
func ParseDevice(text string) (Device, error) {
	body := text
	if i := strings.Index(body, "<-"); i >= 0 {
		body = body[:i]
	}
	if i := eventSplit(body); i >= 0 {
		body = body[:i]
	}
	dev, _, err := parseDevicePrefix(text, body)
	return dev, err
}

// parseDevicePrefix consumes the device name at the start of body and
// returns the device plus the offset of the first unconsumed byte. The
// original input is carried for error reporting.
func parseDevicePrefix(input, body string) (Device, int, error) {
	if len(body) < 3 {
		return Device{}, 0, parseErr(input, 0, "device name too short")
	}
	if !isDeviceChar(body[0]) {
		return Device{}, 0, parseErr(input, 0, "invalid device name start %q", body[0])
	}
	hint, ok := delimiters[body[1]]
	if !ok {
		return Device{}, 0, parseErr(input, 1, "invalid device delimiter %q", body[1])
	}
	n := 2
	for n < len(body) && isDeviceChar(body[n]) {
		n++
	}
	if n == 2 {
		return Device{}, 0, parseErr(input, 2, "empty device name after delimiter")
	}
	name := strings.ToUpper(body[:1] + ":" + body[2:n])
	return Device{Name: name, Hint: hint}, n, nil
}

func isDeviceChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	return false
}

func propertyHasField(p Property) bool {
	switch p {
	case PropStatus, PropDescription:
		return false
	}
	return true
}

// fieldSuffix renders the field for canonical/qualified output. The
// default SCALED field is omitted, as is the absent field.
func (r Request) fieldSuffix() string {
	if r.Field == FieldNone || r.Field == FieldScaled {
		return ""
	}
	return "." + string(r.Field)
}

func (r Request) eventSuffix() string {
	if r.Event == nil {
		return ""
	}
	raw := r.Event.String()
	if raw == "" {
		return ""
	}
	return "@" + raw
}

func (r Request) routingSuffix() string {
	if r.Routing == "" {
		return ""
	}
	return "<-" + r.Routing
}

// Canonical renders the request in canonical form:
// DEVICE.PROPERTY[range][.field]@event. Canonical strings re-parse to an
// equal request.
func (r Request) Canonical() string {
	return r.Device.Canonical() + "." + string(r.Property) +
		r.Range.String() + r.fieldSuffix() + r.eventSuffix() + r.routingSuffix()
}

// Qualified renders the request with the property folded into the device
// delimiter and no explicit .PROPERTY suffix.
func (r Request) Qualified() string {
	return r.Device.Qualified(r.Property) +
		r.Range.String() + r.fieldSuffix() + r.eventSuffix() + r.routingSuffix()
}

// OneShot reports whether the request yields at most one reading.
func (r Request) OneShot() bool {
	if r.Event == nil {
		return true
	}
	return r.Event.OneShot()
}

// DeviceName returns the canonical device name of a DRF string, or the
// input itself when it does not parse (policy matching wants a best-effort
// name, not an error path).
func DeviceName(text string) string {
	dev, err := ParseDevice(text)
	if err != nil {
		return text
	}
	return dev.Name
}

// IsOneShot classifies a DRF string per its event: DefaultEvent (absent),
// @I, @N and one-shot periodic (@q/@Q) requests yield at most one reading.
func IsOneShot(text string) (bool, error) {
	req, err := Parse(text)
	if err != nil {
		return false, err
	}
	return req.OneShot(), nil
}

// AllOneShot reports whether every DRF in the list is one-shot. A mixed
// list is streaming.
func AllOneShot(drfs []string) (bool, error) {
	for _, d := range drfs {
		one, err := IsOneShot(d)
		if err != nil {
			return false, err
		}
		if !one {
			return false, nil
		}
	}
	return true, nil
}

// EnsureImmediateEvent appends "@I" to a DRF that has no event, keeping any
// "<-HANDLE" routing suffix in place. DRFs that already carry an event pass
// through unchanged.
func EnsureImmediateEvent(text string) string {
	body, suffix := text, ""
	if i := strings.Index(text, "<-"); i >= 0 {
		body, suffix = text[:i], text[i:]
	}
	if eventSplit(body) >= 0 {
		return text
	}
	return body + "@I" + suffix
}
