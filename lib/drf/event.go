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
	"math"
	"strconv"
	"strings"
)

// Event is the timing modifier of a request. The raw text (without the
// leading '@') is preserved so canonical output re-emits exactly what was
// parsed. OneShot distinguishes at-most-one-reading events from streams.
type Event interface {
	// String returns the raw event text without the '@'. DefaultEvent
	// returns the empty string.
	String() string
	// OneShot is true when the event yields at most one reading.
	OneShot() bool
}

// DefaultEvent stands for an absent event: the backend picks the default.
type DefaultEvent struct{}

func (DefaultEvent) String() string { return "" }
func (DefaultEvent) OneShot() bool  { return true }

// ImmediateEvent ("@I") requests one reading as soon as possible.
type ImmediateEvent struct {
	Raw string
}

func (e ImmediateEvent) String() string { return e.Raw }
func (ImmediateEvent) OneShot() bool    { return true }

// NeverEvent ("@N") sets up the request without ever collecting data.
type NeverEvent struct {
	Raw string
}

func (e NeverEvent) String() string { return e.Raw }
func (NeverEvent) OneShot() bool    { return true }

// PeriodicEvent ("@p,<dur>" or "@q,<dur>") samples on a period. Mode q is
// one reading per period request (one-shot); mode p streams continuously.
type PeriodicEvent struct {
	Raw string
	// PeriodMillis is the sampling period converted to integer
	// milliseconds with half-up rounding.
	PeriodMillis int
	// OneShotPeriod is true for mode Q.
	OneShotPeriod bool
}

func (e PeriodicEvent) String() string { return e.Raw }
func (e PeriodicEvent) OneShot() bool  { return e.OneShotPeriod }

// ClockEvent ("@e,<evid>[,<mode>[,<delay>]]") samples on an accelerator
// clock event.
type ClockEvent struct {
	Raw string
	// EventID is the clock event number as written (hex digits).
	EventID string
	// DelayMillis is the optional delay after the clock event.
	DelayMillis int
}

func (e ClockEvent) String() string { return e.Raw }
func (ClockEvent) OneShot() bool    { return false }

// StateEvent ("@s,...") samples on a state-device transition.
type StateEvent struct {
	Raw string
}

func (e StateEvent) String() string { return e.Raw }
func (StateEvent) OneShot() bool    { return false }

// ParseEvent parses the event text following '@'. The empty string is a
// parse error: '@' with nothing after it is forbidden.
func ParseEvent(s string) (Event, error) {
	if s == "" {
		return nil, fmt.Errorf("empty event")
	}
	switch s[0] {
	case 'i', 'I':
		return ImmediateEvent{Raw: s}, nil
	case 'n', 'N':
		return NeverEvent{Raw: s}, nil
	case 'p', 'P', 'q', 'Q':
		parts := strings.SplitN(s, ",", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("periodic event %q needs a duration", s)
		}
		ms, err := parsePeriodMillis(parts[1])
		if err != nil {
			return nil, err
		}
		mode := s[0] == 'q' || s[0] == 'Q'
		return PeriodicEvent{Raw: s, PeriodMillis: ms, OneShotPeriod: mode}, nil
	case 'e', 'E':
		parts := strings.Split(s, ",")
		if len(parts) < 2 || parts[1] == "" {
			return nil, fmt.Errorf("clock event %q needs an event number", s)
		}
		ev := ClockEvent{Raw: s, EventID: parts[1]}
		if len(parts) >= 4 && parts[3] != "" {
			d, err := strconv.Atoi(parts[3])
			if err != nil || d < 0 {
				return nil, fmt.Errorf("clock event %q has invalid delay %q", s, parts[3])
			}
			ev.DelayMillis = d
		}
		return ev, nil
	case 's', 'S':
		return StateEvent{Raw: s}, nil
	}
	return nil, fmt.Errorf("unknown event %q", s)
}

// parsePeriodMillis converts a periodic-event duration token to integer
// milliseconds. The unit suffix selects the scale: none or M = ms, U = us,
// S = s, H = Hz, K = kHz. The value is computed in double precision and
// rounded half-up; zero is always zero.
func parsePeriodMillis(s string) (int, error) {
	mantissa := s
	unit := byte('M')
	if last := s[len(s)-1]; last < '0' || last > '9' {
		mantissa = s[:len(s)-1]
		unit = upperByte(last)
	}
	v, err := strconv.ParseFloat(mantissa, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if v == 0 {
		return 0, nil
	}
	var ms float64
	switch unit {
	case 'M':
		ms = v
	case 'U':
		ms = v / 1000
	case 'S':
		ms = v * 1000
	case 'H':
		ms = 1000 / v
	case 'K':
		ms = 1 / v
	default:
		return 0, fmt.Errorf("invalid duration unit %q in %q", unit, s)
	}
	return int(math.Floor(ms + 0.5)), nil
}

func upperByte(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
