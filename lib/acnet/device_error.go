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

package acnet

import (
	"errors"
	"fmt"
)

// DeviceError is any non-success wire result for a device operation.
type DeviceError struct {
	// DRF identifies the request that failed. May be empty for
	// transport-level failures that predate any device.
	DRF string
	// Facility is the facility code of the status.
	Facility int
	// ErrorCode is the signed error number, negative for failures.
	ErrorCode int
	// Message carries the upstream text when one was available.
	Message string
}

func (e *DeviceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = StatusMessage(e.Facility, e.ErrorCode)
	}
	if e.DRF == "" {
		return fmt.Sprintf("device error [%d %d]: %s", e.Facility, e.ErrorCode, msg)
	}
	return fmt.Sprintf("%s [%d %d]: %s", e.DRF, e.Facility, e.ErrorCode, msg)
}

// NewDeviceError builds a DeviceError from decomposed codes.
func NewDeviceError(drf string, facility, errorCode int, message string) *DeviceError {
	return &DeviceError{DRF: drf, Facility: facility, ErrorCode: errorCode, Message: message}
}

// DeviceErrorFromComposite builds a DeviceError from a composite status.
func DeviceErrorFromComposite(drf string, composite int, message string) *DeviceError {
	facility, errorNumber := ParseError(composite)
	return NewDeviceError(drf, facility, errorNumber, message)
}

// IsDeviceError reports whether err is (or wraps) a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsTimeout reports whether err is a DeviceError carrying the request
// timeout code.
func IsTimeout(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.ErrorCode == ErrTimeout
}
