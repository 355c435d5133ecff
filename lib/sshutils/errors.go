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

package sshutils

import (
	"errors"
	"fmt"
	"time"
)

// AuthenticationError means the server rejected our credentials. Callers
// match it with IsAuthenticationError instead of string comparison.
type AuthenticationError struct {
	// Host is the hop that rejected us.
	Host string
	// User is the login name we presented.
	User string
	// Err is the underlying handshake error.
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %v@%v: %v", e.User, e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsAuthenticationError reports whether err is (or wraps) an
// authentication failure.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// ConnectionError means the transport to a hop could not be established
// or was lost.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %v failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a transport
// failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// TimeoutError means a wall-clock budget ran out mid-operation.
type TimeoutError struct {
	// Op names the operation that timed out.
	Op string
	// Timeout is the budget that was exceeded.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %v", e.Timeout, e.Op)
}

// IsTimeoutError reports whether err is (or wraps) a timeout.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ErrProcessExited is returned when a remote process ends before
// producing the output the caller is waiting on.
var ErrProcessExited = errors.New("Process exited")
