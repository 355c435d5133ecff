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

// Package backend declares the uniform contract every upstream provider
// implements: synchronous reads and writes, batch variants, and
// event-driven subscriptions delivered through a bounded handle.
//
// All wire-touching methods take a context; cancellation or deadline
// expiry aborts the in-flight operation best effort. Capability gaps fail
// with *UnsupportedOperationError, never silently no-op.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Capability is a bitset describing what a backend can do.
type Capability uint

const (
	// CapRead allows Get/GetMany/Read.
	CapRead Capability = 1 << iota
	// CapWrite allows Write/WriteMany.
	CapWrite
	// CapStream allows Subscribe.
	CapStream
	// CapAuth means the backend authenticates to its upstream.
	CapAuth
	// CapBatch means GetMany is a true batch, not a loop.
	CapBatch
)

// Has reports whether all bits of want are present.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	var parts []string
	for _, e := range []struct {
		bit  Capability
		name string
	}{
		{CapRead, "READ"},
		{CapWrite, "WRITE"},
		{CapStream, "STREAM"},
		{CapAuth, "AUTH"},
		{CapBatch, "BATCH"},
	} {
		if c.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// UnsupportedOperationError is returned when an operation needs a
// capability the backend does not have.
type UnsupportedOperationError struct {
	// Op is the operation that was attempted.
	Op string
	// Missing is the capability the backend lacks.
	Missing Capability
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("backend does not support %s (missing capability %s)", e.Op, e.Missing)
}

// Unsupported builds the error for an operation gated by a missing
// capability.
func Unsupported(op string, missing Capability) error {
	return &UnsupportedOperationError{Op: op, Missing: missing}
}

// IsUnsupported reports whether err is (or wraps) an unsupported
// operation error.
func IsUnsupported(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("backend is closed")

// ReadingCallback receives streamed readings in callback mode.
type ReadingCallback func(Reading, *Handle)

// ErrorCallback receives the terminal subscription error in callback mode.
type ErrorCallback func(error, *Handle)

// Backend is the uniform provider contract.
type Backend interface {
	// Capabilities returns the immutable capability bitset.
	Capabilities() Capability

	// Read returns the unwrapped value of one device, failing with a
	// DeviceError on any non-success status.
	Read(ctx context.Context, drf string) (Value, error)

	// Get returns one device reading with full metadata. Per-device
	// failures are carried inside the Reading, not returned as errors.
	Get(ctx context.Context, drf string) (Reading, error)

	// GetMany reads a batch. The result preserves input order and has
	// exactly one reading per requested DRF.
	GetMany(ctx context.Context, drfs []string) ([]Reading, error)

	// Write sets one device.
	Write(ctx context.Context, drf string, value Value) (WriteResult, error)

	// WriteMany applies settings in order; results preserve input order.
	WriteMany(ctx context.Context, settings []Setting) ([]WriteResult, error)

	// Subscribe opens an event-driven stream over the given DRFs and
	// returns its handle. With no options the handle is in iterator
	// mode; WithCallback switches it to callback mode.
	Subscribe(ctx context.Context, drfs []string, opts ...SubscribeOption) (*Handle, error)

	// Remove cancels one subscription. Idempotent.
	Remove(handle *Handle) error

	// StopStreaming cancels every live subscription. Idempotent.
	StopStreaming() error

	// Close releases the backend. Idempotent; live subscriptions are
	// stopped first.
	Close() error
}

// SubscribeOption configures a subscription at creation.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	callback ReadingCallback
	onError  ErrorCallback
	buffer   int
	clock    clockwork.Clock
}

// WithCallback puts the handle in callback mode: every dispatched reading
// is delivered to cb instead of the iterator surface.
func WithCallback(cb ReadingCallback) SubscribeOption {
	return func(o *subscribeOptions) { o.callback = cb }
}

// WithErrorCallback registers a callback for the terminal error.
func WithErrorCallback(cb ErrorCallback) SubscribeOption {
	return func(o *subscribeOptions) { o.onError = cb }
}

// WithBuffer overrides the bounded buffer capacity.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.buffer = n }
}

// NoStreaming provides the Subscribe/Remove/StopStreaming surface for
// backends without the STREAM capability. Embed it and the methods fail
// with UnsupportedOperationError.
type NoStreaming struct{}

func (NoStreaming) Subscribe(ctx context.Context, drfs []string, opts ...SubscribeOption) (*Handle, error) {
	return nil, Unsupported("Subscribe", CapStream)
}

func (NoStreaming) Remove(*Handle) error { return Unsupported("Remove", CapStream) }

func (NoStreaming) StopStreaming() error { return Unsupported("StopStreaming", CapStream) }

// NoWrites provides the Write surface for read-only backends.
type NoWrites struct{}

func (NoWrites) Write(ctx context.Context, drf string, value Value) (WriteResult, error) {
	return WriteResult{}, Unsupported("Write", CapWrite)
}

func (NoWrites) WriteMany(ctx context.Context, settings []Setting) ([]WriteResult, error) {
	return nil, Unsupported("WriteMany", CapWrite)
}

// ReadValue implements the common Read-on-top-of-Get unwrapping: it
// returns the value or a DeviceError built from the failed reading.
func ReadValue(ctx context.Context, b Backend, drf string) (Value, error) {
	reading, err := b.Get(ctx, drf)
	if err != nil {
		return Value{}, err
	}
	if err := reading.Err(); err != nil {
		return Value{}, err
	}
	return reading.Value, nil
}
