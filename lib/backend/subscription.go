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
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/fermi-controls/pacsys/lib/defaults"
)

// Handle bridges a backend's push-style delivery to the consumer's pull
// surfaces. Readings are buffered in a bounded FIFO; when the buffer is
// full the newest readings are dropped and counted. After a terminal
// signal (stop or first error) the consumer still drains everything that
// was buffered before observing the signal.
//
// A handle is safe for one producer and one consumer concurrently; the
// producer-side methods never block.
type Handle struct {
	mu       sync.Mutex
	buf      chan Reading
	stopped  bool
	err      error
	drops    uint64
	lastDrop time.Time
	refIDs   []uint64

	callback ReadingCallback
	onError  ErrorCallback

	id    string
	drfs  []string
	clock clockwork.Clock
	log   *log.Entry
}

// WithClock overrides the handle's clock (drop-warning throttling).
func WithClock(c clockwork.Clock) SubscribeOption {
	return func(o *subscribeOptions) { o.clock = c }
}

// NewHandle builds a handle for the given DRFs. Backends create handles;
// user code receives them from Subscribe.
func NewHandle(drfs []string, opts ...SubscribeOption) *Handle {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer <= 0 {
		o.buffer = defaults.SubscriptionBuffer
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return &Handle{
		buf:      make(chan Reading, o.buffer),
		callback: o.callback,
		onError:  o.onError,
		id:       uuid.NewString(),
		drfs:     append([]string(nil), drfs...),
		clock:    o.clock,
		log:      log.WithFields(log.Fields{"component": "subscription"}),
	}
}

// ID is the correlation id backends use to track the handle without
// holding an owning reference.
func (h *Handle) ID() string { return h.id }

// DRFs returns a copy of the subscribed request strings.
func (h *Handle) DRFs() []string { return append([]string(nil), h.drfs...) }

// CallbackMode reports whether readings are delivered to a callback
// instead of the iterator surfaces.
func (h *Handle) CallbackMode() bool { return h.callback != nil }

// Stopped reports whether a terminal signal was received.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Err returns the latched first error, nil if none was signaled.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Drops returns how many readings were discarded due to a full buffer.
func (h *Handle) Drops() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops
}

// RefIDs returns a defensive copy of the upstream reference ids.
func (h *Handle) RefIDs() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.refIDs...)
}

// SetRefIDs records the upstream reference ids for this subscription.
func (h *Handle) SetRefIDs(ids []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refIDs = append([]uint64(nil), ids...)
}

// Dispatch delivers one reading. After a terminal signal it is a silent
// no-op. When the bounded buffer is full the reading is dropped, the drop
// counter incremented, and a warning logged at most once per throttle
// window.
func (h *Handle) Dispatch(r Reading) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if cb := h.callback; cb != nil {
		h.mu.Unlock()
		cb(r, h)
		return
	}
	select {
	case h.buf <- r:
		h.mu.Unlock()
	default:
		h.drops++
		now := h.clock.Now()
		warn := h.lastDrop.IsZero() || now.Sub(h.lastDrop) >= defaults.DropLogInterval
		if warn {
			h.lastDrop = now
		}
		drops := h.drops
		h.mu.Unlock()
		if warn {
			h.log.Warnf("Subscription buffer full, dropped %v readings so far.", drops)
		}
	}
}

// SignalError latches the first error and stops the handle. Later errors
// are discarded.
func (h *Handle) SignalError(err error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.err = err
	cb := h.onError
	close(h.buf)
	h.mu.Unlock()
	if cb != nil {
		cb(err, h)
	}
}

// SignalStop marks a clean end of the stream. Idempotent.
func (h *Handle) SignalStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.buf)
}

// Readings exposes the buffered channel for select-based consumers. The
// channel is closed on stop or error; after it closes, Err distinguishes
// the two. Returns nil for a callback-mode handle.
func (h *Handle) Readings() <-chan Reading {
	if h.CallbackMode() {
		return nil
	}
	return h.buf
}

// Next blocks for the next reading. It returns io.EOF after a clean stop,
// the latched error after a failure (buffer drained first in both cases),
// or ctx.Err() when the context ends first.
func (h *Handle) Next(ctx context.Context) (Reading, error) {
	if h.CallbackMode() {
		return Reading{}, trace.BadParameter("handle is in callback mode")
	}
	select {
	case r, ok := <-h.buf:
		if !ok {
			return Reading{}, h.terminalError()
		}
		return r, nil
	case <-ctx.Done():
		return Reading{}, trace.Wrap(ctx.Err())
	}
}

// TryNext drains one buffered reading without blocking. ok is false when
// nothing is buffered right now or the stream has ended.
func (h *Handle) TryNext() (Reading, bool) {
	if h.CallbackMode() {
		return Reading{}, false
	}
	select {
	case r, ok := <-h.buf:
		if !ok {
			return Reading{}, false
		}
		return r, true
	default:
		return Reading{}, false
	}
}

// Collect consumes readings until the stream ends or ctx expires. On a
// clean stop or context expiry it returns what was drained with a nil
// error; after a failure it returns the drained readings and the latched
// error.
func (h *Handle) Collect(ctx context.Context) ([]Reading, error) {
	if h.CallbackMode() {
		return nil, trace.BadParameter("handle is in callback mode")
	}
	var out []Reading
	for {
		select {
		case r, ok := <-h.buf:
			if !ok {
				err := h.terminalError()
				if err == io.EOF {
					return out, nil
				}
				return out, err
			}
			out = append(out, r)
		case <-ctx.Done():
			return out, nil
		}
	}
}

func (h *Handle) terminalError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return io.EOF
}
