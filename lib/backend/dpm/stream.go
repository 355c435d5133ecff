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
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/fermi-controls/pacsys/lib/backend"
)

// ErrConnectionLost is latched on every live subscription handle when
// the streaming connection drops. There is no automatic resubscription.
var ErrConnectionLost = errors.New("connection to the data pool manager was lost")

// streamConn is the single long-lived connection all subscriptions are
// multiplexed over.
type streamConn struct {
	conn *websocket.Conn

	// writeMu serializes control messages; the read loop is the only
	// reader.
	writeMu sync.Mutex

	mu      sync.Mutex
	byRef   map[uint64]*streamEntry
	handles map[string]*streamSub
	lost    bool
}

// streamEntry routes one upstream reference id to its handle.
type streamEntry struct {
	handle *backend.Handle
	drf    string
	info   *reply
}

// streamSub tracks one handle's reference ids for removal.
type streamSub struct {
	handle *backend.Handle
	refs   []uint64
}

// Subscribe opens an event-driven stream over the given DRFs. All
// subscriptions share one wire connection; each gets its own handle.
func (b *Backend) Subscribe(ctx context.Context, drfs []string, opts ...backend.SubscribeOption) (*backend.Handle, error) {
	if len(drfs) == 0 {
		return nil, trace.BadParameter("no DRFs to subscribe to")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, trace.Wrap(backend.ErrClosed)
	}

	stream, err := b.ensureStream(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	handle := backend.NewHandle(drfs, opts...)
	refs := b.allocRefs(len(drfs))
	handle.SetRefIDs(refs)

	stream.mu.Lock()
	if stream.lost {
		stream.mu.Unlock()
		return nil, trace.Wrap(ErrConnectionLost)
	}
	for i, ref := range refs {
		stream.byRef[ref] = &streamEntry{handle: handle, drf: drfs[i]}
	}
	stream.handles[handle.ID()] = &streamSub{handle: handle, refs: refs}
	stream.mu.Unlock()

	stream.writeMu.Lock()
	defer stream.writeMu.Unlock()
	for i, ref := range refs {
		if err := stream.conn.WriteJSON(request{Type: msgAddToList, Ref: ref, DRF: drfs[i]}); err != nil {
			b.forgetSub(stream, handle)
			return nil, trace.Wrap(err)
		}
	}
	if err := stream.conn.WriteJSON(request{Type: msgStartList, Refs: refs}); err != nil {
		b.forgetSub(stream, handle)
		return nil, trace.Wrap(err)
	}
	return handle, nil
}

// Remove cancels one subscription. Idempotent; unknown handles are
// ignored.
func (b *Backend) Remove(handle *backend.Handle) error {
	if handle == nil {
		return nil
	}
	b.streamMu.Lock()
	stream := b.stream
	b.streamMu.Unlock()
	if stream == nil {
		handle.SignalStop()
		return nil
	}

	stream.mu.Lock()
	sub, ok := stream.handles[handle.ID()]
	if ok {
		delete(stream.handles, handle.ID())
		for _, ref := range sub.refs {
			delete(stream.byRef, ref)
		}
	}
	lost := stream.lost
	stream.mu.Unlock()

	handle.SignalStop()
	if !ok || lost {
		return nil
	}

	stream.writeMu.Lock()
	defer stream.writeMu.Unlock()
	if err := stream.conn.WriteJSON(request{Type: msgStopList, Refs: sub.refs}); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(stream.conn.WriteJSON(request{Type: msgRemoveFromList, Refs: sub.refs}))
}

// StopStreaming cancels every live subscription and tears down the
// shared connection. Idempotent.
func (b *Backend) StopStreaming() error {
	b.streamMu.Lock()
	stream := b.stream
	b.stream = nil
	b.streamMu.Unlock()
	if stream == nil {
		return nil
	}

	stream.mu.Lock()
	handles := stream.handles
	stream.handles = map[string]*streamSub{}
	stream.byRef = map[uint64]*streamEntry{}
	stream.lost = true
	stream.mu.Unlock()

	for _, sub := range handles {
		sub.handle.SignalStop()
	}
	stream.conn.Close()
	return nil
}

// ensureStream dials the shared streaming connection on first use.
func (b *Backend) ensureStream(ctx context.Context) (*streamConn, error) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	if b.stream != nil {
		return b.stream, nil
	}
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stream := &streamConn{
		conn:    conn,
		byRef:   map[uint64]*streamEntry{},
		handles: map[string]*streamSub{},
	}
	b.stream = stream
	go b.readLoop(stream)
	return stream, nil
}

// readLoop demultiplexes manager messages to handles until the
// connection dies.
func (b *Backend) readLoop(stream *streamConn) {
	for {
		var r reply
		if err := stream.conn.ReadJSON(&r); err != nil {
			b.streamLost(stream, err)
			return
		}
		stream.mu.Lock()
		entry, ok := stream.byRef[r.Ref]
		if ok && r.Type == msgDeviceInfo {
			info := r
			entry.info = &info
			stream.mu.Unlock()
			continue
		}
		stream.mu.Unlock()
		if !ok {
			continue
		}
		switch r.Type {
		case msgReading, msgStatus:
			entry.handle.Dispatch(r.toReading(entry.drf, entry.info))
		}
	}
}

// streamLost fails every live handle with ErrConnectionLost. A stream
// torn down by StopStreaming or Close has no handles left and this is a
// no-op.
func (b *Backend) streamLost(stream *streamConn, cause error) {
	b.streamMu.Lock()
	if b.stream == stream {
		b.stream = nil
	}
	b.streamMu.Unlock()

	stream.mu.Lock()
	if stream.lost {
		stream.mu.Unlock()
		return
	}
	stream.lost = true
	handles := stream.handles
	stream.handles = map[string]*streamSub{}
	stream.byRef = map[uint64]*streamEntry{}
	stream.mu.Unlock()

	if len(handles) > 0 {
		b.log.WithError(cause).Warn("Data pool connection lost, failing live subscriptions.")
	}
	for _, sub := range handles {
		sub.handle.SignalError(ErrConnectionLost)
	}
	stream.conn.Close()
}

// forgetSub unregisters a handle after a failed subscribe write.
func (b *Backend) forgetSub(stream *streamConn, handle *backend.Handle) {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	sub, ok := stream.handles[handle.ID()]
	if !ok {
		return
	}
	delete(stream.handles, handle.ID())
	for _, ref := range sub.refs {
		delete(stream.byRef, ref)
	}
}
