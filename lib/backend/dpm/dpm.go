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

// Package dpm implements the data-pool manager backend. One-shot reads
// and settings go through a bounded pool of request/reply websocket
// connections; subscriptions are multiplexed over a single long-lived
// connection owned by the backend.
package dpm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/defaults"
)

// Config describes a data-pool manager backend.
type Config struct {
	// URL is the websocket endpoint of the manager. Defaults to the
	// standard proxy host and port.
	URL string
	// Role is the settings role. Writes are refused when empty.
	Role string
	// PoolSize bounds the request/reply connections kept open.
	PoolSize int
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		c.URL = fmt.Sprintf("ws://%s:%d/dpm/ws", defaults.DPMHost, defaults.DPMPort)
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaults.DPMPoolSize
	}
	if c.PoolSize < 0 {
		return trace.BadParameter("pool size must be positive, got %v", c.PoolSize)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.ConnectTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.DialTimeout}
	}
	return nil
}

// Backend talks to the data-pool manager.
type Backend struct {
	cfg Config
	log *log.Entry

	// sem bounds concurrent one-shot exchanges to the pool size. Close
	// acquires the whole pool to drain in-flight work.
	sem *semaphore.Weighted

	mu      sync.Mutex
	closed  bool
	idle    []*websocket.Conn
	nextRef uint64

	streamMu sync.Mutex
	stream   *streamConn
}

// New builds a data-pool backend. No connection is made until the first
// operation.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		cfg: cfg,
		log: log.WithFields(log.Fields{"component": "dpm", "url": cfg.URL}),
		sem: semaphore.NewWeighted(int64(cfg.PoolSize)),
	}, nil
}

// Capabilities reports READ|STREAM|BATCH, plus WRITE|AUTH when a
// settings role is configured.
func (b *Backend) Capabilities() backend.Capability {
	caps := backend.CapRead | backend.CapStream | backend.CapBatch
	if b.cfg.Role != "" {
		caps |= backend.CapWrite | backend.CapAuth
	}
	return caps
}

// Authenticated reports whether the backend carries settings credentials.
func (b *Backend) Authenticated() bool { return b.cfg.Role != "" }

// Role returns the configured settings role, empty when reads only.
func (b *Backend) Role() string { return b.cfg.Role }

// Read returns the unwrapped value of one device.
func (b *Backend) Read(ctx context.Context, drf string) (backend.Value, error) {
	return backend.ReadValue(ctx, b, drf)
}

// Get reads one device.
func (b *Backend) Get(ctx context.Context, drf string) (backend.Reading, error) {
	readings, err := b.GetMany(ctx, []string{drf})
	if err != nil {
		return backend.Reading{}, trace.Wrap(err)
	}
	return readings[0], nil
}

// GetMany reads a batch over one pooled connection. Per-device failures
// are carried inside the readings; the error return is transport-level.
func (b *Backend) GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	if len(drfs) == 0 {
		return nil, nil
	}
	refs := b.allocRefs(len(drfs))
	byRef := make(map[uint64]int, len(drfs))
	for i, ref := range refs {
		byRef[ref] = i
	}

	readings := make([]backend.Reading, len(drfs))
	answered := 0
	err := b.exchange(ctx, func(conn *websocket.Conn) error {
		for i, drf := range drfs {
			if err := conn.WriteJSON(request{Type: msgAddToList, Ref: refs[i], DRF: drf}); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := conn.WriteJSON(request{Type: msgStartList, Refs: refs}); err != nil {
			return trace.Wrap(err)
		}

		infos := make(map[uint64]*reply, len(drfs))
		for answered < len(drfs) {
			var r reply
			if err := conn.ReadJSON(&r); err != nil {
				return trace.Wrap(err)
			}
			i, ours := byRef[r.Ref]
			if !ours {
				continue
			}
			switch r.Type {
			case msgDeviceInfo:
				info := r
				infos[r.Ref] = &info
			case msgReading, msgStatus:
				readings[i] = r.toReading(drfs[i], infos[r.Ref])
				answered++
			}
		}
		return trace.Wrap(conn.WriteJSON(request{Type: msgStopList, Refs: refs}))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return readings, nil
}

// Write sets one device.
func (b *Backend) Write(ctx context.Context, drf string, value backend.Value) (backend.WriteResult, error) {
	results, err := b.WriteMany(ctx, []backend.Setting{{DRF: drf, Value: value}})
	if err != nil {
		return backend.WriteResult{}, trace.Wrap(err)
	}
	return results[0], nil
}

// WriteMany applies settings under the configured role. Results preserve
// input order.
func (b *Backend) WriteMany(ctx context.Context, settings []backend.Setting) ([]backend.WriteResult, error) {
	if b.cfg.Role == "" {
		return nil, backend.Unsupported("WriteMany", backend.CapAuth)
	}
	if len(settings) == 0 {
		return nil, nil
	}
	refs := b.allocRefs(len(settings))
	byRef := make(map[uint64]int, len(settings))
	wire := make([]wireSetting, len(settings))
	for i, s := range settings {
		byRef[refs[i]] = i
		wire[i] = newWireSetting(refs[i], s)
	}

	results := make([]backend.WriteResult, len(settings))
	answered := 0
	err := b.exchange(ctx, func(conn *websocket.Conn) error {
		if err := conn.WriteJSON(request{Type: msgEnableSettings, Role: b.cfg.Role}); err != nil {
			return trace.Wrap(err)
		}
		if err := conn.WriteJSON(request{Type: msgApplySettings, Role: b.cfg.Role, Settings: wire}); err != nil {
			return trace.Wrap(err)
		}
		for answered < len(settings) {
			var r reply
			if err := conn.ReadJSON(&r); err != nil {
				return trace.Wrap(err)
			}
			i, ours := byRef[r.Ref]
			if !ours || r.Type != msgApplyStatus {
				continue
			}
			results[i] = r.toWriteResult(settings[i].DRF)
			answered++
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return results, nil
}

// Close stops streaming, drains in-flight one-shot exchanges, and
// releases pooled connections. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.StopStreaming()

	// Wait for in-flight exchanges to hand their connections back.
	if err := b.sem.Acquire(context.Background(), int64(b.cfg.PoolSize)); err == nil {
		b.sem.Release(int64(b.cfg.PoolSize))
	}

	b.mu.Lock()
	idle := b.idle
	b.idle = nil
	b.mu.Unlock()
	for _, conn := range idle {
		conn.Close()
	}
	return nil
}

// allocRefs hands out contiguous upstream reference ids.
func (b *Backend) allocRefs(n int) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := make([]uint64, n)
	for i := range refs {
		b.nextRef++
		refs[i] = b.nextRef
	}
	return refs
}

// exchange runs fn with a pooled connection. On any error the connection
// is discarded instead of being returned to the pool.
func (b *Backend) exchange(ctx context.Context, fn func(*websocket.Conn) error) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return trace.Wrap(backend.ErrClosed)
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return trace.Wrap(err)
	}
	defer b.sem.Release(1)

	conn, err := b.takeConn(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := fn(conn); err != nil {
		conn.Close()
		return trace.Wrap(err)
	}
	b.putConn(conn)
	return nil
}

func (b *Backend) takeConn(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	if n := len(b.idle); n > 0 {
		conn := b.idle[n-1]
		b.idle = b.idle[:n-1]
		b.mu.Unlock()
		return conn, nil
	}
	b.mu.Unlock()
	return b.dial(ctx)
}

func (b *Backend) putConn(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.idle) >= b.cfg.PoolSize {
		conn.Close()
		return
	}
	b.idle = append(b.idle, conn)
}

func (b *Backend) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := b.cfg.Dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, trace.ConnectionProblem(err, "failed to connect to data pool manager (HTTP %v)", resp.StatusCode)
		}
		return nil, trace.ConnectionProblem(err, "failed to connect to data pool manager at %v", b.cfg.URL)
	}
	return conn, nil
}
