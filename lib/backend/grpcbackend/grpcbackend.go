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

// Package grpcbackend implements the backend contract on top of the
// supervised proxy's gRPC surface, so a client can go through a proxy
// instead of talking to the data pool directly.
package grpcbackend

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/proxyapi"
)

// Config describes a proxy-backed backend.
type Config struct {
	// Addr is the proxy address, host:port.
	Addr string
	// Token is the bearer token for Set and Subscribe.
	Token string
	// Client overrides the dialed client, mainly for tests. When set,
	// Addr is ignored and Close leaves the client open.
	Client *proxyapi.Client
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" && c.Client == nil {
		return trace.BadParameter("missing proxy address")
	}
	return nil
}

// Backend forwards every operation to a supervised proxy.
type Backend struct {
	cfg    Config
	client *proxyapi.Client
	log    *log.Entry

	mu      sync.Mutex
	closed  bool
	streams map[string]context.CancelFunc
}

// New builds a proxy-backed backend. The connection is made lazily by
// the gRPC machinery.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = proxyapi.Dial(cfg.Addr, proxyapi.WithToken(cfg.Token))
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &Backend{
		cfg:     cfg,
		client:  client,
		log:     log.WithFields(log.Fields{"component": "grpcbackend", "addr": cfg.Addr}),
		streams: map[string]context.CancelFunc{},
	}, nil
}

// Capabilities reports READ|WRITE|STREAM|BATCH; AUTH when a token is
// configured. Whether a write is actually permitted is the proxy's call.
func (b *Backend) Capabilities() backend.Capability {
	caps := backend.CapRead | backend.CapWrite | backend.CapStream | backend.CapBatch
	if b.cfg.Token != "" {
		caps |= backend.CapAuth
	}
	return caps
}

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

// GetMany reads a batch through the proxy, preserving input order.
func (b *Backend) GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(drfs) == 0 {
		return nil, nil
	}
	reply, err := b.client.Read(ctx, &proxyapi.ReadRequest{DRFs: drfs})
	if err != nil {
		return nil, fromStatus(err)
	}
	return orderedReadings(drfs, reply.Readings), nil
}

// Write sets one device.
func (b *Backend) Write(ctx context.Context, drf string, value backend.Value) (backend.WriteResult, error) {
	results, err := b.WriteMany(ctx, []backend.Setting{{DRF: drf, Value: value}})
	if err != nil {
		return backend.WriteResult{}, trace.Wrap(err)
	}
	return results[0], nil
}

// WriteMany applies settings through the proxy, input order preserved.
func (b *Backend) WriteMany(ctx context.Context, settings []backend.Setting) ([]backend.WriteResult, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(settings) == 0 {
		return nil, nil
	}
	wire := make([]proxyapi.Setting, len(settings))
	for i, s := range settings {
		converted, err := toWireSetting(s)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		wire[i] = converted
	}
	reply, err := b.client.Set(ctx, &proxyapi.SetRequest{Settings: wire})
	if err != nil {
		return nil, fromStatus(err)
	}
	results := make([]backend.WriteResult, len(settings))
	for i := range settings {
		if i < len(reply.Results) {
			r := reply.Results[i]
			results[i] = backend.WriteResult{
				DRF:       r.DRF,
				Facility:  r.Facility,
				ErrorCode: r.ErrorCode,
				Message:   r.Message,
				Attempts:  1,
			}
		}
	}
	return results, nil
}

// Subscribe opens a proxy stream and pumps its readings into a handle.
func (b *Backend) Subscribe(ctx context.Context, drfs []string, opts ...backend.SubscribeOption) (*backend.Handle, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(drfs) == 0 {
		return nil, trace.BadParameter("no DRFs to subscribe to")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := b.client.Subscribe(streamCtx, &proxyapi.SubscribeRequest{DRFs: drfs})
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	handle := backend.NewHandle(drfs, opts...)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, trace.Wrap(backend.ErrClosed)
	}
	b.streams[handle.ID()] = cancel
	b.mu.Unlock()

	go b.pump(handle, stream, cancel)

	// The caller's context only governs stream establishment; tie later
	// cancellation to Remove via the stream context.
	if ctx != nil && ctx.Err() != nil {
		b.Remove(handle)
		return nil, trace.Wrap(ctx.Err())
	}
	return handle, nil
}

// pump forwards stream replies to the handle until the stream ends.
func (b *Backend) pump(handle *backend.Handle, stream *proxyapi.SubscribeStream, cancel context.CancelFunc) {
	defer cancel()
	defer func() {
		b.mu.Lock()
		delete(b.streams, handle.ID())
		b.mu.Unlock()
	}()
	for {
		reply, err := stream.Recv()
		if err != nil {
			switch {
			case err == io.EOF:
				handle.SignalStop()
			case status.Code(err) == codes.Canceled:
				// Remove or StopStreaming cancelled us.
				handle.SignalStop()
			default:
				handle.SignalError(fromStatus(err))
			}
			return
		}
		for _, r := range reply.Readings {
			handle.Dispatch(r.ToReading())
		}
	}
}

// Remove cancels one subscription. Idempotent.
func (b *Backend) Remove(handle *backend.Handle) error {
	if handle == nil {
		return nil
	}
	b.mu.Lock()
	cancel, ok := b.streams[handle.ID()]
	delete(b.streams, handle.ID())
	b.mu.Unlock()
	if ok {
		cancel()
	}
	handle.SignalStop()
	return nil
}

// StopStreaming cancels every live subscription. Idempotent.
func (b *Backend) StopStreaming() error {
	b.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.streams))
	for _, cancel := range b.streams {
		cancels = append(cancels, cancel)
	}
	b.streams = map[string]context.CancelFunc{}
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close stops streaming and tears down an owned connection. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.StopStreaming()
	return trace.Wrap(b.client.Close())
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return trace.Wrap(backend.ErrClosed)
	}
	return nil
}

// orderedReadings places wire readings by their request index, falling
// back to reply order for replies without one.
func orderedReadings(drfs []string, wire []proxyapi.Reading) []backend.Reading {
	readings := make([]backend.Reading, len(drfs))
	for pos, r := range wire {
		i := r.Index
		if i < 0 || i >= len(drfs) {
			i = pos
		}
		if i >= len(drfs) {
			continue
		}
		readings[i] = r.ToReading()
		if readings[i].DRF == "" {
			readings[i].DRF = drfs[i]
		}
	}
	return readings
}

func toWireSetting(s backend.Setting) (proxyapi.Setting, error) {
	wire := proxyapi.Setting{DRF: s.DRF}
	switch s.Value.Type() {
	case backend.TypeScalar:
		v, _ := s.Value.Scalar()
		wire.Scalar = &v
	case backend.TypeScalarArray:
		wire.ScalarArray, _ = s.Value.ScalarArray()
	case backend.TypeText:
		v, _ := s.Value.Text()
		wire.Text = &v
	default:
		return proxyapi.Setting{}, trace.BadParameter("cannot send a %v setting through the proxy", s.Value.Type())
	}
	return wire, nil
}

// deviceStatusRe matches the rendering the proxy uses for Aborted
// statuses: "device error [facility code]: message".
var deviceStatusRe = regexp.MustCompile(`^device error \[(-?\d+) (-?\d+)\]: (.*)$`)

// fromStatus converts a gRPC status error back to the library's error
// taxonomy.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(trace.Unwrap(err))
	if !ok {
		return trace.Wrap(err)
	}
	msg := st.Message()
	switch st.Code() {
	case codes.Aborted:
		if m := deviceStatusRe.FindStringSubmatch(msg); m != nil {
			facility, _ := strconv.Atoi(m[1])
			code, _ := strconv.Atoi(m[2])
			return acnet.NewDeviceError("", facility, code, m[3])
		}
		return acnet.NewDeviceError("", 0, acnet.ErrRetry, msg)
	case codes.PermissionDenied:
		return trace.AccessDenied("%s", msg)
	case codes.Unauthenticated:
		return trace.AccessDenied("proxy rejected credentials: %s", msg)
	case codes.InvalidArgument:
		return trace.BadParameter("%s", msg)
	case codes.Unimplemented:
		return backend.Unsupported(msg, 0)
	case codes.DeadlineExceeded:
		return acnet.NewDeviceError("", acnet.FacilityACNET, acnet.ErrTimeout, msg)
	}
	return trace.Wrap(err)
}
