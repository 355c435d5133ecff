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

// Package pacsys is a client library for the accelerator control
// network. The real surface lives in lib/backend and its
// implementations; this package adds a process-wide convenience layer
// over a lazily constructed default backend:
//
//	value, err := pacsys.Read(ctx, "M:OUTTMP")
//
// The default backend is built on first use from the configured
// settings (the read-only CGI backend out of the box) and lives until
// Shutdown or the next Configure. Configure marks any live default
// backend closed; the next operation builds a fresh one. Concurrent
// reconfiguration is racy by design: last writer wins.
package pacsys

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/backend/aclhttp"
	"github.com/fermi-controls/pacsys/lib/backend/dpm"
	"github.com/fermi-controls/pacsys/lib/backend/grpcbackend"
)

// Default backend kinds.
const (
	// BackendACL is the read-only CGI backend.
	BackendACL = "acl"
	// BackendDPM is the data-pool manager backend.
	BackendDPM = "dpm"
	// BackendProxy goes through a supervised proxy.
	BackendProxy = "grpc"
)

// Config selects and configures the process default backend.
type Config struct {
	// Backend is the kind to build, BackendACL when empty.
	Backend string
	// ACL configures the CGI backend.
	ACL aclhttp.Config
	// DPM configures the data-pool backend.
	DPM dpm.Config
	// Proxy configures the supervised-proxy backend.
	Proxy grpcbackend.Config
	// New overrides construction entirely, for custom backends.
	New func() (backend.Backend, error)
}

func (c Config) build() (backend.Backend, error) {
	if c.New != nil {
		return c.New()
	}
	switch c.Backend {
	case "", BackendACL:
		return aclhttp.New(c.ACL)
	case BackendDPM:
		return dpm.New(c.DPM)
	case BackendProxy:
		return grpcbackend.New(c.Proxy)
	}
	return nil, trace.BadParameter("unknown backend kind %q", c.Backend)
}

var global struct {
	sync.Mutex
	cfg     Config
	backend backend.Backend
}

// Configure replaces the default settings. A live default backend is
// closed; the next operation builds a fresh one.
func Configure(cfg Config) {
	global.Lock()
	old := global.backend
	global.backend = nil
	global.cfg = cfg
	global.Unlock()
	if old != nil {
		old.Close()
	}
}

// Default returns the process default backend, building it on first
// use.
func Default() (backend.Backend, error) {
	global.Lock()
	defer global.Unlock()
	if global.backend != nil {
		return global.backend, nil
	}
	b, err := global.cfg.build()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	global.backend = b
	return b, nil
}

// Shutdown closes the default backend. The next operation after
// Shutdown builds a fresh one from the current settings. Idempotent.
func Shutdown() error {
	global.Lock()
	b := global.backend
	global.backend = nil
	global.Unlock()
	if b == nil {
		return nil
	}
	return trace.Wrap(b.Close())
}

// Read returns the unwrapped value of one device via the default
// backend.
func Read(ctx context.Context, drf string) (backend.Value, error) {
	b, err := Default()
	if err != nil {
		return backend.Value{}, trace.Wrap(err)
	}
	return b.Read(ctx, drf)
}

// Get reads one device with metadata via the default backend.
func Get(ctx context.Context, drf string) (backend.Reading, error) {
	b, err := Default()
	if err != nil {
		return backend.Reading{}, trace.Wrap(err)
	}
	return b.Get(ctx, drf)
}

// GetMany reads a batch via the default backend, input order preserved.
func GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	b, err := Default()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b.GetMany(ctx, drfs)
}

// Write sets one device via the default backend.
func Write(ctx context.Context, drf string, value backend.Value) (backend.WriteResult, error) {
	b, err := Default()
	if err != nil {
		return backend.WriteResult{}, trace.Wrap(err)
	}
	return b.Write(ctx, drf, value)
}

// WriteMany applies settings via the default backend, input order
// preserved.
func WriteMany(ctx context.Context, settings []backend.Setting) ([]backend.WriteResult, error) {
	b, err := Default()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b.WriteMany(ctx, settings)
}

// Subscribe opens a stream via the default backend.
func Subscribe(ctx context.Context, drfs []string, opts ...backend.SubscribeOption) (*backend.Handle, error) {
	b, err := Default()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return b.Subscribe(ctx, drfs, opts...)
}
