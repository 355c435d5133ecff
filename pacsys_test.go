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

package pacsys

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/backend/aclhttp"
)

// The global default backend makes these tests order-sensitive, so they
// share one non-parallel test.
func TestDefaultBackendLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("M:OUTTMP = 72.3\n"))
	}))
	defer srv.Close()
	defer Configure(Config{})
	defer Shutdown()

	Configure(Config{ACL: aclhttp.Config{BaseURL: srv.URL}})

	value, err := Read(context.Background(), "M:OUTTMP")
	require.NoError(t, err)
	f, ok := value.Scalar()
	require.True(t, ok)
	assert.Equal(t, 72.3, f)

	// The same backend is reused across calls.
	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Shutdown resets; the next call builds a fresh backend.
	require.NoError(t, Shutdown())
	require.NoError(t, Shutdown())
	third, err := Default()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestConfigureClosesLiveBackend(t *testing.T) {
	defer Configure(Config{})
	defer Shutdown()

	var closes int32
	closing := &closeCounting{closes: &closes}
	Configure(Config{New: func() (backend.Backend, error) { return closing, nil }})

	b, err := Default()
	require.NoError(t, err)
	assert.Same(t, closing, b)

	Configure(Config{})
	assert.Equal(t, int32(1), atomic.LoadInt32(&closes))
}

func TestUnknownBackendKind(t *testing.T) {
	defer Configure(Config{})
	defer Shutdown()

	Configure(Config{Backend: "carrier-pigeon"})
	_, err := Default()
	assert.True(t, trace.IsBadParameter(err))
}

// closeCounting is a stub backend that only counts Close calls.
type closeCounting struct {
	backend.NoStreaming
	backend.NoWrites
	closes *int32
}

func (c *closeCounting) Capabilities() backend.Capability { return 0 }

func (c *closeCounting) Read(context.Context, string) (backend.Value, error) {
	return backend.Value{}, trace.NotImplemented("stub")
}

func (c *closeCounting) Get(context.Context, string) (backend.Reading, error) {
	return backend.Reading{}, trace.NotImplemented("stub")
}

func (c *closeCounting) GetMany(context.Context, []string) ([]backend.Reading, error) {
	return nil, trace.NotImplemented("stub")
}

func (c *closeCounting) Close() error {
	atomic.AddInt32(c.closes, 1)
	return nil
}
