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

package supervised

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/proxyapi"
)

// fakeBackend serves canned readings and records calls.
type fakeBackend struct {
	mu       sync.Mutex
	getErr   error
	getCalls [][]string
	writes   []backend.Setting
	handle   *backend.Handle
}

func (f *fakeBackend) Capabilities() backend.Capability {
	return backend.CapRead | backend.CapWrite | backend.CapStream | backend.CapBatch
}

func (f *fakeBackend) Read(ctx context.Context, drf string) (backend.Value, error) {
	return backend.ReadValue(ctx, f, drf)
}

func (f *fakeBackend) Get(ctx context.Context, drf string) (backend.Reading, error) {
	readings, err := f.GetMany(ctx, []string{drf})
	if err != nil {
		return backend.Reading{}, err
	}
	return readings[0], nil
}

func (f *fakeBackend) GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls = append(f.getCalls, append([]string(nil), drfs...))
	if f.getErr != nil {
		return nil, f.getErr
	}
	readings := make([]backend.Reading, 0, len(drfs))
	for i, drf := range drfs {
		readings = append(readings, backend.Reading{
			DRF:       drf,
			Type:      backend.TypeScalar,
			Value:     backend.NewScalar(float64(i) + 1),
			HasValue:  true,
			Timestamp: time.Now(),
		})
	}
	return readings, nil
}

func (f *fakeBackend) Write(ctx context.Context, drf string, value backend.Value) (backend.WriteResult, error) {
	results, err := f.WriteMany(ctx, []backend.Setting{{DRF: drf, Value: value}})
	if err != nil {
		return backend.WriteResult{}, err
	}
	return results[0], nil
}

func (f *fakeBackend) WriteMany(ctx context.Context, settings []backend.Setting) ([]backend.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, settings...)
	results := make([]backend.WriteResult, 0, len(settings))
	for _, s := range settings {
		results = append(results, backend.WriteResult{DRF: s.DRF})
	}
	return results, nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, drfs []string, opts ...backend.SubscribeOption) (*backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = backend.NewHandle(drfs, opts...)
	return f.handle, nil
}

func (f *fakeBackend) Remove(handle *backend.Handle) error {
	handle.SignalStop()
	return nil
}

func (f *fakeBackend) StopStreaming() error { return nil }
func (f *fakeBackend) Close() error         { return nil }

type proxyFixture struct {
	backend  *fakeBackend
	audit    *AuditLog
	dir      string
	listener *bufconn.Listener
	client   *proxyapi.Client
}

// dial connects a fresh client to the fixture's listener.
func (fx *proxyFixture) dial(t *testing.T, opts ...proxyapi.ClientOption) *proxyapi.Client {
	t.Helper()
	cc, err := grpc.NewClient("passthrough:///proxy",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return fx.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(proxyapi.Codec)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return proxyapi.NewClientFromConn(cc, opts...)
}

func startProxy(t *testing.T, mutate func(*ServiceConfig)) *proxyFixture {
	t.Helper()

	upstream := &fakeBackend{}
	audit, dir := openTestAudit(t, true)
	cfg := ServiceConfig{Backend: upstream, Audit: audit}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	proxyapi.RegisterDPMServer(server, service)
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	fx := &proxyFixture{
		backend:  upstream,
		audit:    audit,
		dir:      dir,
		listener: listener,
	}
	fx.client = fx.dial(t, proxyapi.WithToken(cfg.Token))
	return fx
}

func TestProxyRead(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, nil)
	reply, err := fx.client.Read(context.Background(), &proxyapi.ReadRequest{DRFs: []string{"M:OUTTMP", "G:AMANDA"}})
	require.NoError(t, err)
	require.Len(t, reply.Readings, 2)
	assert.Equal(t, "M:OUTTMP", reply.Readings[0].DRF)
	assert.Equal(t, 0, reply.Readings[0].Index)
	require.NotNil(t, reply.Readings[1].Scalar)
	assert.Equal(t, 2.0, *reply.Readings[1].Scalar)
}

func TestProxyPolicyDenial(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, func(cfg *ServiceConfig) {
		cfg.Policies = []Policy{ReadOnlyPolicy{}}
	})
	scalar := 72.0
	_, err := fx.client.Set(context.Background(), &proxyapi.SetRequest{
		Settings: []proxyapi.Setting{{DRF: "M:OUTTMP", Scalar: &scalar}},
	})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, "Write operations disabled", st.Message())

	// The upstream was never touched.
	assert.Empty(t, fx.backend.writes)

	// The attempt is on record.
	require.NoError(t, fx.audit.Flush())
	entries := readJSONEntries(t, fx.dir)
	require.NotEmpty(t, entries)
	assert.Equal(t, false, entries[0]["allowed"])
}

func TestProxySetWithToken(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, func(cfg *ServiceConfig) {
		cfg.Token = "hunter2"
	})
	scalar := 72.0
	reply, err := fx.client.Set(context.Background(), &proxyapi.SetRequest{
		Settings: []proxyapi.Setting{{DRF: "M:OUTTMP", Scalar: &scalar}},
	})
	require.NoError(t, err)
	require.Len(t, reply.Results, 1)
	assert.Equal(t, "M:OUTTMP", reply.Results[0].DRF)
	require.Len(t, fx.backend.writes, 1)
	f, _ := fx.backend.writes[0].Value.Scalar()
	assert.Equal(t, 72.0, f)
}

func TestProxySetMissingToken(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, func(cfg *ServiceConfig) {
		cfg.Token = "hunter2"
	})
	scalar := 72.0
	noToken := fx.dial(t)
	_, err := noToken.Set(context.Background(), &proxyapi.SetRequest{
		Settings: []proxyapi.Setting{{DRF: "M:OUTTMP", Scalar: &scalar}},
	})
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Unauthenticated, st.Code())
}

// A bare token without the Bearer prefix is rejected.
func TestProxySetBareTokenRejected(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, func(cfg *ServiceConfig) {
		cfg.Token = "hunter2"
	})
	scalar := 72.0
	client := fx.dial(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "hunter2")
	_, err := client.Set(ctx, &proxyapi.SetRequest{
		Settings: []proxyapi.Setting{{DRF: "M:OUTTMP", Scalar: &scalar}},
	})
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Empty(t, fx.backend.writes)
}

func TestProxyErrorMapping(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, nil)
	fx.backend.getErr = acnet.NewDeviceError("M:OUTTMP", acnet.FacilityACNET, acnet.ErrTimeout, "request timed out")
	_, err := fx.client.Read(context.Background(), &proxyapi.ReadRequest{DRFs: []string{"M:OUTTMP"}})
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Aborted, st.Code())
	assert.Contains(t, st.Message(), "request timed out")

	fx.backend.getErr = backend.Unsupported("GetMany", backend.CapRead)
	_, err = fx.client.Read(context.Background(), &proxyapi.ReadRequest{DRFs: []string{"M:OUTTMP"}})
	st, _ = status.FromError(err)
	assert.Equal(t, codes.Unimplemented, st.Code())
}

func TestProxyAlarmsQualifies(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, nil)
	_, err := fx.client.Alarms(context.Background(), &proxyapi.AlarmsRequest{DRFs: []string{"M:OUTTMP"}})
	require.NoError(t, err)
	require.Len(t, fx.backend.getCalls, 1)
	assert.Equal(t, []string{"M:OUTTMP.ANALOG_ALARM"}, fx.backend.getCalls[0])
}

func TestProxySubscribeOneShot(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, nil)
	stream, err := fx.client.Subscribe(context.Background(), &proxyapi.SubscribeRequest{
		DRFs: []string{"M:OUTTMP", "G:AMANDA@I"},
	})
	require.NoError(t, err)

	reply, err := stream.Recv()
	require.NoError(t, err)
	assert.Len(t, reply.Readings, 2)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestProxySubscribeStreaming(t *testing.T) {
	t.Parallel()

	fx := startProxy(t, nil)
	stream, err := fx.client.Subscribe(context.Background(), &proxyapi.SubscribeRequest{
		DRFs: []string{"M:OUTTMP@p,1000"},
	})
	require.NoError(t, err)

	// Wait for the upstream subscription, then feed it.
	require.Eventually(t, func() bool {
		fx.backend.mu.Lock()
		defer fx.backend.mu.Unlock()
		return fx.backend.handle != nil
	}, time.Second, 5*time.Millisecond)

	fx.backend.handle.Dispatch(backend.Reading{
		DRF: "M:OUTTMP@p,1000", Type: backend.TypeScalar,
		Value: backend.NewScalar(72.3), HasValue: true, Timestamp: time.Now(),
	})
	reply, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, reply.Readings, 1)
	require.NotNil(t, reply.Readings[0].Scalar)
	assert.Equal(t, 72.3, *reply.Readings[0].Scalar)

	fx.backend.handle.SignalStop()
	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}
