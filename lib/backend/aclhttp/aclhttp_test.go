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

package aclhttp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
)

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "acl=read+M:OUTTMP", buildQuery([]string{"M:OUTTMP"}))
	assert.Equal(t, `acl=read+M:OUTTMP\;read+G:AMANDA`, buildQuery([]string{"M:OUTTMP", "G:AMANDA"}))
	// DRF punctuation rides raw; everything else is percent-encoded.
	assert.Equal(t, "acl=read+B:VIMIN[0:3]@p,1000", buildQuery([]string{"B:VIMIN[0:3]@p,1000"}))
	assert.Equal(t, "acl=read+M:OUTTMP%20X", buildQuery([]string{"M:OUTTMP X"}))
}

func TestErrorLine(t *testing.T) {
	t.Parallel()

	isErr, msg := ErrorLine("! bad device")
	assert.True(t, isErr)
	assert.Equal(t, "bad device", msg)

	isErr, msg = ErrorLine("Invalid device name (Z:BAD) specified in expression - DIO_NO_SUCH")
	assert.True(t, isErr)
	assert.Contains(t, msg, "DIO_NO_SUCH")

	isErr, _ = ErrorLine("M:OUTTMP = 72.3 DegF")
	assert.False(t, isErr)

	// " - " followed by a non-code tail is not an error.
	isErr, _ = ErrorLine("T:DESC = outside temp - north stack")
	assert.False(t, isErr)
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	v, vt := ParseLine("M:OUTTMP = 72.34")
	require.Equal(t, backend.TypeScalar, vt)
	f, _ := v.Scalar()
	assert.Equal(t, 72.34, f)

	v, vt = ParseLine("M:OUTTMP = 72.34 DegF")
	require.Equal(t, backend.TypeScalar, vt)
	f, _ = v.Scalar()
	assert.Equal(t, 72.34, f)

	v, vt = ParseLine("B:RAMP = 45 2.2 3.0")
	require.Equal(t, backend.TypeScalarArray, vt)
	arr, _ := v.ScalarArray()
	assert.Equal(t, []float64{45, 2.2, 3}, arr)

	v, vt = ParseLine("B:RAMP = 45 2.2 3.0 blip")
	require.Equal(t, backend.TypeScalarArray, vt)
	arr, _ = v.ScalarArray()
	assert.Equal(t, []float64{45, 2.2, 3}, arr)

	v, vt = ParseLine("M:OUTTMP~ = Outdoor temperature")
	require.Equal(t, backend.TypeText, vt)
	s, _ := v.Text()
	assert.Equal(t, "Outdoor temperature", s)

	// Bare numeric line without '='.
	v, vt = ParseLine("12.5")
	require.Equal(t, backend.TypeScalar, vt)
	f, _ = v.Scalar()
	assert.Equal(t, 12.5, f)
}

func newTestBackend(t *testing.T, handler http.HandlerFunc) (*Backend, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := New(Config{BaseURL: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, srv
}

func TestGetSingle(t *testing.T) {
	t.Parallel()

	var gotQuery string
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprintln(w, "M:OUTTMP = 72.3 DegF")
	})

	reading, err := b.Get(context.Background(), "M:OUTTMP")
	require.NoError(t, err)
	assert.Equal(t, "acl=read+M:OUTTMP", gotQuery)
	assert.True(t, reading.Ok())
	assert.True(t, reading.HasValue)
	f, _ := reading.Value.Scalar()
	assert.Equal(t, 72.3, f)
}

func TestReadUnwrapsErrors(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "Invalid device name (Z:BAD) specified in expression - DIO_NO_SUCH")
	})

	_, err := b.Read(context.Background(), "Z:BAD")
	require.Error(t, err)
	assert.True(t, acnet.IsDeviceError(err))
	assert.Contains(t, err.Error(), "DIO_NO_SUCH")
}

func TestGetManyBatch(t *testing.T) {
	t.Parallel()

	var requests int
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprintln(w, "M:OUTTMP = 72.3 DegF")
		fmt.Fprintln(w, "G:AMANDA = 12")
	})

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 1, requests)
	assert.Equal(t, "M:OUTTMP", readings[0].DRF)
	assert.True(t, readings[0].Ok())
	assert.True(t, readings[1].Ok())
}

func TestGetManyFallback(t *testing.T) {
	t.Parallel()

	// The CGI aborts the script on the bad device, so the batch response
	// has one error line. The backend then reissues per-device reads.
	var requests []string
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)
		q := r.URL.RawQuery
		switch {
		case strings.Contains(q, `\;`):
			fmt.Fprintln(w, "M:OUTTMP = 72.3 DegF")
			fmt.Fprintln(w, "Invalid device name (Z:BAD) specified in expression - DIO_NO_SUCH")
		case strings.Contains(q, "Z:BAD"):
			fmt.Fprintln(w, "Invalid device name (Z:BAD) specified in expression - DIO_NO_SUCH")
		case strings.Contains(q, "M:OUTTMP"):
			fmt.Fprintln(w, "M:OUTTMP = 72.3 DegF")
		default:
			fmt.Fprintln(w, "G:AMANDA = 12")
		}
	})

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "Z:BAD", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Len(t, requests, 4) // one batch plus three individual

	assert.True(t, readings[0].Ok())
	assert.True(t, readings[1].IsError())
	assert.Contains(t, readings[1].Message, "DIO_NO_SUCH")
	assert.Equal(t, acnet.ErrRetry, readings[1].ErrorCode)
	assert.True(t, readings[2].Ok())
}

func TestGetManyLineCountMismatch(t *testing.T) {
	t.Parallel()

	var requests int
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		// Always a single line, even for the two-device batch.
		fmt.Fprintln(w, "M:OUTTMP = 72.3 DegF")
	})

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 3, requests)
}

func TestTransportErrorMarksAllDevices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	client := srv.Client()
	srv.Close() // connection refused from now on

	b, err := New(Config{BaseURL: srv.URL, Client: client})
	require.NoError(t, err)

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.True(t, r.IsError())
		assert.Equal(t, acnet.ErrRetry, r.ErrorCode)
	}
}

func TestTimeoutMapsToErrTimeout(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	b.cfg.Timeout = 20 * time.Millisecond

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP"})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, acnet.ErrTimeout, readings[0].ErrorCode)
}

func TestExecute(t *testing.T) {
	t.Parallel()

	var gotQuery string
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprintln(w, "72.3")
	})

	out, err := b.Execute(context.Background(), "read/no_name/no_units+M:OUTTMP")
	require.NoError(t, err)
	assert.Equal(t, "acl=read/no_name/no_units+M:OUTTMP", gotQuery)
	assert.Equal(t, "72.3", strings.TrimSpace(out))
}

func TestClosedBackend(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.GetMany(context.Background(), []string{"M:OUTTMP"})
	assert.ErrorIs(t, err, backend.ErrClosed)
	_, err = b.Execute(context.Background(), "read+M:OUTTMP")
	assert.ErrorIs(t, err, backend.ErrClosed)
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	b, err := New(Config{BaseURL: "http://localhost"})
	require.NoError(t, err)
	caps := b.Capabilities()
	assert.True(t, caps.Has(backend.CapRead))
	assert.True(t, caps.Has(backend.CapBatch))
	assert.False(t, caps.Has(backend.CapWrite))
	assert.False(t, caps.Has(backend.CapStream))

	_, err = b.Subscribe(context.Background(), []string{"M:OUTTMP"})
	assert.True(t, backend.IsUnsupported(err))
	_, err = b.Write(context.Background(), "M:OUTTMP", backend.NewScalar(1))
	assert.True(t, backend.IsUnsupported(err))
}
