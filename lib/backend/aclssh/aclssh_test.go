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

package aclssh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
)

// fakeSession scripts interpreter replies per command.
type fakeSession struct {
	replies  map[string]string
	err      error
	commands []string
	closed   bool
}

func (f *fakeSession) Send(command string, _ time.Duration) (string, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[command], nil
}

func (f *fakeSession) Alive() bool { return !f.closed }

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestBackend(t *testing.T, session *fakeSession) *Backend {
	t.Helper()
	b, err := New(Config{Session: session})
	require.NoError(t, err)
	return b
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.True(t, trace.IsBadParameter(err))
	_, err = New(Config{Session: &fakeSession{}, Timeout: -1})
	assert.True(t, trace.IsBadParameter(err))
}

func TestGetManyBatch(t *testing.T) {
	t.Parallel()

	session := &fakeSession{replies: map[string]string{
		"read M:OUTTMP;read G:AMANDA": "M:OUTTMP = 72.3 DegF\nG:AMANDA = 12",
	}}
	b := newTestBackend(t, session)

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	require.Len(t, session.commands, 1)

	f, ok := readings[0].Value.Scalar()
	require.True(t, ok)
	assert.Equal(t, 72.3, f)
	f, ok = readings[1].Value.Scalar()
	require.True(t, ok)
	assert.Equal(t, 12.0, f)
}

func TestGetManyFallsBackOnErrorLine(t *testing.T) {
	t.Parallel()

	session := &fakeSession{replies: map[string]string{
		"read M:OUTTMP;read Z:BAD": "M:OUTTMP = 72.3\nInvalid device name (Z:BAD) specified in expression - DIO_NO_SUCH",
		"read M:OUTTMP":            "M:OUTTMP = 72.3",
		"read Z:BAD":               "Invalid device name (Z:BAD) specified in expression - DIO_NO_SUCH",
	}}
	b := newTestBackend(t, session)

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "Z:BAD"})
	require.NoError(t, err)
	// Batch plus two individual reads.
	assert.Len(t, session.commands, 3)
	require.Len(t, readings, 2)
	assert.True(t, readings[0].Ok())
	assert.True(t, readings[1].IsError())
	assert.Contains(t, readings[1].Message, "DIO_NO_SUCH")
}

func TestGetManySessionFailure(t *testing.T) {
	t.Parallel()

	session := &fakeSession{err: errors.New("process exited")}
	b := newTestBackend(t, session)

	readings, err := b.GetMany(context.Background(), []string{"M:OUTTMP", "G:AMANDA"})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.True(t, r.IsError())
		assert.Equal(t, acnet.ErrRetry, r.ErrorCode)
	}
	// A broken session is not retried per device.
	assert.Len(t, session.commands, 1)
}

func TestReadUnwrapsError(t *testing.T) {
	t.Parallel()

	session := &fakeSession{replies: map[string]string{
		"read Z:BAD": "! no such device",
	}}
	b := newTestBackend(t, session)

	_, err := b.Read(context.Background(), "Z:BAD")
	assert.True(t, acnet.IsDeviceError(err))
}

func TestWriteMany(t *testing.T) {
	t.Parallel()

	session := &fakeSession{replies: map[string]string{
		"set M:OUTTMP 72.5": "",
		"set Z:RO 1":        "! device is read-only",
	}}
	b := newTestBackend(t, session)

	results, err := b.WriteMany(context.Background(), []backend.Setting{
		{DRF: "M:OUTTMP", Value: backend.NewScalar(72.5)},
		{DRF: "Z:RO", Value: backend.NewScalar(1)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].ErrorCode)
	assert.Equal(t, acnet.ErrRetry, results[1].ErrorCode)
	assert.Contains(t, results[1].Message, "read-only")
}

func TestSetCommandRendering(t *testing.T) {
	t.Parallel()

	cmd, err := setCommand(backend.Setting{DRF: "B:RAMP", Value: backend.NewScalarArray([]float64{1, 2.5, 3})})
	require.NoError(t, err)
	assert.Equal(t, "set B:RAMP 1 2.5 3", cmd)

	cmd, err = setCommand(backend.Setting{DRF: "Z:MSG", Value: backend.NewText("hello")})
	require.NoError(t, err)
	assert.Equal(t, "set Z:MSG 'hello'", cmd)

	_, err = setCommand(backend.Setting{DRF: "Z:STAT", Value: backend.NewDigital(3)})
	assert.True(t, trace.IsBadParameter(err))
}

func TestCapabilitiesAndStreaming(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, &fakeSession{})
	assert.True(t, b.Capabilities().Has(backend.CapRead|backend.CapWrite|backend.CapBatch))
	assert.False(t, b.Capabilities().Has(backend.CapStream))

	_, err := b.Subscribe(context.Background(), []string{"M:OUTTMP"})
	assert.True(t, backend.IsUnsupported(err))
}

func TestClose(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	b := newTestBackend(t, session)
	assert.True(t, b.Alive())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, session.closed)
	assert.False(t, b.Alive())

	_, err := b.GetMany(context.Background(), []string{"M:OUTTMP"})
	assert.ErrorIs(t, err, backend.ErrClosed)
}
