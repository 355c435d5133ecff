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
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermi-controls/pacsys/lib/defaults"
)

func scalarReading(drf string, v float64) Reading {
	return Reading{
		DRF:       drf,
		Type:      TypeScalar,
		Value:     NewScalar(v),
		HasValue:  true,
		Timestamp: time.Now(),
	}
}

func TestHandleOrder(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP@p,1000"})
	for i := 0; i < 5; i++ {
		h.Dispatch(scalarReading("M:OUTTMP", float64(i)))
	}
	h.SignalStop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r, err := h.Next(ctx)
		require.NoError(t, err)
		v, ok := r.Value.Scalar()
		require.True(t, ok)
		assert.Equal(t, float64(i), v)
	}
	_, err := h.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestHandleDrainBeforeError(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP@p,1000"})
	h.Dispatch(scalarReading("M:OUTTMP", 1))
	h.Dispatch(scalarReading("M:OUTTMP", 2))
	errBoom := errors.New("upstream gone")
	h.SignalError(errBoom)

	ctx := context.Background()
	r, err := h.Next(ctx)
	require.NoError(t, err)
	v, _ := r.Value.Scalar()
	assert.Equal(t, 1.0, v)

	r, err = h.Next(ctx)
	require.NoError(t, err)
	v, _ = r.Value.Scalar()
	assert.Equal(t, 2.0, v)

	_, err = h.Next(ctx)
	assert.Equal(t, errBoom, err)
	assert.Equal(t, errBoom, h.Err())
}

func TestHandleFirstErrorWins(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	first := errors.New("first")
	h.SignalError(first)
	h.SignalError(errors.New("second"))
	h.SignalStop()

	assert.Equal(t, first, h.Err())
	assert.True(t, h.Stopped())
}

func TestHandleOverflowDropsNewest(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"}, WithBuffer(3))
	for i := 0; i < 5; i++ {
		h.Dispatch(scalarReading("M:OUTTMP", float64(i)))
	}
	h.SignalStop()

	assert.Equal(t, uint64(2), h.Drops())

	ctx := context.Background()
	var got []float64
	for {
		r, err := h.Next(ctx)
		if err != nil {
			assert.Equal(t, io.EOF, err)
			break
		}
		v, _ := r.Value.Scalar()
		got = append(got, v)
	}
	// Oldest three survive; newest two were dropped.
	assert.Equal(t, []float64{0, 1, 2}, got)
}

// Hooks the process logger, so not parallel.
func TestHandleDropWarningThrottled(t *testing.T) {
	hook := logtest.NewLocal(logrus.StandardLogger())
	defer hook.Reset()

	dropWarnings := func() int {
		count := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "Subscription buffer full") {
				count++
			}
		}
		return count
	}

	clock := clockwork.NewFakeClock()
	h := NewHandle([]string{"M:OUTTMP@p,1000"}, WithBuffer(1), WithClock(clock))

	h.Dispatch(scalarReading("M:OUTTMP", 1)) // fills the buffer
	h.Dispatch(scalarReading("M:OUTTMP", 2)) // dropped, warns
	h.Dispatch(scalarReading("M:OUTTMP", 3)) // dropped, same window
	assert.Equal(t, uint64(2), h.Drops())
	assert.Equal(t, 1, dropWarnings())

	// A new window warns again, once.
	clock.Advance(defaults.DropLogInterval)
	h.Dispatch(scalarReading("M:OUTTMP", 4))
	h.Dispatch(scalarReading("M:OUTTMP", 5))
	assert.Equal(t, uint64(4), h.Drops())
	assert.Equal(t, 2, dropWarnings())

	h.SignalStop()
}

func TestHandleDispatchAfterStop(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	h.SignalStop()
	// Must not panic on the closed channel and must not count as a drop.
	h.Dispatch(scalarReading("M:OUTTMP", 42))
	assert.Equal(t, uint64(0), h.Drops())

	_, ok := h.TryNext()
	assert.False(t, ok)
}

func TestHandleStopIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	h.SignalStop()
	h.SignalStop()
	h.SignalError(errors.New("late"))
	assert.NoError(t, h.Err())
}

func TestHandleTryNext(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	_, ok := h.TryNext()
	assert.False(t, ok)

	h.Dispatch(scalarReading("M:OUTTMP", 7))
	r, ok := h.TryNext()
	require.True(t, ok)
	v, _ := r.Value.Scalar()
	assert.Equal(t, 7.0, v)
}

func TestHandleNextContextCancel(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleCallbackMode(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []float64
	var terminal error

	h := NewHandle([]string{"M:OUTTMP"},
		WithCallback(func(r Reading, _ *Handle) {
			mu.Lock()
			defer mu.Unlock()
			v, _ := r.Value.Scalar()
			seen = append(seen, v)
		}),
		WithErrorCallback(func(err error, _ *Handle) {
			mu.Lock()
			defer mu.Unlock()
			terminal = err
		}))

	require.True(t, h.CallbackMode())
	assert.Nil(t, h.Readings())
	_, err := h.Next(context.Background())
	require.Error(t, err)

	h.Dispatch(scalarReading("M:OUTTMP", 1))
	h.Dispatch(scalarReading("M:OUTTMP", 2))
	errBoom := errors.New("boom")
	h.SignalError(errBoom)
	h.Dispatch(scalarReading("M:OUTTMP", 3))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2}, seen)
	assert.Equal(t, errBoom, terminal)
}

func TestHandleCollect(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	for i := 0; i < 3; i++ {
		h.Dispatch(scalarReading("M:OUTTMP", float64(i)))
	}
	h.SignalStop()

	readings, err := h.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, readings, 3)
}

func TestHandleCollectTimeout(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	h.Dispatch(scalarReading("M:OUTTMP", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	readings, err := h.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.False(t, h.Stopped())
}

func TestHandleCollectError(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP"})
	h.Dispatch(scalarReading("M:OUTTMP", 1))
	errBoom := errors.New("boom")
	h.SignalError(errBoom)

	readings, err := h.Collect(context.Background())
	assert.Equal(t, errBoom, err)
	assert.Len(t, readings, 1)
}

func TestHandleRefIDs(t *testing.T) {
	t.Parallel()

	h := NewHandle([]string{"M:OUTTMP", "G:AMANDA"})
	h.SetRefIDs([]uint64{10, 11})

	ids := h.RefIDs()
	ids[0] = 99
	assert.Equal(t, []uint64{10, 11}, h.RefIDs())

	drfs := h.DRFs()
	drfs[0] = "X"
	assert.Equal(t, []string{"M:OUTTMP", "G:AMANDA"}, h.DRFs())
}

func TestHandleConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const n = 1000
	h := NewHandle([]string{"M:OUTTMP"}, WithBuffer(n))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			h.Dispatch(scalarReading("M:OUTTMP", float64(i)))
		}
		h.SignalStop()
	}()

	ctx := context.Background()
	var count int
	var last float64 = -1
	for {
		r, err := h.Next(ctx)
		if err != nil {
			require.Equal(t, io.EOF, err)
			break
		}
		v, _ := r.Value.Scalar()
		require.Greater(t, v, last)
		last = v
		count++
	}
	<-done
	assert.Equal(t, n, count)
	assert.Equal(t, uint64(0), h.Drops())
}
