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

package sshutils

import (
	"bufio"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeProcess wires a RemoteProcess to in-memory pipes. The returned
// writer feeds the process stdout; the reader observes its stdin.
func pipeProcess(t *testing.T) (*RemoteProcess, io.WriteCloser, *bufio.Reader) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := newRemoteProcess("cmd", stdinW, stdoutR, nil, time.Second, nil)
	t.Cleanup(func() {
		p.Close()
		stdinR.Close()
		stdoutW.Close()
	})
	return p, stdoutW, bufio.NewReader(stdinR)
}

func TestProcessSendLine(t *testing.T) {
	t.Parallel()

	p, _, stdin := pipeProcess(t)
	require.NoError(t, p.SendLine("hello"))
	line, err := stdin.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestProcessSendBytes(t *testing.T) {
	t.Parallel()

	p, _, stdin := pipeProcess(t)
	require.NoError(t, p.SendBytes([]byte{0, 1, 2}))
	buf := make([]byte, 3)
	_, err := io.ReadFull(stdin, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, buf)
}

func TestProcessReadUntil(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	go stdout.Write([]byte("hello\nMARKERextra"))

	out, err := p.ReadUntil([]byte("MARKER"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), out)
}

func TestProcessReadUntilConsumesMarker(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	go stdout.Write([]byte("aMARKERbMARKERc"))

	out, err := p.ReadUntil([]byte("MARKER"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), out)

	out, err = p.ReadUntil([]byte("MARKER"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), out)
}

func TestProcessReadUntilSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	go func() {
		for _, chunk := range []string{"hel", "lo\nMAR", "KER"} {
			stdout.Write([]byte(chunk))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := p.ReadUntil([]byte("MARKER"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), out)
}

func TestProcessReadUntilTimeout(t *testing.T) {
	t.Parallel()

	p, _, _ := pipeProcess(t)
	_, err := p.ReadUntil([]byte("MARKER"), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeoutError(err))
}

func TestProcessReadUntilExit(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	stdout.Write([]byte("partial"))
	stdout.Close() // process exits before the marker

	_, err := p.ReadUntil([]byte("MARKER"), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestProcessReadFor(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	go func() {
		stdout.Write([]byte("hello "))
		time.Sleep(10 * time.Millisecond)
		stdout.Write([]byte("world"))
	}()

	out := p.ReadFor(100 * time.Millisecond)
	assert.Equal(t, []byte("hello world"), out)
}

func TestProcessReadForEmpty(t *testing.T) {
	t.Parallel()

	p, _, _ := pipeProcess(t)
	out := p.ReadFor(30 * time.Millisecond)
	assert.Empty(t, out)
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()

	p, _, _ := pipeProcess(t)
	assert.True(t, p.Alive())
	require.NoError(t, p.Close())
	assert.False(t, p.Alive())
}

func TestProcessAliveAfterExit(t *testing.T) {
	t.Parallel()

	p, stdout, _ := pipeProcess(t)
	stdout.Close()
	require.Eventually(t, func() bool { return !p.Alive() }, time.Second, 5*time.Millisecond)
}

func TestProcessDoubleClose(t *testing.T) {
	t.Parallel()

	p, _, _ := pipeProcess(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Error(t, p.SendLine("nope"))
}
