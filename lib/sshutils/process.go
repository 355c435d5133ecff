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
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

const processReadChunk = 32 * 1024

// RemoteProcess wraps an interactive remote command as a byte stream
// with marker-terminated reads. Stderr is drained continuously so the
// remote side cannot deadlock on a full stderr buffer.
type RemoteProcess struct {
	command        string
	stdin          io.WriteCloser
	chunks         chan []byte
	exited         chan struct{}
	done           chan struct{}
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending bytes.Buffer // received but not yet consumed
	closed  bool
	closeFn func() error
}

// newRemoteProcess wires a process around raw pipes. closeFn tears down
// the underlying channel.
func newRemoteProcess(command string, stdin io.WriteCloser, stdout, stderr io.Reader, defaultTimeout time.Duration, closeFn func() error) *RemoteProcess {
	p := &RemoteProcess{
		command:        command,
		stdin:          stdin,
		chunks:         make(chan []byte),
		exited:         make(chan struct{}),
		done:           make(chan struct{}),
		defaultTimeout: defaultTimeout,
		closeFn:        closeFn,
	}
	go p.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr)
	}
	return p
}

func (p *RemoteProcess) readLoop(stdout io.Reader) {
	defer close(p.exited)
	buf := make([]byte, processReadChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Command returns the command line this process runs.
func (p *RemoteProcess) Command() string { return p.command }

// Alive is true until the process exits or is closed.
func (p *RemoteProcess) Alive() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// SendLine appends a newline and sends.
func (p *RemoteProcess) SendLine(s string) error {
	return p.SendBytes(append([]byte(s), '\n'))
}

// SendBytes sends raw bytes to the process stdin.
func (p *RemoteProcess) SendBytes(b []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return trace.Wrap(ErrProcessExited)
	}
	_, err := p.stdin.Write(b)
	return trace.Wrap(err)
}

// ReadUntil accumulates output until marker appears, returning everything
// before it and consuming the marker. The marker may arrive split across
// receive chunks. A non-positive timeout uses the transport default.
// Process exit before the marker fails with ErrProcessExited.
func (p *RemoteProcess) ReadUntil(marker []byte, timeout time.Duration) ([]byte, error) {
	if len(marker) == 0 {
		return nil, trace.BadParameter("marker must not be empty")
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if idx := bytes.Index(p.pending.Bytes(), marker); idx >= 0 {
			out := make([]byte, idx)
			copy(out, p.pending.Bytes()[:idx])
			p.pending.Next(idx + len(marker))
			p.mu.Unlock()
			return out, nil
		}
		p.mu.Unlock()

		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return nil, trace.Wrap(ErrProcessExited)
			}
			p.mu.Lock()
			p.pending.Write(chunk)
			p.mu.Unlock()
		case <-p.exited:
			// Drain anything the reader published before exiting.
			select {
			case chunk := <-p.chunks:
				p.mu.Lock()
				p.pending.Write(chunk)
				p.mu.Unlock()
				continue
			default:
			}
			p.mu.Lock()
			found := bytes.Index(p.pending.Bytes(), marker) >= 0
			p.mu.Unlock()
			if !found {
				return nil, trace.Wrap(ErrProcessExited)
			}
		case <-timer.C:
			return nil, trace.Wrap(&TimeoutError{Op: "marker", Timeout: timeout})
		}
	}
}

// ReadFor reads whatever arrives during the window and returns it.
func (p *RemoteProcess) ReadFor(d time.Duration) []byte {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var out bytes.Buffer
	p.mu.Lock()
	out.Write(p.pending.Bytes())
	p.pending.Reset()
	p.mu.Unlock()

	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return out.Bytes()
			}
			out.Write(chunk)
		case <-timer.C:
			return out.Bytes()
		case <-p.exited:
			select {
			case chunk := <-p.chunks:
				out.Write(chunk)
			default:
				return out.Bytes()
			}
		}
	}
}

// Close tears down the channel. Idempotent; the transport stays up.
func (p *RemoteProcess) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	closeFn := p.closeFn
	close(p.done)
	p.mu.Unlock()

	p.stdin.Close()
	if closeFn != nil {
		return closeFn()
	}
	return nil
}
