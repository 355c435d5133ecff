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

// Package acl drives the remote ACL interpreter over the secure-shell
// transport: a persistent prompt-driven session plus a one-shot script
// mode.
package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/fermi-controls/pacsys/lib/defaults"
	"github.com/fermi-controls/pacsys/lib/sshutils"
)

// The real interpreter prompt is "\nACL> " (newline before, space
// after). Anchoring on the newline prevents false matches inside
// command output.
var prompt = []byte("\nACL> ")

// InterpreterError means the remote interpreter could not be driven:
// failed to start, exited mid-command, or the prompt never came back.
type InterpreterError struct {
	Op  string
	Err error
}

func (e *InterpreterError) Error() string {
	return fmt.Sprintf("acl %v failed: %v", e.Op, e.Err)
}

func (e *InterpreterError) Unwrap() error { return e.Err }

// IsInterpreterError reports whether err is (or wraps) an interpreter
// failure.
func IsInterpreterError(err error) bool {
	var ie *InterpreterError
	return errors.As(err, &ie)
}

// process is the interactive surface Session needs from the transport.
type process interface {
	SendLine(string) error
	ReadUntil(marker []byte, timeout time.Duration) ([]byte, error)
	Alive() bool
	Close() error
}

// Session keeps one interpreter process alive, avoiding per-command
// startup overhead. Each Send is an independent script: interpreter
// state does not persist between calls, so dependent statements must be
// combined with semicolons inside one Send.
//
// Multiple sessions can coexist on one transport; channels multiplex.
// A single session is not safe for concurrent use.
type Session struct {
	proc    process
	timeout time.Duration
	log     *log.Entry
	closed  bool
}

// SessionOption configures an interpreter session.
type SessionOption func(*Session)

// WithSessionTimeout overrides the default prompt-detection budget.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// OpenSession spawns the interpreter and waits for the first prompt to
// drain the banner. On failure the channel is closed before returning.
func OpenSession(ctx context.Context, client *sshutils.Client, opts ...SessionOption) (*Session, error) {
	proc, err := client.RemoteProcess(ctx, "acl")
	if err != nil {
		return nil, trace.Wrap(&InterpreterError{Op: "start", Err: err})
	}
	session, err := newSession(proc, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

func newSession(proc process, opts ...SessionOption) (*Session, error) {
	s := &Session{
		proc:    proc,
		timeout: defaults.InterpreterTimeout,
		log:     log.WithFields(log.Fields{"component": "acl"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := proc.ReadUntil(prompt, s.timeout); err != nil {
		proc.Close()
		return nil, trace.Wrap(&InterpreterError{Op: "start", Err: err})
	}
	s.log.Debug("ACL session opened.")
	return s, nil
}

// Send runs one command and returns its output with the echoed command
// line stripped. A non-positive timeout uses the session default.
func (s *Session) Send(command string, timeout time.Duration) (string, error) {
	if s.closed {
		return "", trace.Wrap(&InterpreterError{Op: "send", Err: errors.New("session is closed")})
	}
	if timeout <= 0 {
		timeout = s.timeout
	}
	if err := s.proc.SendLine(command); err != nil {
		return "", trace.Wrap(&InterpreterError{Op: "send", Err: err})
	}
	raw, err := s.proc.ReadUntil(prompt, timeout)
	if err != nil {
		return "", trace.Wrap(&InterpreterError{Op: "send", Err: err})
	}

	// The first line is the echo of the command itself.
	text := strings.TrimSpace(string(raw))
	if idx := strings.Index(text, "\n"); idx >= 0 {
		return strings.TrimSpace(text[idx+1:]), nil
	}
	return "", nil
}

// Alive reports whether the interpreter process is still up.
func (s *Session) Alive() bool {
	return !s.closed && s.proc.Alive()
}

// Close shuts the interpreter channel only; the transport stays up.
// Idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Debug("ACL session closed.")
	return trace.Wrap(s.proc.Close())
}
