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

// Package aclssh implements a backend over the remote ACL interpreter,
// reached through the secure-shell transport. It reads and writes with
// the interpreter's own "read" and "set" commands, so it works from any
// host that can reach a cluster node, at interactive-shell speed.
package aclssh

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/fermi-controls/pacsys/lib/acl"
	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/backend/aclhttp"
	"github.com/fermi-controls/pacsys/lib/defaults"
	"github.com/fermi-controls/pacsys/lib/sshutils"
)

// Interpreter is the session surface the backend drives. *acl.Session
// satisfies it.
type Interpreter interface {
	Send(command string, timeout time.Duration) (string, error)
	Alive() bool
	Close() error
}

// Config holds interpreter backend parameters.
type Config struct {
	// Session is an open interpreter session. The backend owns it and
	// closes it with Close.
	Session Interpreter
	// Timeout bounds one interpreter round trip,
	// defaults.InterpreterTimeout when zero.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Session == nil {
		return trace.BadParameter("missing interpreter session")
	}
	if c.Timeout < 0 {
		return trace.BadParameter("timeout must be positive, got %v", c.Timeout)
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.InterpreterTimeout
	}
	return nil
}

// Backend reads and writes devices through a persistent interpreter
// session. Sessions are not safe for concurrent use, so operations are
// serialized.
type Backend struct {
	backend.NoStreaming

	cfg Config
	log *log.Entry

	mu     sync.Mutex
	closed bool
}

// New wraps an open interpreter session as a backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		cfg: cfg,
		log: log.WithFields(log.Fields{"component": "aclssh"}),
	}, nil
}

// Connect opens an interpreter session on the transport and wraps it as
// a backend.
func Connect(ctx context.Context, client *sshutils.Client, opts ...acl.SessionOption) (*Backend, error) {
	session, err := acl.OpenSession(ctx, client, opts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return New(Config{Session: session})
}

// Capabilities reports READ, WRITE and BATCH. Authorization is whatever
// the remote account is allowed to do.
func (b *Backend) Capabilities() backend.Capability {
	return backend.CapRead | backend.CapWrite | backend.CapBatch
}

// Close shuts the interpreter session. The transport stays up.
// Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return trace.Wrap(b.cfg.Session.Close())
}

// Read returns the unwrapped value of one device.
func (b *Backend) Read(ctx context.Context, drf string) (backend.Value, error) {
	return backend.ReadValue(ctx, b, drf)
}

// Get reads one device. Device failures are carried inside the reading.
func (b *Backend) Get(ctx context.Context, drf string) (backend.Reading, error) {
	readings, err := b.GetMany(ctx, []string{drf})
	if err != nil {
		return backend.Reading{}, trace.Wrap(err)
	}
	return readings[0], nil
}

// GetMany reads a batch as one semicolon-joined script. The interpreter
// aborts the script on the first bad device, so a short or errored
// response falls back to per-device commands; the result always has one
// reading per input DRF, in order.
func (b *Backend) GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.Wrap(backend.ErrClosed)
	}
	if len(drfs) == 0 {
		return nil, nil
	}

	commands := make([]string, 0, len(drfs))
	for _, drf := range drfs {
		commands = append(commands, "read "+drf)
	}
	out, err := b.cfg.Session.Send(strings.Join(commands, ";"), b.budget(ctx))
	if err != nil {
		// The session is broken, every device gets the same error.
		devErr := toDeviceError(err)
		now := time.Now()
		readings := make([]backend.Reading, 0, len(drfs))
		for _, drf := range drfs {
			readings = append(readings, errorReading(drf, devErr.ErrorCode, devErr.Message, now))
		}
		return readings, nil
	}

	lines := splitLines(out)
	mismatch := len(lines) != len(drfs)
	if !mismatch {
		for _, line := range lines {
			if isError, _ := aclhttp.ErrorLine(line); isError {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		b.log.Debugf("Batch error/mismatch (%v lines for %v devices), reading individually.", len(lines), len(drfs))
		return b.getManyIndividual(ctx, drfs), nil
	}

	now := time.Now()
	readings := make([]backend.Reading, 0, len(drfs))
	for i, drf := range drfs {
		value, vt := aclhttp.ParseLine(lines[i])
		readings = append(readings, backend.Reading{
			DRF:       drf,
			Type:      vt,
			Value:     value,
			HasValue:  true,
			Timestamp: now,
		})
	}
	return readings, nil
}

func (b *Backend) getManyIndividual(ctx context.Context, drfs []string) []backend.Reading {
	now := time.Now()
	readings := make([]backend.Reading, 0, len(drfs))
	for _, drf := range drfs {
		out, err := b.cfg.Session.Send("read "+drf, b.budget(ctx))
		if err != nil {
			devErr := toDeviceError(err)
			readings = append(readings, errorReading(drf, devErr.ErrorCode, devErr.Message, now))
			continue
		}
		lines := splitLines(out)
		if len(lines) == 0 {
			readings = append(readings, errorReading(drf, acnet.ErrRetry, "empty response", now))
			continue
		}
		if isError, msg := aclhttp.ErrorLine(lines[0]); isError {
			readings = append(readings, errorReading(drf, acnet.ErrRetry, msg, now))
			continue
		}
		value, vt := aclhttp.ParseLine(lines[0])
		readings = append(readings, backend.Reading{
			DRF:       drf,
			Type:      vt,
			Value:     value,
			HasValue:  true,
			Timestamp: now,
		})
	}
	return readings
}

// Write sets one device.
func (b *Backend) Write(ctx context.Context, drf string, value backend.Value) (backend.WriteResult, error) {
	results, err := b.WriteMany(ctx, []backend.Setting{{DRF: drf, Value: value}})
	if err != nil {
		return backend.WriteResult{}, trace.Wrap(err)
	}
	return results[0], nil
}

// WriteMany applies settings one at a time so one rejected setting does
// not abort the rest. Results preserve input order.
func (b *Backend) WriteMany(ctx context.Context, settings []backend.Setting) ([]backend.WriteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, trace.Wrap(backend.ErrClosed)
	}
	results := make([]backend.WriteResult, 0, len(settings))
	for _, s := range settings {
		command, err := setCommand(s)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out, err := b.cfg.Session.Send(command, b.budget(ctx))
		result := backend.WriteResult{DRF: s.DRF, Attempts: 1}
		switch {
		case err != nil:
			devErr := toDeviceError(err)
			result.ErrorCode = devErr.ErrorCode
			result.Message = devErr.Message
		default:
			// The set command is silent on success.
			if isError, msg := aclhttp.ErrorLine(firstLine(out)); isError {
				result.ErrorCode = acnet.ErrRetry
				result.Message = msg
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// Alive reports whether the underlying interpreter is still up.
func (b *Backend) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.cfg.Session.Alive()
}

// budget converts a context deadline to the interpreter round-trip
// timeout, capped by the configured default.
func (b *Backend) budget(ctx context.Context) time.Duration {
	d := b.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < d {
			d = until
		}
	}
	return d
}

// setCommand renders one "set DEVICE VALUE" command.
func setCommand(s backend.Setting) (string, error) {
	var rendered string
	switch s.Value.Type() {
	case backend.TypeScalar:
		v, _ := s.Value.Scalar()
		rendered = strconv.FormatFloat(v, 'g', -1, 64)
	case backend.TypeScalarArray:
		arr, _ := s.Value.ScalarArray()
		parts := make([]string, 0, len(arr))
		for _, f := range arr {
			parts = append(parts, strconv.FormatFloat(f, 'g', -1, 64))
		}
		rendered = strings.Join(parts, " ")
	case backend.TypeText:
		v, _ := s.Value.Text()
		rendered = "'" + v + "'"
	default:
		return "", trace.BadParameter("cannot set a %v value through the interpreter", s.Value.Type())
	}
	return "set " + s.DRF + " " + rendered, nil
}

func toDeviceError(err error) *acnet.DeviceError {
	code := acnet.ErrRetry
	if sshutils.IsTimeoutError(err) {
		code = acnet.ErrTimeout
	}
	return acnet.NewDeviceError("", 0, code, "interpreter command failed: "+trace.UserMessage(err))
}

func errorReading(drf string, code int, msg string, now time.Time) backend.Reading {
	return backend.Reading{
		DRF:       drf,
		ErrorCode: code,
		Message:   msg,
		Timestamp: now,
	}
}

func splitLines(out string) []string {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
}

func firstLine(out string) string {
	if lines := splitLines(out); len(lines) > 0 {
		return lines[0]
	}
	return ""
}
