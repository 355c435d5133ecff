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

// Package aclhttp implements the read-only backend over the ACL CGI
// endpoint. One GET per batch; the CGI aborts the whole script on the
// first bad device, so a failed batch falls back to per-device requests.
package aclhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/fermi-controls/pacsys/lib/acnet"
	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/defaults"
)

// commands joined inside one CGI query use an escaped semicolon
const commandSeparator = `\;`

// Config holds ACL CGI backend parameters.
type Config struct {
	// BaseURL is the CGI endpoint, defaults.ACLBaseURL when empty.
	BaseURL string
	// Timeout bounds one HTTP round trip, defaults.IOTimeout when zero.
	Timeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		c.BaseURL = defaults.ACLBaseURL
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return trace.BadParameter("invalid base URL %q: %v", c.BaseURL, err)
	}
	if c.Timeout < 0 {
		return trace.BadParameter("timeout must be positive, got %v", c.Timeout)
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.IOTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return nil
}

// Backend reads devices through the ACL CGI. Read-only; no streaming,
// no authentication.
type Backend struct {
	backend.NoStreaming
	backend.NoWrites

	cfg Config
	log *log.Entry

	mu     sync.Mutex
	closed bool
}

// New creates an ACL CGI backend. No I/O happens until the first read.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		cfg: cfg,
		log: log.WithFields(log.Fields{"component": "aclhttp", "url": cfg.BaseURL}),
	}, nil
}

// Capabilities always reports READ and BATCH.
func (b *Backend) Capabilities() backend.Capability {
	return backend.CapRead | backend.CapBatch
}

// BaseURL returns the configured CGI endpoint.
func (b *Backend) BaseURL() string { return b.cfg.BaseURL }

// Close marks the backend closed. There is no connection state to
// release. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return trace.Wrap(backend.ErrClosed)
	}
	return nil
}

// Read returns the unwrapped value of one device.
func (b *Backend) Read(ctx context.Context, drf string) (backend.Value, error) {
	return backend.ReadValue(ctx, b, drf)
}

// Get reads one device with metadata. Device failures are carried inside
// the reading.
func (b *Backend) Get(ctx context.Context, drf string) (backend.Reading, error) {
	readings, err := b.GetMany(ctx, []string{drf})
	if err != nil {
		return backend.Reading{}, trace.Wrap(err)
	}
	return readings[0], nil
}

// GetMany reads a batch in one request. On a short response or any error
// line it reissues per-device requests so good devices still return
// values; the result always has one reading per input DRF, in order.
func (b *Backend) GetMany(ctx context.Context, drfs []string) ([]backend.Reading, error) {
	if err := b.checkOpen(); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(drfs) == 0 {
		return nil, nil
	}

	body, err := b.fetch(ctx, buildQuery(drfs))
	if err != nil {
		// Transport failure, every device gets the same error.
		devErr := toDeviceError(err, b.cfg.BaseURL)
		now := time.Now()
		readings := make([]backend.Reading, 0, len(drfs))
		for _, drf := range drfs {
			readings = append(readings, errorReading(drf, devErr, now))
		}
		return readings, nil
	}

	lines := splitLines(body)
	mismatch := len(lines) != len(drfs)
	if !mismatch {
		for _, line := range lines {
			if isError, _ := ErrorLine(line); isError {
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
		value, vt := ParseLine(lines[i])
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
		body, err := b.fetch(ctx, buildQuery([]string{drf}))
		if err != nil {
			readings = append(readings, errorReading(drf, toDeviceError(err, b.cfg.BaseURL), now))
			continue
		}
		lines := splitLines(body)
		if len(lines) == 0 {
			readings = append(readings, backend.Reading{
				DRF:       drf,
				ErrorCode: acnet.ErrRetry,
				Message:   "empty response",
				Timestamp: now,
			})
			continue
		}
		if isError, msg := ErrorLine(lines[0]); isError {
			readings = append(readings, backend.Reading{
				DRF:       drf,
				ErrorCode: acnet.ErrRetry,
				Message:   msg,
				Timestamp: now,
			})
			continue
		}
		value, vt := ParseLine(lines[0])
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

// Execute runs a raw ACL command string and returns the text output. The
// command is placed verbatim after "?acl=": spaces as '+', semicolons
// escaped as "\;".
func (b *Backend) Execute(ctx context.Context, command string) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", trace.Wrap(err)
	}
	body, err := b.fetch(ctx, "acl="+command)
	if err != nil {
		return "", trace.Wrap(toDeviceError(err, b.cfg.BaseURL))
	}
	return body, nil
}

func (b *Backend) fetch(ctx context.Context, rawQuery string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(b.cfg.BaseURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	// Raw DRF characters and the escaped semicolon must survive verbatim,
	// so the query is assigned directly instead of url.Values encoding.
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	b.log.Debugf("GET %v", u)

	resp, err := b.cfg.Client.Do(req)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", trace.BadParameter("request failed: HTTP %v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(body), nil
}

// toDeviceError classifies a transport failure: timeouts become
// ERR_TIMEOUT, everything else ERR_RETRY.
func toDeviceError(err error, baseURL string) *acnet.DeviceError {
	code := acnet.ErrRetry
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = acnet.ErrTimeout
	}
	return acnet.NewDeviceError("", 0, code,
		fmt.Sprintf("ACL request failed (%v): %v", baseURL, trace.UserMessage(err)))
}

func errorReading(drf string, devErr *acnet.DeviceError, now time.Time) backend.Reading {
	return backend.Reading{
		DRF:       drf,
		Facility:  devErr.Facility,
		ErrorCode: devErr.ErrorCode,
		Message:   devErr.Message,
		Timestamp: now,
	}
}

func splitLines(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
}

// buildQuery assembles the raw query component. The read command takes
// one device, so a batch is separate read commands joined with "\;".
func buildQuery(drfs []string) string {
	commands := make([]string, 0, len(drfs))
	for _, drf := range drfs {
		commands = append(commands, "read+"+quoteDRF(drf))
	}
	return "acl=" + strings.Join(commands, commandSeparator)
}

// quoteDRF percent-encodes a DRF for the CGI query. The CGI decodes only
// spaces and single quotes from the query string, so DRF punctuation
// (colons, brackets, '@', ',', '$', '|', '~') has to go over the wire
// raw. Only bytes outside the whitelist are escaped.
func quoteDRF(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if drfQuerySafe(c) {
			sb.WriteByte(c)
		} else {
			sb.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return sb.String()
}

func drfQuerySafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '.', '-', '~', ':', '[', ']', '@', ',', '$', '|':
		return true
	}
	return false
}
