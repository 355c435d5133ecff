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
	"bufio"
	"encoding"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fermi-controls/pacsys/lib/defaults"
)

// Binary record tags. Each binary entry is tag || varint(len) || payload
// with the length as unsigned LEB128.
var errAuditClosed = errors.New("audit log is closed")

const (
	TagReadRequest    byte = 1
	TagSettingRequest byte = 2
	TagReadReply      byte = 3
	TagSettingReply   byte = 4
)

// AuditConfig holds audit log parameters.
type AuditConfig struct {
	// Dir is where the two sink files are created.
	Dir string
	// JSONFile overrides the JSON-lines file name.
	JSONFile string
	// BinaryFile overrides the binary file name.
	BinaryFile string
	// LogResponses also records outbound replies and streamed readings.
	LogResponses bool
	// FlushInterval is the number of writes between explicit flushes,
	// minimum and default 1.
	FlushInterval int
	// Clock stamps the entries.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuditConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("audit directory is required")
	}
	if c.JSONFile == "" {
		c.JSONFile = "audit.jsonl"
	}
	if c.BinaryFile == "" {
		c.BinaryFile = "audit.bin"
	}
	if c.FlushInterval < 0 {
		return trace.BadParameter("flush interval must be at least 1, got %v", c.FlushInterval)
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.AuditFlushInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// auditEntry carries the keys common to every JSON-lines record.
type auditEntry struct {
	TS     string `json:"ts"`
	Seq    uint64 `json:"seq"`
	Dir    string `json:"dir"`
	Peer   string `json:"peer"`
	Method string `json:"method"`
}

// requestEntry is one inbound record. Reason is always present: null
// on an allow, the denial text otherwise.
type requestEntry struct {
	auditEntry
	DRFs    []string `json:"drfs"`
	Allowed bool     `json:"allowed"`
	Reason  *string  `json:"reason"`
	// FinalDRFs is present only when policies rewrote an allowed
	// request.
	FinalDRFs []string `json:"final_drfs,omitempty"`
}

// AuditLog records every inbound request and optionally every response
// into a JSON-lines file and a wire-faithful binary file. Writes of the
// two sinks happen atomically as a pair under one mutex.
type AuditLog struct {
	cfg AuditConfig
	log *log.Entry

	mu          sync.Mutex
	jsonFile    *os.File
	binFile     *os.File
	jsonWriter  *bufio.Writer
	binWriter   *bufio.Writer
	seq         uint64
	writesSince int
	closed      bool
}

// OpenAuditLog creates or appends to the sink files.
func OpenAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	jsonFile, err := os.OpenFile(filepath.Join(cfg.Dir, cfg.JSONFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	binFile, err := os.OpenFile(filepath.Join(cfg.Dir, cfg.BinaryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		jsonFile.Close()
		return nil, trace.ConvertSystemError(err)
	}
	return &AuditLog{
		cfg:        cfg,
		log:        log.WithFields(log.Fields{"component": "audit"}),
		jsonFile:   jsonFile,
		binFile:    binFile,
		jsonWriter: bufio.NewWriter(jsonFile),
		binWriter:  bufio.NewWriter(binFile),
	}, nil
}

// NextSeq allocates the sequence number for one inbound request. All
// responses belonging to that request, including every streamed
// reading, reuse it.
func (a *AuditLog) NextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

// Request describes one inbound call for auditing.
type Request struct {
	Seq    uint64
	Peer   string
	Method string
	DRFs   []string
	// Allowed and Reason reflect the policy outcome.
	Allowed bool
	Reason  string
	// FinalDRFs is set when policies rewrote the request; never set on
	// a denial.
	FinalDRFs []string
	// Message is the raw wire message; nil skips the binary record.
	Message encoding.BinaryMarshaler
}

// LogRequest records one inbound request in both sinks.
func (a *AuditLog) LogRequest(req Request) error {
	entry := requestEntry{
		auditEntry: auditEntry{
			TS:     a.cfg.Clock.Now().Format(time.RFC3339Nano),
			Seq:    req.Seq,
			Dir:    "in",
			Peer:   req.Peer,
			Method: req.Method,
		},
		DRFs:    req.DRFs,
		Allowed: req.Allowed,
	}
	if req.Reason != "" {
		reason := req.Reason
		entry.Reason = &reason
	}
	if req.Allowed && req.FinalDRFs != nil {
		entry.FinalDRFs = req.FinalDRFs
	}
	return a.write(entry, requestTag(req.Method), req.Message)
}

// LogResponse records one outbound reply or streamed reading batch,
// reusing the inbound seq.
func (a *AuditLog) LogResponse(seq uint64, peer, method string, msg encoding.BinaryMarshaler) error {
	if !a.cfg.LogResponses {
		return nil
	}
	entry := auditEntry{
		TS:     a.cfg.Clock.Now().Format(time.RFC3339Nano),
		Seq:    seq,
		Dir:    "out",
		Peer:   peer,
		Method: method,
	}
	return a.write(entry, replyTag(method), msg)
}

// LogResponses reports whether response logging is enabled.
func (a *AuditLog) LogResponses() bool { return a.cfg.LogResponses }

func requestTag(method string) byte {
	if method == "Set" {
		return TagSettingRequest
	}
	return TagReadRequest
}

func replyTag(method string) byte {
	if method == "Set" {
		return TagSettingReply
	}
	return TagReadReply
}

func (a *AuditLog) write(entry interface{}, tag byte, msg encoding.BinaryMarshaler) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return trace.Wrap(errAuditClosed)
	}

	if _, err := a.jsonWriter.Write(append(line, '\n')); err != nil {
		return trace.ConvertSystemError(err)
	}
	if msg != nil {
		payload, err := msg.MarshalBinary()
		if err != nil {
			// The JSON record stands; only the binary record is skipped.
			a.log.WithError(err).Warn("Skipping binary audit record.")
		} else {
			record := append([]byte{tag}, protowire.AppendVarint(nil, uint64(len(payload)))...)
			record = append(record, payload...)
			if _, err := a.binWriter.Write(record); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
	}

	a.writesSince++
	if a.writesSince >= a.cfg.FlushInterval {
		a.writesSince = 0
		if err := a.flushLocked(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (a *AuditLog) flushLocked() error {
	if err := a.jsonWriter.Flush(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := a.binWriter.Flush(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Flush forces pending writes out.
func (a *AuditLog) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	return a.flushLocked()
}

// Close flushes and closes both sinks. Idempotent.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.flushLocked()
	if closeErr := a.jsonFile.Close(); err == nil {
		err = closeErr
	}
	if closeErr := a.binFile.Close(); err == nil {
		err = closeErr
	}
	return trace.Wrap(err)
}
