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

// Package sshutils provides the secure-shell transport used to reach
// console nodes on the control network: command exec, interactive
// processes, file transfer and port forwarding over one authenticated
// session, with optional multi-hop jump paths.
package sshutils

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/fermi-controls/pacsys/lib/defaults"
)

// Hop is one machine on the path to the target. The last hop is the
// active transport; earlier hops only carry tunnels.
type Hop struct {
	// Host is the hostname or address.
	Host string
	// Port defaults to the standard ssh port.
	Port int
	// User is the login name.
	User string
	// Auth supplies this hop's credentials.
	Auth Auth
}

// Addr returns host:port.
func (h Hop) Addr() string {
	port := h.Port
	if port == 0 {
		port = defaults.SSHPort
	}
	return net.JoinHostPort(h.Host, fmt.Sprintf("%d", port))
}

func (h Hop) check() error {
	if h.Host == "" {
		return trace.BadParameter("hop is missing a host")
	}
	if h.User == "" {
		return trace.BadParameter("hop %v is missing a user", h.Host)
	}
	if h.Auth == nil {
		return trace.BadParameter("hop %v is missing auth", h.Host)
	}
	return nil
}

// ClientConfig holds transport parameters.
type ClientConfig struct {
	// Hops is the jump path; at least one.
	Hops []Hop
	// HostKeyCallback verifies server keys. The control network uses
	// short-lived machines without a distributed known-hosts file, so
	// the default accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// ConnectTimeout bounds each hop's dial plus handshake.
	ConnectTimeout time.Duration
	// IOTimeout is the default budget for exec and process reads.
	IOTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if len(c.Hops) == 0 {
		return trace.BadParameter("at least one hop is required")
	}
	for _, hop := range c.Hops {
		if err := hop.check(); err != nil {
			return trace.Wrap(err)
		}
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = defaults.IOTimeout
	}
	return nil
}

// Client is a lazily-connected multi-hop ssh transport. Construction
// performs no I/O; the first operation dials. Safe for concurrent use;
// channels multiplex over the one connection.
type Client struct {
	cfg ClientConfig
	log *log.Entry

	mu     sync.Mutex
	conns  []*ssh.Client // one per hop, last is active
	closed bool
}

// NewClient creates the transport without connecting.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	target := cfg.Hops[len(cfg.Hops)-1]
	return &Client{
		cfg: cfg,
		log: log.WithFields(log.Fields{"component": "ssh", "host": target.Host}),
	}, nil
}

// Target returns the final hop.
func (c *Client) Target() Hop { return c.cfg.Hops[len(c.cfg.Hops)-1] }

// Connected reports whether the transport is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns) > 0 && !c.closed
}

// Connect forces the connection; other operations call it implicitly.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.active(ctx)
	return trace.Wrap(err)
}

// active returns the final hop's client, connecting the whole path on
// first use.
func (c *Client) active(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: errors.New("client is closed")})
	}
	if len(c.conns) > 0 {
		return c.conns[len(c.conns)-1], nil
	}
	for i, hop := range c.cfg.Hops {
		var raw net.Conn
		var err error
		if i == 0 {
			dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
			raw, err = dialer.DialContext(ctx, "tcp", hop.Addr())
		} else {
			// Tunnel through the previous hop.
			raw, err = c.conns[i-1].DialContext(ctx, "tcp", hop.Addr())
		}
		if err != nil {
			c.closeConnsLocked()
			return nil, trace.Wrap(&ConnectionError{Host: hop.Host, Err: err})
		}
		conn, err := c.handshake(raw, hop)
		if err != nil {
			raw.Close()
			c.closeConnsLocked()
			return nil, trace.Wrap(err)
		}
		c.conns = append(c.conns, conn)
		c.log.Debugf("Connected hop %v/%v: %v.", i+1, len(c.cfg.Hops), hop.Addr())
	}
	return c.conns[len(c.conns)-1], nil
}

func (c *Client) handshake(raw net.Conn, hop Hop) (*ssh.Client, error) {
	methods, err := hop.Auth.Methods(hop.Host)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sshCfg := &ssh.ClientConfig{
		User:            hop.User,
		Auth:            methods,
		HostKeyCallback: c.cfg.HostKeyCallback,
		Timeout:         c.cfg.ConnectTimeout,
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, hop.Addr(), sshCfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods remain") {
			return nil, trace.Wrap(&AuthenticationError{Host: hop.Host, User: hop.User, Err: err})
		}
		return nil, trace.Wrap(&ConnectionError{Host: hop.Host, Err: err})
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

func (c *Client) closeConnsLocked() {
	// Active hop first, then back down the path.
	for i := len(c.conns) - 1; i >= 0; i-- {
		c.conns[i].Close()
	}
	c.conns = nil
}

// Close tears down the path. Safe before Connect and idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeConnsLocked()
	return nil
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok is true when the command exited zero.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// ExecOption configures a single exec call.
type ExecOption func(*execOptions)

type execOptions struct {
	input   string
	timeout time.Duration
}

// WithInput feeds the command's stdin.
func WithInput(input string) ExecOption {
	return func(o *execOptions) { o.input = input }
}

// WithTimeout overrides the default exec budget.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// Exec runs one command, buffering stdout and stderr. A nonzero exit is
// reported in the result, not as an error; errors mean the command could
// not be run or timed out.
func (c *Client) Exec(ctx context.Context, command string, opts ...ExecOption) (ExecResult, error) {
	o := execOptions{timeout: c.cfg.IOTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := c.active(ctx)
	if err != nil {
		return ExecResult{}, trace.Wrap(err)
	}
	session, err := conn.NewSession()
	if err != nil {
		return ExecResult{}, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: err})
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr
	if o.input != "" {
		session.Stdin = strings.NewReader(o.input)
	}

	if err := session.Start(command); err != nil {
		return ExecResult{}, trace.Wrap(err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case err = <-waitCh:
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ExecResult{}, trace.Wrap(&TimeoutError{Op: fmt.Sprintf("command %q", command), Timeout: o.timeout})
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return ExecResult{}, trace.Wrap(ctx.Err())
	}

	result := ExecResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			return ExecResult{}, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: err})
		}
	}
	return result, nil
}

// ExecMany runs commands sequentially on the same connection. A nonzero
// exit does not stop the sequence; a transport failure does.
func (c *Client) ExecMany(ctx context.Context, commands []string, opts ...ExecOption) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))
	for _, command := range commands {
		result, err := c.Exec(ctx, command, opts...)
		if err != nil {
			return results, trace.Wrap(err)
		}
		results = append(results, result)
	}
	return results, nil
}

// LineStream yields decoded output lines of a running command as they
// arrive.
type LineStream struct {
	lines   chan string
	session *ssh.Session

	mu     sync.Mutex
	err    error
	closed bool
}

// Lines is closed when the command finishes or the stream is closed.
func (s *LineStream) Lines() <-chan string { return s.lines }

// Err reports the terminal error once Lines is closed. A nonzero exit is
// not an error here.
func (s *LineStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream and kills the remote command. Idempotent.
func (s *LineStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.session.Close()
}

func (s *LineStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}

// ExecStream starts a command and returns a stream of its stdout lines.
func (c *Client) ExecStream(ctx context.Context, command string) (*LineStream, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: err})
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	stream := &LineStream{
		lines:   make(chan string),
		session: session,
	}
	go func() {
		defer close(stream.lines)
		defer session.Close()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case stream.lines <- scanner.Text():
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
		if err := scanner.Err(); err != nil {
			stream.setErr(err)
		}
		session.Wait()
	}()
	return stream, nil
}

// RemoteProcess starts an interactive byte-stream process.
func (c *Client) RemoteProcess(ctx context.Context, command string) (*RemoteProcess, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, trace.Wrap(&ConnectionError{Host: c.Target().Host, Err: err})
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	return newRemoteProcess(command, stdin, stdout, stderr, c.cfg.IOTimeout, session.Close), nil
}
