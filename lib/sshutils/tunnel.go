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
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// channelDialer opens a stream to a remote address through an existing
// transport.
type channelDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Tunnel forwards a local TCP port to a remote address through the ssh
// transport. Each accepted local connection gets its own channel.
type Tunnel struct {
	listener   net.Listener
	remoteAddr string
	dialer     channelDialer
	log        *log.Entry

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Forward binds a local listener (port 0 picks an ephemeral port) and
// shuttles every accepted connection to remoteHost:remotePort.
func (c *Client) Forward(ctx context.Context, localPort int, remoteHost string, remotePort int) (*Tunnel, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newTunnel(localPort, net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort)), conn, c.log)
}

func newTunnel(localPort int, remoteAddr string, dialer channelDialer, logger *log.Entry) (*Tunnel, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t := &Tunnel{
		listener:   listener,
		remoteAddr: remoteAddr,
		dialer:     dialer,
		log:        logger.WithFields(log.Fields{"tunnel": remoteAddr}),
		conns:      make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr is the bound local address.
func (t *Tunnel) Addr() net.Addr { return t.listener.Addr() }

// LocalPort is the bound local port.
func (t *Tunnel) LocalPort() int { return t.listener.Addr().(*net.TCPAddr).Port }

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			local.Close()
			return
		}
		t.conns[local] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.forget(local)
			if err := t.serve(local); err != nil {
				t.log.Debugf("Tunnel connection ended: %v.", err)
			}
		}()
	}
}

func (t *Tunnel) serve(local net.Conn) error {
	defer local.Close()
	remote, err := t.dialer.DialContext(context.Background(), "tcp", t.remoteAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	defer remote.Close()

	var group errgroup.Group
	group.Go(func() error {
		_, err := io.Copy(remote, local)
		remote.Close()
		return err
	})
	group.Go(func() error {
		_, err := io.Copy(local, remote)
		local.Close()
		return err
	})
	return group.Wait()
}

func (t *Tunnel) forget(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// Close stops accepting, severs live connections and waits for the
// shuttles to finish. Idempotent.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	err := t.listener.Close()
	t.wg.Wait()
	return trace.Wrap(err)
}
