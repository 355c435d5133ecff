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
	"context"
	"fmt"
	"net"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDialer connects tunnel channels straight to a local echo server,
// standing in for the ssh transport.
type echoDialer struct {
	addr string
}

func (d *echoDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return net.Dial("tcp", d.addr)
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					fmt.Fprintf(conn, "echo: %s\n", scanner.Text())
				}
			}()
		}
	}()
	return listener.Addr().String()
}

func TestTunnelForwardsBytes(t *testing.T) {
	t.Parallel()

	echoAddr := startEchoServer(t)
	tunnel, err := newTunnel(0, "remote:1234", &echoDialer{addr: echoAddr}, log.WithField("test", t.Name()))
	require.NoError(t, err)
	defer tunnel.Close()

	conn, err := net.Dial("tcp", tunnel.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintln(conn, "hello")
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo: hello\n", line)
}

func TestTunnelMultipleConnections(t *testing.T) {
	t.Parallel()

	echoAddr := startEchoServer(t)
	tunnel, err := newTunnel(0, "remote:1234", &echoDialer{addr: echoAddr}, log.WithField("test", t.Name()))
	require.NoError(t, err)
	defer tunnel.Close()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", tunnel.Addr().String())
		require.NoError(t, err)
		fmt.Fprintf(conn, "msg %d\n", i)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo: msg %d\n", i), line)
		conn.Close()
	}
}

func TestTunnelClose(t *testing.T) {
	t.Parallel()

	echoAddr := startEchoServer(t)
	tunnel, err := newTunnel(0, "remote:1234", &echoDialer{addr: echoAddr}, log.WithField("test", t.Name()))
	require.NoError(t, err)

	addr := tunnel.Addr().String()
	require.NoError(t, tunnel.Close())
	require.NoError(t, tunnel.Close())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestTunnelEphemeralPort(t *testing.T) {
	t.Parallel()

	echoAddr := startEchoServer(t)
	tunnel, err := newTunnel(0, "remote:1234", &echoDialer{addr: echoAddr}, log.WithField("test", t.Name()))
	require.NoError(t, err)
	defer tunnel.Close()
	assert.NotZero(t, tunnel.LocalPort())
}
