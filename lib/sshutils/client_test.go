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
	"errors"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermi-controls/pacsys/lib/defaults"
)

func TestClientConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig{
		Hops: []Hop{{Host: "outland.fnal.gov", User: "operator", Auth: PasswordAuth{Password: "pw"}}},
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	assert.Equal(t, defaults.ConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, defaults.IOTimeout, cfg.IOTimeout)
	assert.NotNil(t, cfg.HostKeyCallback)
	assert.Equal(t, "outland.fnal.gov:22", cfg.Hops[0].Addr())
}

func TestClientConfigValidation(t *testing.T) {
	t.Parallel()

	assert.Error(t, (&ClientConfig{}).CheckAndSetDefaults())
	assert.Error(t, (&ClientConfig{Hops: []Hop{{User: "u", Auth: PasswordAuth{}}}}).CheckAndSetDefaults())
	assert.Error(t, (&ClientConfig{Hops: []Hop{{Host: "h", Auth: PasswordAuth{}}}}).CheckAndSetDefaults())
	assert.Error(t, (&ClientConfig{Hops: []Hop{{Host: "h", User: "u"}}}).CheckAndSetDefaults())
}

func TestClientCloseBeforeConnect(t *testing.T) {
	t.Parallel()

	client, err := NewClient(ClientConfig{
		Hops: []Hop{{Host: "outland.fnal.gov", User: "operator", Auth: PasswordAuth{Password: "pw"}}},
	})
	require.NoError(t, err)
	assert.False(t, client.Connected())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestClientMultiHopTarget(t *testing.T) {
	t.Parallel()

	client, err := NewClient(ClientConfig{
		Hops: []Hop{
			{Host: "gateway.fnal.gov", User: "operator", Auth: PasswordAuth{Password: "pw"}},
			{Host: "outland.fnal.gov", User: "operator", Auth: PasswordAuth{Password: "pw"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "outland.fnal.gov", client.Target().Host)
}

func TestErrorPredicates(t *testing.T) {
	t.Parallel()

	authErr := &AuthenticationError{Host: "h", User: "u", Err: errors.New("denied")}
	assert.True(t, IsAuthenticationError(authErr))
	assert.True(t, IsAuthenticationError(trace.Wrap(authErr)))
	assert.False(t, IsAuthenticationError(errors.New("other")))
	assert.Contains(t, authErr.Error(), "u@h")

	connErr := &ConnectionError{Host: "h", Err: errors.New("refused")}
	assert.True(t, IsConnectionError(connErr))
	assert.False(t, IsConnectionError(authErr))

	timeoutErr := &TimeoutError{Op: "command", Timeout: time.Second}
	assert.True(t, IsTimeoutError(timeoutErr))
	assert.True(t, IsTimeoutError(trace.Wrap(timeoutErr)))
	assert.Contains(t, timeoutErr.Error(), "1s")
}

func TestExecResultOk(t *testing.T) {
	t.Parallel()

	assert.True(t, ExecResult{ExitCode: 0}.Ok())
	assert.False(t, ExecResult{ExitCode: 1}.Ok())
}

func TestKeyAuthValidation(t *testing.T) {
	t.Parallel()

	_, err := KeyAuth{}.Methods("host")
	assert.Error(t, err)

	_, err = KeyAuth{PEM: []byte("not a key")}.Methods("host")
	assert.Error(t, err)
}

func TestPasswordAuth(t *testing.T) {
	t.Parallel()

	methods, err := PasswordAuth{Password: "pw"}.Methods("host")
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}
