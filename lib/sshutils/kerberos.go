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
	"strings"

	"github.com/gravitational/trace"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
	"golang.org/x/crypto/ssh"
)

// KerberosAuth authenticates with GSSAPI-with-MIC using an established
// Kerberos client (ticket cache, keytab or password login).
type KerberosAuth struct {
	// Client is a logged-in Kerberos client.
	Client *client.Client
	// Target overrides the service principal; empty derives
	// host/<hop-host> from the hop.
	Target string
}

// NewKerberosAuthFromCCache builds auth from an existing credential
// cache, the way kinit leaves one behind.
func NewKerberosAuthFromCCache(ccachePath, krb5ConfPath string) (*KerberosAuth, error) {
	conf, err := config.Load(krb5ConfPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ccache, err := credentials.LoadCCache(ccachePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	kbClient, err := client.NewFromCCache(ccache, conf, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &KerberosAuth{Client: kbClient}, nil
}

// NewKerberosAuthWithKeytab builds auth from a keytab and logs in.
func NewKerberosAuthWithKeytab(user, realm, keytabPath, krb5ConfPath string) (*KerberosAuth, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf, err := config.Load(krb5ConfPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	kbClient := client.NewWithKeytab(user, strings.ToUpper(realm), kt, conf, client.DisablePAFXFAST(true))
	if err := kbClient.Login(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &KerberosAuth{Client: kbClient}, nil
}

// Methods implements Auth.
func (a *KerberosAuth) Methods(host string) ([]ssh.AuthMethod, error) {
	if a.Client == nil {
		return nil, trace.BadParameter("kerberos auth needs a logged-in client")
	}
	target := a.Target
	if target == "" {
		target = host
	}
	return []ssh.AuthMethod{
		ssh.GSSAPIWithMICAuthMethod(&krbGSSAPIClient{client: a.Client}, target),
	}, nil
}

// krbGSSAPIClient adapts a gokrb5 client to the ssh.GSSAPIClient token
// exchange: AP_REQ out, AP_REP back, MIC over the session identifier.
type krbGSSAPIClient struct {
	client *client.Client
	key    types.EncryptionKey
}

func (k *krbGSSAPIClient) InitSecContext(target string, token []byte, isGSSDelegCreds bool) ([]byte, bool, error) {
	if token != nil {
		// Server's AP_REP; mutual auth done, nothing more to send.
		return nil, false, nil
	}
	// The ssh library passes "host@fqdn"; Kerberos wants "host/fqdn".
	spn := strings.Replace(target, "@", "/", 1)
	ticket, key, err := k.client.GetServiceTicket(spn)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	k.key = key
	apreq, err := spnego.NewKRB5TokenAPREQ(k.client, ticket, key,
		[]int{gssapi.ContextFlagInteg, gssapi.ContextFlagMutual},
		[]int{flags.APOptionMutualRequired})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	out, err := apreq.Marshal()
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return out, true, nil
}

func (k *krbGSSAPIClient) GetMIC(micField []byte) ([]byte, error) {
	mic, err := gssapi.NewInitiatorMICToken(micField, k.key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := mic.Marshal()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func (k *krbGSSAPIClient) DeleteSecContext() error {
	k.key = types.EncryptionKey{}
	return nil
}
