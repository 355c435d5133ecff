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
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// Auth supplies credentials for one hop. It is consulted at connect
// time, not at construction, so credentials that expire (tickets,
// agent keys) are picked up fresh.
type Auth interface {
	// Methods returns the ssh auth methods to offer, in order.
	Methods(host string) ([]ssh.AuthMethod, error)
}

// PasswordAuth authenticates with a static password.
type PasswordAuth struct {
	Password string
}

// Methods implements Auth.
func (a PasswordAuth) Methods(host string) ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
}

// KeyAuth authenticates with a private key. Either Signer or the PEM
// bytes must be set; an encrypted PEM needs Passphrase.
type KeyAuth struct {
	Signer     ssh.Signer
	PEM        []byte
	Passphrase []byte
}

// Methods implements Auth.
func (a KeyAuth) Methods(host string) ([]ssh.AuthMethod, error) {
	signer := a.Signer
	if signer == nil {
		if len(a.PEM) == 0 {
			return nil, trace.BadParameter("key auth needs a signer or PEM bytes")
		}
		var err error
		if len(a.Passphrase) != 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(a.PEM, a.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(a.PEM)
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}
