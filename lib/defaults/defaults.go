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

// Package defaults collects the default values shared across the library.
package defaults

import "time"

const (
	// ACLBaseURL is the read-only CGI endpoint.
	ACLBaseURL = "https://www-bd.fnal.gov/cgi-bin/acl.pl"

	// DPMHost is the data-pool manager proxy host.
	DPMHost = "acsys-proxy.fnal.gov"
	// DPMPort is the data-pool manager proxy port.
	DPMPort = 6802
	// DPMPoolSize is the number of pooled request/reply connections a
	// data-pool backend keeps open.
	DPMPoolSize = 4

	// ProxyPort is the supervised proxy listen port.
	ProxyPort = 50051

	// SSHPort is the standard secure-shell port.
	SSHPort = 22

	// IOTimeout bounds a single wire operation unless the caller says
	// otherwise.
	IOTimeout = 5 * time.Second

	// ConnectTimeout bounds transport establishment (TCP dial plus
	// handshake).
	ConnectTimeout = 10 * time.Second

	// InterpreterTimeout bounds one interpreter command round trip; the
	// remote interpreter can be slow to start.
	InterpreterTimeout = 30 * time.Second

	// SubscriptionBuffer is the bounded capacity of a subscription
	// handle. Past it, the newest readings are dropped.
	SubscriptionBuffer = 10000

	// DropLogInterval throttles buffer-overflow warnings per handle.
	DropLogInterval = 5 * time.Second

	// AuditFlushInterval is the number of audit writes between explicit
	// flushes.
	AuditFlushInterval = 1
)
