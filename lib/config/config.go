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

// Package config reads the supervised proxy's YAML file configuration
// and turns it into a runnable server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"

	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/backend/dpm"
	"github.com/fermi-controls/pacsys/lib/backend/grpcbackend"
	"github.com/fermi-controls/pacsys/lib/defaults"
	"github.com/fermi-controls/pacsys/lib/supervised"
)

// FileConfig mirrors the proxy's YAML file.
type FileConfig struct {
	// BindAddress is the listen interface, all interfaces when empty.
	BindAddress string `yaml:"bind_address"`
	// Port is the listen port, the standard proxy port when zero.
	Port int `yaml:"port"`
	// Token is the bearer token required on Set and Subscribe. Empty
	// disables the check.
	Token string `yaml:"token"`

	// UpstreamBackend selects the provider: "dpm" (default) or "grpc".
	UpstreamBackend string `yaml:"upstream_backend"`
	// UpstreamHost and UpstreamPort locate the provider.
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`
	// UpstreamAuth is the credential presented upstream: the bearer
	// token of a grpc upstream, or any non-empty value to enable
	// settings on a dpm upstream.
	UpstreamAuth string `yaml:"upstream_auth"`
	// UpstreamRole is the settings role of a dpm upstream.
	UpstreamRole string `yaml:"upstream_role"`

	// Policies run in file order on every request.
	Policies []PolicyConfig `yaml:"policies"`

	// AuditPath is the JSON-lines audit file; required.
	AuditPath string `yaml:"audit_path"`
	// ProtoPath is the tagged binary audit file. It must live in the
	// same directory as AuditPath; empty uses the default name there.
	ProtoPath string `yaml:"proto_path"`
	// LogResponses also records outbound replies.
	LogResponses bool `yaml:"log_responses"`
	// FlushInterval is the number of audit writes between flushes.
	FlushInterval int `yaml:"flush_interval"`
}

// PolicyConfig is one entry of the policies list.
type PolicyConfig struct {
	// Type is one of read_only, device_access, rate_limit,
	// canonicalize, rewrite.
	Type string `yaml:"type"`
	// Mode is allow or deny (device_access).
	Mode string `yaml:"mode"`
	// Patterns are glob-style device patterns (device_access).
	Patterns []string `yaml:"patterns"`
	// MaxRequests per window per peer (rate_limit).
	MaxRequests int `yaml:"max_requests"`
	// WindowSeconds is the sliding window length (rate_limit).
	WindowSeconds int `yaml:"window_seconds"`
	// KeyByHost pools the budget per host instead of per connection
	// (rate_limit).
	KeyByHost bool `yaml:"key_by_host"`
	// Rewrites are ordered device substitutions (rewrite).
	Rewrites []RewriteConfig `yaml:"rewrites"`
}

// RewriteConfig is one device substitution of a rewrite policy.
type RewriteConfig struct {
	// Pattern is a glob over the device name.
	Pattern string `yaml:"pattern"`
	// Replacement is the device name substituted on a match.
	Replacement string `yaml:"replacement"`
}

// ReadFile loads and validates a YAML proxy configuration.
func ReadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(raw)
}

// Parse decodes a YAML proxy configuration. Unknown keys are rejected
// so typos fail loudly.
func Parse(raw []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, trace.BadParameter("failed to parse configuration: %v", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Check validates the file without building anything.
func (c *FileConfig) Check() error {
	if c.AuditPath == "" {
		return trace.BadParameter("audit_path is required")
	}
	if c.ProtoPath != "" && filepath.Dir(c.ProtoPath) != filepath.Dir(c.AuditPath) {
		return trace.BadParameter("proto_path must be in the same directory as audit_path")
	}
	if c.Port < 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	switch c.UpstreamBackend {
	case "", "dpm", "grpc":
	default:
		return trace.BadParameter("unknown upstream_backend %q (want dpm or grpc)", c.UpstreamBackend)
	}
	if c.FlushInterval < 0 {
		return trace.BadParameter("flush_interval must be at least 1, got %v", c.FlushInterval)
	}
	for i, p := range c.Policies {
		if _, err := buildPolicy(p); err != nil {
			return trace.BadParameter("policy %v: %v", i, err)
		}
	}
	return nil
}

// ListenAddr renders the bind address and port.
func (c *FileConfig) ListenAddr() string {
	port := c.Port
	if port == 0 {
		port = defaults.ProxyPort
	}
	return fmt.Sprintf("%s:%d", c.BindAddress, port)
}

// BuildPolicies constructs the policy chain in file order.
func (c *FileConfig) BuildPolicies() ([]supervised.Policy, error) {
	policies := make([]supervised.Policy, 0, len(c.Policies))
	for i, p := range c.Policies {
		policy, err := buildPolicy(p)
		if err != nil {
			return nil, trace.BadParameter("policy %v: %v", i, err)
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

func buildPolicy(p PolicyConfig) (supervised.Policy, error) {
	switch p.Type {
	case "read_only":
		return supervised.ReadOnlyPolicy{}, nil
	case "canonicalize":
		return supervised.CanonicalizePolicy{}, nil
	case "device_access":
		mode := supervised.AccessMode(p.Mode)
		if p.Mode == "" {
			mode = supervised.ModeAllow
		}
		return supervised.NewDeviceAccessPolicy(p.Patterns, mode)
	case "rate_limit":
		window := time.Duration(p.WindowSeconds) * time.Second
		var opts []supervised.RateLimitOption
		if p.KeyByHost {
			opts = append(opts, supervised.KeyByHost())
		}
		return supervised.NewRateLimitPolicy(p.MaxRequests, window, opts...)
	case "rewrite":
		rules := make([]supervised.RewriteRule, 0, len(p.Rewrites))
		for _, r := range p.Rewrites {
			rules = append(rules, supervised.RewriteRule{
				Pattern:     r.Pattern,
				Replacement: r.Replacement,
			})
		}
		return supervised.NewRewritePolicy(rules)
	}
	return nil, trace.BadParameter("unknown policy type %q", p.Type)
}

// BuildUpstream constructs the upstream backend named by the file.
func (c *FileConfig) BuildUpstream() (backend.Backend, error) {
	switch c.UpstreamBackend {
	case "", "dpm":
		cfg := dpm.Config{}
		if c.UpstreamHost != "" {
			port := c.UpstreamPort
			if port == 0 {
				port = defaults.DPMPort
			}
			cfg.URL = fmt.Sprintf("ws://%s:%d/dpm/ws", c.UpstreamHost, port)
		}
		if c.UpstreamAuth != "" {
			cfg.Role = c.UpstreamRole
		}
		return dpm.New(cfg)
	case "grpc":
		if c.UpstreamHost == "" {
			return nil, trace.BadParameter("upstream_host is required for a grpc upstream")
		}
		port := c.UpstreamPort
		if port == 0 {
			port = defaults.ProxyPort
		}
		return grpcbackend.New(grpcbackend.Config{
			Addr:  fmt.Sprintf("%s:%d", c.UpstreamHost, port),
			Token: c.UpstreamAuth,
		})
	}
	return nil, trace.BadParameter("unknown upstream_backend %q", c.UpstreamBackend)
}

// BuildServer assembles the complete proxy server: upstream backend,
// policy chain, audit log, listener.
func (c *FileConfig) BuildServer() (*supervised.Server, error) {
	if err := c.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	upstream, err := c.BuildUpstream()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policies, err := c.BuildPolicies()
	if err != nil {
		upstream.Close()
		return nil, trace.Wrap(err)
	}

	auditCfg := supervised.AuditConfig{
		Dir:           filepath.Dir(c.AuditPath),
		JSONFile:      filepath.Base(c.AuditPath),
		LogResponses:  c.LogResponses,
		FlushInterval: c.FlushInterval,
	}
	if c.ProtoPath != "" {
		auditCfg.BinaryFile = filepath.Base(c.ProtoPath)
	}
	audit, err := supervised.OpenAuditLog(auditCfg)
	if err != nil {
		upstream.Close()
		return nil, trace.Wrap(err)
	}

	server, err := supervised.NewServer(supervised.ServerConfig{
		ListenAddr: c.ListenAddr(),
		Service: supervised.ServiceConfig{
			Backend:  upstream,
			Policies: policies,
			Audit:    audit,
			Token:    c.Token,
		},
	})
	if err != nil {
		audit.Close()
		upstream.Close()
		return nil, trace.Wrap(err)
	}
	return server, nil
}
