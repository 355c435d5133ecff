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

// Package supervised re-exposes an upstream backend through policy,
// allowlist, rate-limit and audit layers, so untrusted operators can
// issue a restricted subset of reads and writes.
package supervised

import (
	"path"
	"strings"

	"github.com/gravitational/trace"

	"github.com/fermi-controls/pacsys/lib/backend"
	"github.com/fermi-controls/pacsys/lib/drf"
)

// RequestContext describes one inbound RPC for policy checks.
type RequestContext struct {
	// DRFs are the requested data references.
	DRFs []string
	// Method is the RPC name: Read, Set, Alarms or Subscribe.
	Method string
	// Peer is the remote address.
	Peer string
	// Metadata carries selected request headers.
	Metadata map[string]string
	// Values are the requested settings, Set only.
	Values []backend.Value
}

// WithDRFs returns a copy carrying different DRFs; the original is not
// modified.
func (c RequestContext) WithDRFs(drfs []string) RequestContext {
	c.DRFs = append([]string(nil), drfs...)
	return c
}

// Decision is the outcome of one policy check.
type Decision struct {
	// Allowed grants the request.
	Allowed bool
	// Reason explains a denial; required when denied.
	Reason string
	// Rewritten, when set on an allow, replaces the request context for
	// downstream policies and the backend.
	Rewritten *RequestContext
}

// Allow is the plain affirmative decision.
func Allow() Decision { return Decision{Allowed: true} }

// AllowRewritten allows the request with a modified context.
func AllowRewritten(ctx RequestContext) Decision {
	return Decision{Allowed: true, Rewritten: &ctx}
}

// Deny rejects the request with a reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Policy inspects a request and allows or denies it. Implementations
// must be safe for concurrent use.
type Policy interface {
	Check(ctx RequestContext) Decision
}

// EvaluatePolicies runs the chain in order. The first denial
// short-circuits; an allow means every policy allowed. The returned
// context reflects any rewrites and is what the backend must see.
func EvaluatePolicies(policies []Policy, ctx RequestContext) (Decision, RequestContext) {
	current := ctx
	for _, policy := range policies {
		decision := policy.Check(current)
		if !decision.Allowed {
			return decision, current
		}
		if decision.Rewritten != nil {
			current = *decision.Rewritten
		}
	}
	return Decision{Allowed: true}, current
}

// ReadOnlyPolicy denies Set, allows everything else.
type ReadOnlyPolicy struct{}

// Check implements Policy.
func (ReadOnlyPolicy) Check(ctx RequestContext) Decision {
	if ctx.Method == "Set" {
		return Deny("Write operations disabled")
	}
	return Allow()
}

// AccessMode selects how DeviceAccessPolicy interprets its patterns.
type AccessMode string

const (
	// ModeAllow permits only matching devices.
	ModeAllow AccessMode = "allow"
	// ModeDeny blocks matching devices.
	ModeDeny AccessMode = "deny"
)

// DeviceAccessPolicy gates devices on case-insensitive glob patterns
// matched against the device-name prefix of each DRF.
type DeviceAccessPolicy struct {
	patterns []string
	mode     AccessMode
}

// NewDeviceAccessPolicy builds the policy; patterns must not be empty.
func NewDeviceAccessPolicy(patterns []string, mode AccessMode) (*DeviceAccessPolicy, error) {
	if len(patterns) == 0 {
		return nil, trace.BadParameter("patterns must not be empty")
	}
	if mode != ModeAllow && mode != ModeDeny {
		return nil, trace.BadParameter("mode must be allow or deny, got %q", mode)
	}
	upper := make([]string, 0, len(patterns))
	for _, p := range patterns {
		upper = append(upper, strings.ToUpper(p))
	}
	return &DeviceAccessPolicy{patterns: upper, mode: mode}, nil
}

func (p *DeviceAccessPolicy) matches(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range p.patterns {
		if ok, err := path.Match(pattern, upper); err == nil && ok {
			return true
		}
	}
	return false
}

// Check implements Policy. The first offending DRF is named in the
// reason.
func (p *DeviceAccessPolicy) Check(ctx RequestContext) Decision {
	for _, request := range ctx.DRFs {
		name := drf.DeviceName(request)
		matched := p.matches(name)
		if p.mode == ModeAllow && !matched {
			return Deny("Device " + name + " not in allow list")
		}
		if p.mode == ModeDeny && matched {
			return Deny("Device " + name + " is denied")
		}
	}
	return Allow()
}

// RewriteRule maps devices matching a glob pattern onto a replacement
// device name. The non-device portion of the DRF is preserved.
type RewriteRule struct {
	// Pattern is a case-insensitive glob over the device name.
	Pattern string
	// Replacement is the literal device name substituted on a match.
	Replacement string
}

// RewritePolicy substitutes device names by glob rules. The first
// matching rule wins per device; downstream policies and the audit
// log see the rewritten request.
type RewritePolicy struct {
	rules []RewriteRule
}

// NewRewritePolicy builds the policy; rules must not be empty and
// every pattern must be a valid glob.
func NewRewritePolicy(rules []RewriteRule) (*RewritePolicy, error) {
	if len(rules) == 0 {
		return nil, trace.BadParameter("rules must not be empty")
	}
	upper := make([]RewriteRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Replacement == "" {
			return nil, trace.BadParameter("rewrite rule %q has no replacement", rule.Pattern)
		}
		if _, err := path.Match(rule.Pattern, ""); err != nil {
			return nil, trace.BadParameter("invalid rewrite pattern %q", rule.Pattern)
		}
		upper = append(upper, RewriteRule{
			Pattern:     strings.ToUpper(rule.Pattern),
			Replacement: rule.Replacement,
		})
	}
	return &RewritePolicy{rules: upper}, nil
}

func (p *RewritePolicy) rewrite(request string) string {
	name := drf.DeviceName(request)
	upper := strings.ToUpper(name)
	for _, rule := range p.rules {
		if ok, _ := path.Match(rule.Pattern, upper); ok {
			return rule.Replacement + request[len(name):]
		}
	}
	return request
}

// Check implements Policy.
func (p *RewritePolicy) Check(ctx RequestContext) Decision {
	rewritten := make([]string, len(ctx.DRFs))
	changed := false
	for i, request := range ctx.DRFs {
		rewritten[i] = p.rewrite(request)
		if rewritten[i] != request {
			changed = true
		}
	}
	if !changed {
		return Allow()
	}
	return AllowRewritten(ctx.WithDRFs(rewritten))
}

// CanonicalizePolicy rewrites every DRF to its canonical form, so
// downstream policies and the audit log see one spelling per device.
// Unparseable DRFs pass through untouched for the backend to reject.
type CanonicalizePolicy struct{}

// Check implements Policy.
func (CanonicalizePolicy) Check(ctx RequestContext) Decision {
	rewritten := make([]string, len(ctx.DRFs))
	changed := false
	for i, raw := range ctx.DRFs {
		request, err := drf.Parse(raw)
		if err != nil {
			rewritten[i] = raw
			continue
		}
		canonical := request.Canonical()
		rewritten[i] = canonical
		if canonical != raw {
			changed = true
		}
	}
	if !changed {
		return Allow()
	}
	return AllowRewritten(ctx.WithDRFs(rewritten))
}
