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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// RateLimitPolicy is a sliding-window limit keyed by peer. Each check
// prunes timestamps older than the window; at the limit the request is
// denied, below it the call is recorded and allowed.
type RateLimitPolicy struct {
	maxRequests int
	window      time.Duration
	keyByHost   bool
	clock       clockwork.Clock

	mu    sync.Mutex
	calls map[string][]time.Time
}

// RateLimitOption configures a RateLimitPolicy.
type RateLimitOption func(*RateLimitPolicy)

// KeyByHost buckets peers by host only, ignoring the ephemeral port, so
// reconnecting clients share one budget.
func KeyByHost() RateLimitOption {
	return func(p *RateLimitPolicy) { p.keyByHost = true }
}

// WithRateLimitClock overrides the clock, for tests.
func WithRateLimitClock(clock clockwork.Clock) RateLimitOption {
	return func(p *RateLimitPolicy) { p.clock = clock }
}

// NewRateLimitPolicy builds the policy.
func NewRateLimitPolicy(maxRequests int, window time.Duration, opts ...RateLimitOption) (*RateLimitPolicy, error) {
	if maxRequests <= 0 {
		return nil, trace.BadParameter("maxRequests must be positive, got %v", maxRequests)
	}
	if window <= 0 {
		return nil, trace.BadParameter("window must be positive, got %v", window)
	}
	p := &RateLimitPolicy{
		maxRequests: maxRequests,
		window:      window,
		clock:       clockwork.NewRealClock(),
		calls:       make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *RateLimitPolicy) key(peer string) string {
	if !p.keyByHost {
		return peer
	}
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}

// Check implements Policy.
func (p *RateLimitPolicy) Check(ctx RequestContext) Decision {
	now := p.clock.Now()
	cutoff := now.Add(-p.window)
	key := p.key(ctx.Peer)

	p.mu.Lock()
	defer p.mu.Unlock()

	times := p.calls[key]
	retained := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			retained = append(retained, t)
		}
	}
	if len(retained) >= p.maxRequests {
		p.calls[key] = retained
		return Deny(fmt.Sprintf("Rate limit exceeded (%d per %vs)", p.maxRequests, p.window.Seconds()))
	}
	p.calls[key] = append(retained, now)
	return Allow()
}
