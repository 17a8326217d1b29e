// Package breaker keeps per-tool circuit breakers shared by every
// conversation in the process.
//
// A breaker has two states. Closed: requests are allowed. Open: after
// Threshold consecutive failures, requests are refused until Cooldown has
// elapsed. There is no half-open probe; the first request after the cooldown
// is allowed and its outcome updates the state. Because the failure counter is
// only reset by a success, a failing first request re-opens the breaker
// immediately.
package breaker

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultThreshold = 2
	DefaultCooldown  = 10 * time.Second
)

// Breaker tracks consecutive failures for one tool.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// State is a point-in-time copy of a breaker.
type State struct {
	Tool                string    `json:"tool"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until"`
	Open                bool      `json:"open"`
}

// AllowRequest reports whether now is at or past open_until.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Tool:                b.name,
		ConsecutiveFailures: b.failures,
		OpenUntil:           b.openUntil,
		Open:                b.now().Before(b.openUntil),
	}
}

// Registry hands out breakers by tool name, creating them on first use.
// Breakers are never removed.
type Registry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type Option func(*Registry)

func WithThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithClock replaces time.Now; tests use it to step past cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for tool, creating it lazily.
func (r *Registry) Breaker(tool string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = &Breaker{name: tool, threshold: r.threshold, cooldown: r.cooldown, now: r.now}
		r.breakers[tool] = b
	}
	return b
}

// Snapshot returns every known breaker sorted by tool name.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	out := make([]State, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}
