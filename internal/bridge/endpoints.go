package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Default circuit breaker settings for agent endpoints.
const (
	defaultBreakerFailures = 3
	defaultBreakerCooldown = 30 * time.Second
)

// endpoint is one agent URL guarded by a circuit breaker. The breaker opens
// after maxFailures consecutive failed connection attempts; once the cooldown
// has passed a single probe is let through, and its outcome closes or
// re-opens it.
type endpoint struct {
	url string

	mu       sync.Mutex
	failures int
	open     bool
	openedAt time.Time
}

// endpoints picks the agent URL to dial: the first one, in configuration
// order, whose breaker admits a call.
type endpoints struct {
	list        []*endpoint
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
}

func newEndpoints(urls []string, maxFailures int, cooldown time.Duration) *endpoints {
	if maxFailures <= 0 {
		maxFailures = defaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	p := &endpoints{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
	for _, u := range urls {
		if u != "" {
			p.list = append(p.list, &endpoint{url: u})
		}
	}
	return p
}

// pick returns the endpoint to try next. When every breaker is open it
// returns the one opened longest ago, so reconnection keeps probing under
// the caller's backoff instead of stalling.
func (p *endpoints) pick() *endpoint {
	now := p.now()
	var oldest *endpoint
	for _, ep := range p.list {
		ep.mu.Lock()
		admit := !ep.open || now.Sub(ep.openedAt) >= p.cooldown
		openedAt := ep.openedAt
		ep.mu.Unlock()
		if admit {
			return ep
		}
		if oldest == nil || openedAt.Before(oldest.openedAt) {
			oldest = ep
		}
	}
	return oldest
}

func (p *endpoints) success(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.open {
		slog.Info("bridge: agent endpoint recovered", "url", ep.url)
	}
	ep.failures = 0
	ep.open = false
}

func (p *endpoints) failure(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.failures++
	if ep.open || ep.failures >= p.maxFailures {
		if !ep.open && len(p.list) > 1 {
			slog.Warn("bridge: agent endpoint failing, switching to fallback",
				"url", ep.url,
				"failures", ep.failures,
			)
		}
		ep.open = true
		ep.openedAt = p.now()
	}
}

// isOpen reports the breaker state of ep.
func (ep *endpoint) isOpen() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.open
}
