package proxypool

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"imgcrawler/pkg/types"
)

// DefaultQuarantine is how long a failed endpoint sits out before it is
// eligible again.
const DefaultQuarantine = 300 * time.Second

// Pool hands out proxy endpoints, quarantines failing ones, and
// rehabilitates them after the quarantine elapses. An empty pool is valid
// and means "connect directly". Safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	endpoints  []Endpoint
	byKey      map[string]Endpoint
	available  []string
	failed     map[string]time.Time
	successes  map[string]int
	lastGood   string
	quarantine time.Duration
	now        func() time.Time
	rnd        *rand.Rand
	logger     *slog.Logger
}

// Option customises a Pool.
type Option func(*Pool)

// WithQuarantine overrides the rehabilitation timeout.
func WithQuarantine(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.quarantine = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRand injects the random source used for selection.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) {
		if r != nil {
			p.rnd = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a pool over endpoints. Duplicate endpoints are collapsed.
func New(endpoints []Endpoint, opts ...Option) *Pool {
	p := &Pool{
		byKey:      make(map[string]Endpoint, len(endpoints)),
		failed:     make(map[string]time.Time),
		successes:  make(map[string]int),
		quarantine: DefaultQuarantine,
		now:        time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "proxypool")

	for _, ep := range endpoints {
		key := ep.Key()
		if _, ok := p.byKey[key]; ok {
			continue
		}
		p.byKey[key] = ep
		p.endpoints = append(p.endpoints, ep)
		p.available = append(p.available, key)
	}
	if len(p.endpoints) == 0 {
		p.logger.Debug("proxy pool empty, connecting directly")
	}
	return p
}

// Enabled reports whether the pool has any endpoints at all.
func (p *Pool) Enabled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints) > 0
}

// Endpoints returns a copy of every configured endpoint.
func (p *Pool) Endpoints() []Endpoint {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Endpoint(nil), p.endpoints...)
}

// Acquire returns a random available endpoint. When every endpoint is
// quarantined the pool resets and all become available again. The second
// return value is false only when the pool is empty.
func (p *Pool) Acquire() (Endpoint, bool) {
	if p == nil {
		return Endpoint{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return Endpoint{}, false
	}
	p.rehabilitateLocked()

	if len(p.available) == 0 {
		p.logger.Warn("all proxies quarantined, resetting pool", "total", len(p.endpoints))
		p.available = p.available[:0]
		for _, ep := range p.endpoints {
			p.available = append(p.available, ep.Key())
		}
		clear(p.failed)
	}

	key := p.available[p.rnd.Intn(len(p.available))]
	return p.byKey[key], true
}

// ReportFailure quarantines ep. Unknown or already quarantined endpoints are ignored.
func (p *Pool) ReportFailure(ep Endpoint) {
	if p == nil {
		return
	}
	key := ep.Key()
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, k := range p.available {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	p.available = append(p.available[:idx], p.available[idx+1:]...)
	p.failed[key] = p.now()
	p.logger.Warn("proxy quarantined", "proxy", ep.String(), "available", len(p.available))
}

// ReportSuccess records ep as the most recent working endpoint. It does not
// change selection.
func (p *Pool) ReportSuccess(ep Endpoint) {
	if p == nil {
		return
	}
	key := ep.Key()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byKey[key]; !ok {
		return
	}
	p.successes[key]++
	p.lastGood = key
}

// Stats is a snapshot of pool state.
type Stats struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Failed    int            `json:"failed"`
	LastGood  string         `json:"last_good,omitempty"`
	Successes map[string]int `json:"successes,omitempty"`
}

// Stats returns current counters. Quarantines that have expired are
// counted as available.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rehabilitateLocked()

	successes := make(map[string]int, len(p.successes))
	for k, v := range p.successes {
		successes[k] = v
	}
	return Stats{
		Total:     len(p.endpoints),
		Available: len(p.available),
		Failed:    len(p.failed),
		LastGood:  p.lastGood,
		Successes: successes,
	}
}

// Summary converts Stats into the run summary shape.
func (s Stats) Summary() *types.ProxySummary {
	return &types.ProxySummary{Total: s.Total, Available: s.Available, Failed: s.Failed}
}

func (p *Pool) rehabilitateLocked() {
	if len(p.failed) == 0 {
		return
	}
	now := p.now()
	for _, ep := range p.endpoints {
		key := ep.Key()
		failedAt, ok := p.failed[key]
		if !ok || now.Sub(failedAt) < p.quarantine {
			continue
		}
		delete(p.failed, key)
		p.available = append(p.available, key)
		p.logger.Info("proxy rehabilitated", "proxy", ep.String())
	}
}
