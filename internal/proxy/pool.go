// Package proxy holds the proxy pool shared by all runners.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/metrics"
)

const defaultPollInterval = time.Second

type entry struct {
	proxy domain.Proxy
	state domain.ProxyState
	owner string

	// removed entries are dropped when their owner releases them.
	removed bool
}

// Pool assigns proxies to runners. Every state change happens under one
// mutex, so a proxy is never reserved by two runners at once.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	notify  chan struct{}

	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval bounds how long a waiting reservation sleeps between
// attempts when no release wakes it.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		entries:      make(map[string]*entry),
		notify:       make(chan struct{}),
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds proxy to the pool as free. It reports false when a proxy
// with the same ID is already registered.
func (p *Pool) Register(proxy domain.Proxy) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[proxy.ID]; ok {
		if !e.removed {
			return false
		}
		e.removed = false
		return true
	}

	p.entries[proxy.ID] = &entry{proxy: proxy, state: domain.ProxyFree}
	p.order = append(p.order, proxy.ID)
	p.changed()
	return true
}

// Deregister removes a proxy from the pool. A runner holding it keeps using
// it until release.
func (p *Pool) Deregister(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.removed {
		return errpkg.ErrProxyNotFound
	}
	if e.owner != "" {
		e.removed = true
		p.updateGauges()
		return nil
	}
	p.drop(id)
	p.changed()
	return nil
}

// Reserve claims a free proxy for runnerID. With wait set it blocks until a
// proxy frees up or ctx is done; otherwise it fails with ErrNoProxyAvailable.
func (p *Pool) Reserve(ctx context.Context, runnerID string, wait bool) (domain.Proxy, error) {
	return p.reserve(ctx, runnerID, "", wait)
}

// Release returns proxyID to the pool if runnerID holds it. Otherwise it is
// a no-op.
func (p *Pool) Release(runnerID, proxyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(runnerID, proxyID)
}

// Ban marks proxyID permanently unusable. The holder still has to release it.
func (p *Pool) Ban(proxyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[proxyID]
	if !ok {
		return errpkg.ErrProxyNotFound
	}
	e.state = domain.ProxyBanned
	p.updateGauges()
	p.logger.Warn("proxy banned", "proxy_id", proxyID, "host", e.proxy.Host())
	return nil
}

// Swap optionally bans proxyID, releases it and reserves another proxy for
// runnerID. A different proxy is preferred; the released one is only handed
// back when it is the sole free, unbanned proxy.
func (p *Pool) Swap(ctx context.Context, runnerID, proxyID string, shouldBan, wait bool) (domain.Proxy, error) {
	p.mu.Lock()
	if e, ok := p.entries[proxyID]; ok && shouldBan {
		e.state = domain.ProxyBanned
		p.logger.Warn("proxy banned", "proxy_id", proxyID, "host", e.proxy.Host())
	}
	p.release(runnerID, proxyID)
	p.mu.Unlock()

	metrics.ProxySwaps.Inc()
	return p.reserve(ctx, runnerID, proxyID, wait)
}

// Size returns the number of registered proxies, banned ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// Occupancy counts registered proxies by state.
func (p *Pool) Occupancy() domain.Occupancy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupancy()
}

// List returns the registered proxies in registration order.
func (p *Pool) List() []domain.ProxyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ProxyInfo, 0, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		if e.removed {
			continue
		}
		out = append(out, domain.ProxyInfo{
			ID:    id,
			Host:  e.proxy.Host(),
			State: e.state,
			Owner: e.owner,
		})
	}
	return out
}

func (p *Pool) reserve(ctx context.Context, runnerID, avoid string, wait bool) (domain.Proxy, error) {
	var ticker *time.Ticker
	for {
		p.mu.Lock()
		proxy, ok := p.take(runnerID, avoid)
		notify := p.notify
		p.mu.Unlock()

		if ok {
			p.logger.Debug("proxy reserved", "runner_id", runnerID, "proxy_id", proxy.ID)
			return proxy, nil
		}
		if !wait {
			return domain.Proxy{}, errpkg.ErrNoProxyAvailable
		}

		if ticker == nil {
			ticker = time.NewTicker(p.pollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return domain.Proxy{}, fmt.Errorf("%w: %w", errpkg.ErrNoProxyAvailable, ctx.Err())
		case <-notify:
		case <-ticker.C:
		}
	}
}

// take must be called with mu held.
func (p *Pool) take(runnerID, avoid string) (domain.Proxy, bool) {
	var fallback *entry
	for _, id := range p.order {
		e := p.entries[id]
		if e.removed || e.state != domain.ProxyFree {
			continue
		}
		if id == avoid {
			fallback = e
			continue
		}
		return p.assign(e, runnerID), true
	}
	if fallback != nil {
		return p.assign(fallback, runnerID), true
	}
	return domain.Proxy{}, false
}

func (p *Pool) assign(e *entry, runnerID string) domain.Proxy {
	e.state = domain.ProxyReserved
	e.owner = runnerID
	p.updateGauges()
	return e.proxy
}

// release must be called with mu held.
func (p *Pool) release(runnerID, proxyID string) {
	e, ok := p.entries[proxyID]
	if !ok || e.owner == "" || e.owner != runnerID {
		return
	}
	e.owner = ""
	if e.state == domain.ProxyReserved {
		e.state = domain.ProxyFree
	}
	if e.removed {
		p.drop(proxyID)
	}
	p.changed()
}

func (p *Pool) drop(id string) {
	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// changed wakes waiting reservations and refreshes gauges. mu must be held.
func (p *Pool) changed() {
	close(p.notify)
	p.notify = make(chan struct{})
	p.updateGauges()
}

func (p *Pool) updateGauges() {
	occ := p.occupancy()
	metrics.Proxies.WithLabelValues(string(domain.ProxyFree)).Set(float64(occ.Free))
	metrics.Proxies.WithLabelValues(string(domain.ProxyReserved)).Set(float64(occ.Reserved))
	metrics.Proxies.WithLabelValues(string(domain.ProxyBanned)).Set(float64(occ.Banned))
}

func (p *Pool) occupancy() domain.Occupancy {
	var occ domain.Occupancy
	for _, e := range p.entries {
		if e.removed {
			continue
		}
		switch e.state {
		case domain.ProxyFree:
			occ.Free++
		case domain.ProxyReserved:
			occ.Reserved++
		case domain.ProxyBanned:
			occ.Banned++
		}
		occ.Total++
	}
	return occ
}
