package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	// DefaultProbeInterval is the time between health probes.
	DefaultProbeInterval = 15 * time.Second
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 3 * time.Second
)

// Prober is a Notifier backed by periodic HTTP HEAD requests against a
// health endpoint. Any response below 500 counts as reachable.
type Prober struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger

	available atomic.Bool
	b         broadcaster
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithHTTPClient replaces the probe HTTP client.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithInitial sets the state reported before the first probe completes.
func WithInitial(available bool) ProberOption {
	return func(p *Prober) {
		p.available.Store(available)
	}
}

// NewProber creates a prober for healthURL. It reports available until the
// first probe says otherwise, so callers try the network rather than queue
// needlessly at startup.
func NewProber(healthURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      healthURL,
		client:   &http.Client{Timeout: DefaultProbeTimeout},
		interval: DefaultProbeInterval,
		logger:   slog.Default(),
	}
	p.available.Store(true)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsLikelyAvailable implements Monitor.
func (p *Prober) IsLikelyAvailable() bool {
	return p.available.Load()
}

// Subscribe implements Notifier.
func (p *Prober) Subscribe() (<-chan bool, func()) {
	return p.b.subscribe()
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one health check, updates the state and notifies
// subscribers on a transition. Returns the new state.
func (p *Prober) Probe(ctx context.Context) bool {
	up := p.check(ctx)
	if ctx.Err() != nil {
		// A cancelled probe says nothing about the network
		return p.available.Load()
	}
	if prev := p.available.Swap(up); prev != up {
		p.logger.Info("connectivity changed", "available", up, "url", p.url)
		p.b.publish(up)
	}
	return up
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
