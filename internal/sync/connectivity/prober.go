// Package connectivity turns remote reachability into online/offline
// transitions for the monitor.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/wellnest/backend/internal/logging"
	"github.com/kimhsiao/wellnest/backend/internal/telemetry"
)

// Pinger is the reachability check. remote.Remote satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Listener receives connectivity transitions.
type Listener interface {
	SetOnline(online bool)
}

// Config holds prober timing.
type Config struct {
	Interval time.Duration // between probes (default: 10s)
	Timeout  time.Duration // per probe (default: 3s)
	// FailureThreshold is how many consecutive failed probes flip to offline.
	FailureThreshold int
}

// DefaultConfig returns default prober configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:         10 * time.Second,
		Timeout:          3 * time.Second,
		FailureThreshold: 2,
	}
}

// Prober polls a Pinger and reports changes to a Listener.
type Prober struct {
	pinger   Pinger
	listener Listener
	metrics  *telemetry.Metrics
	cfg      Config

	mu       sync.Mutex
	known    bool
	online   bool
	failures int
}

// NewProber creates a Prober. metrics may be nil.
func NewProber(pinger Pinger, listener Listener, metrics *telemetry.Metrics, config *Config) *Prober {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Prober{pinger: pinger, listener: listener, metrics: metrics, cfg: cfg}
}

// Probe runs one check and returns the resulting online state. The listener
// is called only when the state changes; the first probe always reports.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.pinger.Ping(probeCtx)
	cancel()

	p.mu.Lock()
	prev, known := p.online, p.known
	if err == nil {
		p.failures = 0
		p.online = true
	} else {
		p.failures++
		if p.failures >= p.cfg.FailureThreshold || !known {
			p.online = false
		}
	}
	p.known = true
	online := p.online
	p.mu.Unlock()

	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	if known && prev == online {
		return online
	}

	p.metrics.SetOnline(online)
	logging.Info("connectivity changed", map[string]interface{}{"online": online})
	if p.listener != nil {
		p.listener.SetOnline(online)
	}
	return online
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
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
