package network

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/todosync/internal/logging"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ProbeFunc checks the backend, returning nil when it answered.
type ProbeFunc func(ctx context.Context) error

// Prober runs a ProbeFunc on an interval and reports into an Observer.
type Prober struct {
	observer *Observer
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober. Zero durations fall back to the defaults.
func NewProber(observer *Observer, probe ProbeFunc, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{observer: observer, probe: probe, interval: interval, timeout: timeout}
}

// Check runs the probe once and records the result.
func (p *Prober) Check(ctx context.Context) Reachability {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.probe(probeCtx); err != nil {
		if ctx.Err() != nil {
			// shutting down; keep the last known state
			return p.observer.State()
		}
		logging.Debug("Backend probe failed", map[string]interface{}{"error": err.Error()})
		p.observer.Update(true, false)
		return Offline
	}
	p.observer.Update(true, true)
	return Online
}

// Start probes immediately and then on every interval until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
