// Package connectivity decides whether the remote store is reachable right now.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

// Checker reports reachability. Implementations never block longer than
// their own timeout and never fail: any problem means offline.
type Checker interface {
	IsOnline(ctx context.Context) bool
}

// Status is the last observed connectivity state.
type Status struct {
	Online      bool
	LastChecked time.Time
	LastOnline  time.Time
	Error       error
}

// Probe checks reachability through a remote.Pinger.
type Probe struct {
	pinger    remote.Pinger
	timeout   time.Duration
	freshness time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	status      Status
	checked     bool
	subscribers []func(online bool)
}

var _ Checker = (*Probe)(nil)

// Option configures a Probe.
type Option func(*Probe)

// WithTimeout bounds each ping. Default is 3s.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFreshness reuses the last answer for d. Zero pings on every call.
func WithFreshness(d time.Duration) Option {
	return func(p *Probe) { p.freshness = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// DefaultTimeout is the per-probe timeout.
const DefaultTimeout = 3 * time.Second

// NewProbe returns a probe over pinger.
func NewProbe(pinger remote.Pinger, opts ...Option) *Probe {
	p := &Probe{
		pinger:  pinger,
		timeout: DefaultTimeout,
		logger:  logging.WithComponent(logging.ComponentProbe).Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsOnline pings the remote store under the probe timeout. Errors, timeouts,
// cancellation and panics in the pinger all report offline.
func (p *Probe) IsOnline(ctx context.Context) bool {
	p.mu.Lock()
	if p.checked && p.freshness > 0 && p.now().Sub(p.status.LastChecked) < p.freshness {
		online := p.status.Online
		p.mu.Unlock()
		return online
	}
	p.mu.Unlock()

	err := p.ping(ctx)
	online := err == nil
	p.record(ctx, online, err)
	return online
}

func (p *Probe) ping(ctx context.Context) (err error) {
	if p.pinger == nil {
		return fmt.Errorf("no pinger configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()
	return p.pinger.Ping(ctx)
}

func (p *Probe) record(ctx context.Context, online bool, err error) {
	p.mu.Lock()
	prev, first := p.status.Online, !p.checked
	now := p.now()
	p.checked = true
	p.status.Online = online
	p.status.LastChecked = now
	p.status.Error = err
	if online {
		p.status.LastOnline = now
	}
	var notify []func(bool)
	if first || prev != online {
		notify = append(notify, p.subscribers...)
	}
	p.mu.Unlock()

	if notify == nil {
		return
	}
	if online {
		p.logger.InfoContext(ctx, "Remote store reachable")
	} else {
		p.logger.WarnContext(ctx, "Remote store unreachable", slog.Any("error", err))
	}
	for _, fn := range notify {
		fn(online)
	}
}

// Subscribe calls fn on every transition, and on the first observation.
// fn runs on the probing goroutine and must not block.
func (p *Probe) Subscribe(fn func(online bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Status returns the last observation.
func (p *Probe) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Static is a Checker with a fixed answer.
type Static bool

// IsOnline returns the fixed answer.
func (s Static) IsOnline(context.Context) bool { return bool(s) }
