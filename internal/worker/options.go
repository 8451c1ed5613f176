package worker

import (
	"time"

	"github.com/rs/zerolog"

	"dbtimetravel/internal/clock"
)

type Option func(*Pool)

// WithClock makes the engine read due-ness and compute re-arm times from c.
// Without it the due check uses the store's own clock.
func WithClock(c clock.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollEvery = d
		}
	}
}

// WithLeaseTimeout sets how long a picked row may go without a heartbeat
// before another check releases it.
func WithLeaseTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.leaseTimeout = d
		}
	}
}

// WithImmediateExecution triggers a due check when a task is scheduled at or
// before the engine's now.
func WithImmediateExecution(on bool) Option { return func(p *Pool) { p.immediate = on } }

func WithOwner(id string) Option {
	return func(p *Pool) {
		if id != "" {
			p.owner = id
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithMetrics(m *Metrics) Option { return func(p *Pool) { p.metrics = m } }
