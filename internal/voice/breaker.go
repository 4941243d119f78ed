package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrBreakerOpen is returned without calling the upstream while the breaker is open
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig opens after 5 failures and probes again after 30s
var DefaultBreakerConfig = BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}

// Breaker fails fast after repeated upstream failures. It never retries.
type Breaker struct {
	cfg    BreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	failures    uint32
	successes   uint32
	lastFailure time.Time
	state       BreakerState
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig, logger *logrus.Logger, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Breaker{cfg: cfg, logger: logger, now: now, state: StateClosed}
}

// State returns the current state, moving Open to HalfOpen once the timeout passed
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) > b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
	}
	return b.state
}

// Allow reports whether a call may go through
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != StateOpen
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.logger.WithField("failures", b.failures).Warn("Opening voice upstream circuit breaker")
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("Re-opening voice upstream circuit breaker after failure in half-open state")
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("Closing voice upstream circuit breaker")
		}
	}
}

// Guarded wraps a provider with a per-call timeout and a circuit breaker and
// maps failures onto the protocol error codes
type Guarded struct {
	inner   Provider
	breaker *Breaker
	timeout time.Duration
}

// NewGuarded wraps inner
func NewGuarded(inner Provider, breaker *Breaker, timeout time.Duration) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the breaker for health reporting
func (g *Guarded) Breaker() *Breaker { return g.breaker }

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		return apperr.ErrUpstreamUnavailable.Wrap(ErrBreakerOpen)
	}

	faulted, err := g.run(ctx, fn)
	switch {
	case err == nil:
		g.breaker.RecordSuccess()
	case faulted:
		g.breaker.RecordFailure()
	}
	return err
}

// run applies the per-call timeout and maps the error; faulted reports
// whether the upstream is to blame
func (g *Guarded) run(ctx context.Context, fn func(ctx context.Context) error) (faulted bool, err error) {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err = fn(callCtx)
	switch {
	case err == nil:
		return false, nil
	case ctx.Err() != nil:
		// the caller went away; not the upstream's fault
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, apperr.ErrTimeout.Wrap(err)
		}
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		return true, apperr.ErrTimeout.Wrap(err)
	default:
		if _, ok := apperr.As(err); ok {
			return true, err
		}
		return true, apperr.ErrUpstreamUnavailable.Wrap(err)
	}
}

// CreateUpstreamSession implements Provider
func (g *Guarded) CreateUpstreamSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var session *Session
	err := g.call(ctx, func(ctx context.Context) error {
		s, err := g.inner.CreateUpstreamSession(ctx, req)
		session = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// TerminateUpstreamSession implements Provider. Cleanup is bounded by the
// timeout but neither gated by nor counted against the breaker.
func (g *Guarded) TerminateUpstreamSession(ctx context.Context, sessionRef string) error {
	_, err := g.run(ctx, func(ctx context.Context) error {
		return g.inner.TerminateUpstreamSession(ctx, sessionRef)
	})
	return err
}
