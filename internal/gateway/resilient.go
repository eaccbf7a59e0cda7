package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway/circuitbreaker"
)

// ResilientConfig bounds the retry budget of a Resilient client.
type ResilientConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Breaker         circuitbreaker.Config
}

// Resilient decorates a Client with validation, bounded exponential retry of
// transient errors, a circuit breaker and call metrics.
//
// Queries are read-only and retried on any transient error. An initiation
// prompts the payer's phone, so it is retried only when the provider cannot
// have seen it (IsNotSent); a timeout after sending is returned as is.
type Resilient struct {
	next    Client
	cfg     ResilientConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps next.
func NewResilient(next Client, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Resilient{
		next:    next,
		cfg:     cfg,
		breaker: circuitbreaker.NewCircuitBreaker(cfg.Breaker),
		logger:  logger.With(zap.String("provider", next.Name())),
	}
}

func (r *Resilient) Name() string { return r.next.Name() }

// Breaker exposes the circuit breaker state for health reporting.
func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }

func (r *Resilient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	req, err := req.Validate()
	if err != nil {
		return InitiateResult{}, err
	}
	return call(ctx, r, "initiate", IsNotSent, func(ctx context.Context) (InitiateResult, error) {
		return r.next.Initiate(ctx, req)
	})
}

func (r *Resilient) Query(ctx context.Context, token string) (QueryResult, error) {
	return call(ctx, r, "query", IsTransient, func(ctx context.Context) (QueryResult, error) {
		return r.next.Query(ctx, token)
	})
}

func call[T any](ctx context.Context, r *Resilient, op string, retryable func(error) bool,
	fn func(context.Context) (T, error)) (T, error) {
	provider := r.next.Name()
	start := time.Now()
	defer func() { callDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds()) }()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), ctx)

	attempt := 0
	res, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		if !r.breaker.AllowRequest(provider) {
			callsTotal.WithLabelValues(provider, op, "circuit_open").Inc()
			var zero T
			return zero, backoff.Permanent(NotSent(op, ErrCircuitOpen))
		}
		out, err := fn(ctx)
		switch {
		case err == nil:
			r.breaker.RecordSuccess(provider)
			callsTotal.WithLabelValues(provider, op, "ok").Inc()
			return out, nil
		case IsTransient(err):
			r.breaker.RecordFailure(provider)
			callsTotal.WithLabelValues(provider, op, "transient").Inc()
			r.logger.Warn("transient provider error",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			if !retryable(err) {
				return out, backoff.Permanent(err)
			}
			return out, err
		default:
			callsTotal.WithLabelValues(provider, op, "error").Inc()
			return out, backoff.Permanent(err)
		}
	}, policy)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && ctx.Err() != nil && !IsTransient(err) {
		err = Transient(op, err)
	}
	return res, err
}
