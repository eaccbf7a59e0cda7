// Package poller is the fallback resolution path for payments whose
// callback is late or lost. AwaitResolution bounds a caller's wait for one
// payment; Sweeper periodically revisits payments nobody is waiting on.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
)

// Resolver applies poll results. *reconcile.Engine satisfies it.
type Resolver interface {
	ApplyPollResult(ctx context.Context, p reconcile.PollResult) (reconcile.Outcome, error)
}

// Config controls active querying during a wait.
type Config struct {
	// QueryAfter is how long a wait relies on the store alone before it
	// also asks the provider. Negative disables provider queries.
	QueryAfter time.Duration
}

// Result is the outcome of a wait. Outcome is pending when the wait ended
// before the payment reached a terminal status; the payment itself is
// unaffected and may still resolve later.
type Result struct {
	Outcome gateway.Outcome
	Payment ledger.Payment
}

// Poller waits for payments to resolve.
type Poller struct {
	store    ledger.Store
	gw       gateway.Client
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a Poller. gw may be nil, in which case only the store is read.
func New(store ledger.Store, gw gateway.Client, resolver Resolver, cfg Config, logger *zap.Logger) *Poller {
	return &Poller{
		store:    store,
		gw:       gw,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("poller"),
	}
}

// OutcomeOf maps a payment status onto a wait outcome.
func OutcomeOf(s ledger.PaymentStatus) gateway.Outcome {
	switch s {
	case ledger.PaymentSuccess:
		return gateway.OutcomeSuccess
	case ledger.PaymentFailed:
		return gateway.OutcomeFailed
	}
	return gateway.OutcomePending
}

// AwaitResolution re-reads the payment keyed by token every interval until
// it is terminal or timeout elapses. Once QueryAfter has passed it also
// queries the provider and feeds terminal answers through the resolver.
// A timeout returns a pending Result and no error; cancellation of ctx
// returns a pending Result and ctx's error. No lock is held while waiting.
func (p *Poller) AwaitResolution(ctx context.Context, token string, timeout, interval time.Duration) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "Poller.AwaitResolution",
		trace.WithAttributes(attribute.String("correlation_token", token)))
	defer span.End()

	if interval <= 0 {
		return Result{}, fmt.Errorf("await resolution: interval must be positive")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := p.logger.With(zap.String("correlation_token", token))
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last ledger.Payment
	for {
		pay, err := p.store.GetPaymentByToken(waitCtx, token)
		switch {
		case err == nil:
			last = pay
			if pay.Status.Terminal() {
				return p.done(span, OutcomeOf(pay.Status), pay, start), nil
			}
		case errors.Is(err, ledger.ErrPaymentNotFound):
			return Result{}, err
		case waitCtx.Err() == nil:
			log.Warn("read payment while waiting", zap.Error(err))
		}

		if p.gw != nil && p.cfg.QueryAfter >= 0 && time.Since(start) >= p.cfg.QueryAfter && waitCtx.Err() == nil {
			if pay, ok := p.query(waitCtx, log, token); ok {
				return p.done(span, OutcomeOf(pay.Status), pay, start), nil
			}
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return p.done(span, gateway.OutcomePending, last, start), err
			}
			log.Info("wait for payment resolution timed out", zap.Duration("timeout", timeout))
			return p.done(span, gateway.OutcomePending, last, start), nil
		case <-ticker.C:
		}
	}
}

// query asks the provider once. It reports true with the stored payment
// when the payment is terminal afterwards, whoever resolved it.
func (p *Poller) query(ctx context.Context, log *zap.Logger, token string) (ledger.Payment, bool) {
	q, err := p.gw.Query(ctx, token)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("provider status query failed", zap.Error(err))
		}
		return ledger.Payment{}, false
	}
	if q.Outcome == gateway.OutcomePending {
		return ledger.Payment{}, false
	}
	if _, err := p.resolver.ApplyPollResult(ctx, reconcile.PollResult{
		Token:   token,
		Outcome: q.Outcome,
		Receipt: q.Receipt,
		Reason:  q.ResultDesc,
	}); err != nil {
		log.Error("apply poll result", zap.Error(err))
		return ledger.Payment{}, false
	}
	pay, err := p.store.GetPaymentByToken(ctx, token)
	if err != nil || !pay.Status.Terminal() {
		return ledger.Payment{}, false
	}
	return pay, true
}

func (p *Poller) done(span trace.Span, outcome gateway.Outcome, pay ledger.Payment, start time.Time) Result {
	span.SetAttributes(attribute.String("poller.outcome", string(outcome)))
	awaitTotal.WithLabelValues(string(outcome)).Inc()
	awaitDuration.Observe(time.Since(start).Seconds())
	return Result{Outcome: outcome, Payment: pay}
}
