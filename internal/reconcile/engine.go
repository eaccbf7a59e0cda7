// Package reconcile matches asynchronous payment outcomes to the payments
// that requested them and applies each outcome at most once.
//
// Webhooks and poll results share one transition path, Store.Resolve, keyed
// by the provider correlation token. Whichever observer reaches the store
// first moves the payment to a terminal status; every later attempt for the
// same token is reported as a duplicate and changes nothing. Nothing else,
// in particular not the payer's phone number, is used to find a payment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
)

// Result classifies what an apply call did.
type Result string

const (
	// Applied: this call moved the payment to a terminal status.
	Applied Result = "applied"
	// Duplicate: the payment was already terminal; nothing changed.
	Duplicate Result = "duplicate"
	// Unknown: no payment carries the token; nothing changed.
	Unknown Result = "unknown"
	// Superseded: a success arrived for a booking that was no longer
	// pending. The payment was failed and needs a refund.
	Superseded Result = "superseded"
	// Ignored: the outcome was not terminal.
	Ignored Result = "ignored"
)

// Webhook is a provider callback reduced to what reconciliation needs.
type Webhook struct {
	Token          string
	Outcome        gateway.Outcome
	Receipt        string
	Reason         string
	ObservedPhone  string
	ObservedAmount decimal.Decimal
}

// PollResult is an outcome observed by querying the provider or the store.
type PollResult struct {
	Token   string
	Outcome gateway.Outcome
	Receipt string
	Reason  string
}

// Outcome is returned by every apply call. Transition is populated for
// Applied and Superseded, and holds the current state for Duplicate.
type Outcome struct {
	Result     Result
	Transition ledger.Transition
}

// Listener is told about every transition that paid a booking. It runs on
// the goroutine that won the transition, after the store committed, and
// must not block.
type Listener interface {
	PaymentConfirmed(ctx context.Context, t ledger.Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, t ledger.Transition)

func (f ListenerFunc) PaymentConfirmed(ctx context.Context, t ledger.Transition) { f(ctx, t) }

// Engine applies webhook and poll outcomes to the ledger.
type Engine struct {
	store     ledger.Store
	logger    *zap.Logger
	tracer    trace.Tracer
	listeners []Listener
}

// NewEngine creates an Engine over store. Listeners are fixed at construction.
func NewEngine(store ledger.Store, logger *zap.Logger, listeners ...Listener) *Engine {
	return &Engine{
		store:     store,
		logger:    logger,
		tracer:    otel.Tracer("reconcile"),
		listeners: listeners,
	}
}

// ApplyWebhook applies a provider callback. Unknown and duplicate tokens are
// not errors; the returned error is reserved for store failures.
func (e *Engine) ApplyWebhook(ctx context.Context, w Webhook) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.ApplyWebhook",
		trace.WithAttributes(attribute.String("correlation_token", w.Token)))
	defer span.End()

	log := e.logger.With(zap.String("correlation_token", w.Token), zap.String("source", string(ledger.SourceWebhook)))

	current, err := e.store.GetPaymentByToken(ctx, w.Token)
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		log.Warn("callback for unknown correlation token", zap.String("outcome", string(w.Outcome)))
		return e.finish(span, ledger.SourceWebhook, Outcome{Result: Unknown}, nil)
	case err != nil:
		return e.finish(span, ledger.SourceWebhook, Outcome{}, fmt.Errorf("lookup payment: %w", err))
	}
	e.checkObserved(log, current, w)

	return e.apply(ctx, span, log, ledger.SourceWebhook, w.Token, w.Outcome, w.Receipt, w.Reason)
}

// ApplyPollResult applies an outcome observed by polling. The provider's
// query API may confirm success without a receipt number; the correlation
// token is recorded as the receipt in that case.
func (e *Engine) ApplyPollResult(ctx context.Context, p PollResult) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.ApplyPollResult",
		trace.WithAttributes(attribute.String("correlation_token", p.Token)))
	defer span.End()

	log := e.logger.With(zap.String("correlation_token", p.Token), zap.String("source", string(ledger.SourcePoll)))
	receipt := p.Receipt
	if p.Outcome == gateway.OutcomeSuccess && receipt == "" {
		receipt = p.Token
	}
	return e.apply(ctx, span, log, ledger.SourcePoll, p.Token, p.Outcome, receipt, p.Reason)
}

func (e *Engine) apply(ctx context.Context, span trace.Span, log *zap.Logger, src ledger.Source,
	token string, outcome gateway.Outcome, receipt, reason string) (Outcome, error) {

	var status ledger.PaymentStatus
	switch outcome {
	case gateway.OutcomeSuccess:
		status = ledger.PaymentSuccess
	case gateway.OutcomeFailed:
		status = ledger.PaymentFailed
		receipt = ""
	default:
		return e.finish(span, src, Outcome{Result: Ignored}, nil)
	}

	t, err := e.store.Resolve(ctx, ledger.Resolution{
		Token:   token,
		Status:  status,
		Receipt: receipt,
		Reason:  reason,
		Source:  src,
	})
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		log.Warn("outcome for unknown correlation token")
		return e.finish(span, src, Outcome{Result: Unknown}, nil)
	case errors.Is(err, ledger.ErrAlreadyResolved):
		log.Info("duplicate outcome ignored",
			zap.String("payment_status", string(t.Payment.Status)),
			zap.String("resolved_by", string(t.Payment.ResolvedBy)))
		return e.finish(span, src, Outcome{Result: Duplicate, Transition: t}, nil)
	case err != nil:
		log.Error("resolve payment", zap.Error(err))
		return e.finish(span, src, Outcome{}, fmt.Errorf("resolve payment: %w", err))
	}

	log = log.With(zap.String("payment_id", t.Payment.ID), zap.String("booking_id", t.Booking.ID))
	resolutionLag.WithLabelValues(string(src)).Observe(time.Since(t.Payment.CreatedAt).Seconds())

	if t.Superseded {
		log.Warn("payment succeeded for a booking that is no longer pending; refund required",
			zap.String("booking_status", string(t.Booking.Status)),
			zap.String("receipt", receipt))
		return e.finish(span, src, Outcome{Result: Superseded, Transition: t}, nil)
	}

	log.Info("payment resolved",
		zap.String("payment_status", string(t.Payment.Status)),
		zap.String("prior_status", string(t.Prior)),
		zap.String("receipt", t.Payment.Receipt),
		zap.String("failure_reason", t.Payment.FailureReason))
	if t.Confirmed() {
		e.notify(ctx, log, t)
	}
	return e.finish(span, src, Outcome{Result: Applied, Transition: t}, nil)
}

func (e *Engine) notify(ctx context.Context, log *zap.Logger, t ledger.Transition) {
	for _, l := range e.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("confirmation listener panicked", zap.Any("panic", r))
				}
			}()
			l.PaymentConfirmed(ctx, t)
		}()
	}
}

func (e *Engine) checkObserved(log *zap.Logger, p ledger.Payment, w Webhook) {
	if !w.ObservedAmount.IsZero() && !w.ObservedAmount.Equal(p.Amount) && !w.ObservedAmount.Equal(p.Amount.Ceil()) {
		log.Warn("callback amount differs from payment amount",
			zap.String("payment_id", p.ID),
			zap.String("expected", p.Amount.StringFixed(2)),
			zap.String("observed", w.ObservedAmount.StringFixed(2)))
	}
	if w.ObservedPhone == "" {
		return
	}
	if phone, err := gateway.NormalizePhone(w.ObservedPhone); err != nil || phone != p.Phone {
		log.Warn("callback phone differs from payment phone",
			zap.String("payment_id", p.ID),
			zap.String("observed_phone", w.ObservedPhone))
	}
}

func (e *Engine) finish(span trace.Span, src ledger.Source, out Outcome, err error) (Outcome, error) {
	result := string(out.Result)
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("reconcile.result", result))
	attemptsTotal.WithLabelValues(string(src), result).Inc()
	return out, err
}
