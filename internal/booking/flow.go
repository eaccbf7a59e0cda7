package booking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

// Step names reported by BookAndPay.
const (
	StepBooking      = "booking"
	StepInitiate     = "initiate"
	StepConfirmation = "confirmation"
	StepSideEffects  = "side_effects"
)

// Step statuses.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepPending = "pending"
	StepSkipped = "skipped"
)

// FlowResult is the composite outcome of BookAndPay. Error carries the
// payment failure reason when State is payment_failed.
type FlowResult struct {
	State       State               `json:"state"`
	Booking     ledger.Booking      `json:"booking"`
	Payment     *ledger.Payment     `json:"payment,omitempty"`
	SideEffects []sideeffect.Result `json:"sideEffects,omitempty"`
	Steps       map[string]string   `json:"steps"`
	Error       string              `json:"error,omitempty"`
}

// BookAndPay runs the whole deposit flow for req. An error is returned only
// when no booking could be created; every later failure is reported in the
// result, whose State is one of paid, payment_failed or pending.
func (s *Service) BookAndPay(ctx context.Context, req Request) (FlowResult, error) {
	ctx, span := s.tracer.Start(ctx, "Booking.BookAndPay")
	defer span.End()

	res := FlowResult{Steps: map[string]string{
		StepBooking:      StepPending,
		StepInitiate:     StepSkipped,
		StepConfirmation: StepSkipped,
		StepSideEffects:  StepSkipped,
	}}

	b, err := s.CreateBooking(ctx, req)
	if err != nil {
		flowTotal.WithLabelValues("rejected").Inc()
		return FlowResult{}, err
	}
	res.Booking = b
	res.Steps[StepBooking] = StepOK
	span.SetAttributes(attribute.String("booking_id", b.ID))

	pay, err := s.InitiatePayment(ctx, b.ID, "")
	if pay.ID != "" {
		res.Payment = &pay
	}
	if err != nil {
		res.State = StatePaymentFailed
		res.Steps[StepInitiate] = StepFailed
		res.Error = err.Error()
		return s.finish(res), nil
	}
	res.Steps[StepInitiate] = StepOK

	res.Steps[StepConfirmation] = StepPending
	waited, err := s.Await(ctx, pay)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("await payment", zap.String("booking_id", b.ID), zap.Error(err))
	}
	if waited.Payment.ID != "" {
		res.Payment = &waited.Payment
	}
	if current, err := s.deps.Store.GetBooking(ctx, b.ID); err == nil {
		res.Booking = current
	}

	switch waited.Outcome {
	case gateway.OutcomeSuccess:
		res.Steps[StepConfirmation] = StepOK
		if res.Booking.Status != ledger.BookingPaid {
			// Superseded success; the payment was recorded as failed.
			res.State = StatePaymentFailed
			res.Error = ledger.ReasonBookingNotPending
			return s.finish(res), nil
		}
		res.State = StatePaid
		s.sideEffects(ctx, &res)
	case gateway.OutcomeFailed:
		res.State = StatePaymentFailed
		res.Steps[StepConfirmation] = StepFailed
		res.Error = waited.Payment.FailureReason
	default:
		res.State = StatePending
	}
	return s.finish(res), nil
}

func (s *Service) finish(res FlowResult) FlowResult {
	flowTotal.WithLabelValues(string(res.State)).Inc()
	s.logger.Info("booking flow finished",
		zap.String("booking_id", res.Booking.ID),
		zap.String("state", string(res.State)),
		zap.Any("steps", res.Steps),
	)
	return res
}

// sideEffects dispatches the confirmation and waits a bounded time for the
// results. Failures are recorded in the result only.
func (s *Service) sideEffects(ctx context.Context, res *FlowResult) {
	if s.deps.Dispatcher == nil || res.Payment == nil {
		return
	}
	h, err := s.deps.Dispatcher.Submit(sideeffect.Confirmation{Booking: res.Booking, Payment: *res.Payment})
	if err != nil {
		s.logger.Warn("dispatch side effects", zap.String("booking_id", res.Booking.ID), zap.Error(err))
		res.Steps[StepSideEffects] = StepFailed
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SideEffectWait)
	defer cancel()
	results, err := h.Wait(waitCtx)
	if err != nil {
		res.Steps[StepSideEffects] = StepPending
		return
	}
	res.SideEffects = results
	res.Steps[StepSideEffects] = StepOK
	for _, r := range results {
		if r.Status == sideeffect.StatusFailed {
			res.Steps[StepSideEffects] = StepFailed
		}
	}
}

// StatusView is the current state of a booking and its relevant payment:
// the successful one when paid, otherwise the latest.
type StatusView struct {
	State       State               `json:"state"`
	Booking     ledger.Booking      `json:"booking"`
	Payment     *ledger.Payment     `json:"payment,omitempty"`
	SideEffects []sideeffect.Result `json:"sideEffects,omitempty"`
}

// Status reports the booking's state. It reflects confirmations that
// arrived after any caller stopped waiting.
func (s *Service) Status(ctx context.Context, bookingID string) (StatusView, error) {
	b, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Booking: b}

	var pay ledger.Payment
	if b.Status == ledger.BookingPaid {
		pay, err = s.deps.Store.SuccessfulPayment(ctx, bookingID)
	} else {
		pay, err = s.deps.Store.LatestPayment(ctx, bookingID)
	}
	switch {
	case err == nil:
		view.Payment = &pay
	case !errors.Is(err, ledger.ErrPaymentNotFound):
		return StatusView{}, fmt.Errorf("load payment: %w", err)
	}

	view.State = stateOf(b, view.Payment)
	if s.deps.Dispatcher != nil {
		if h, ok := s.deps.Dispatcher.Lookup(bookingID); ok {
			view.SideEffects = h.Results()
		}
	}
	return view, nil
}

func stateOf(b ledger.Booking, p *ledger.Payment) State {
	switch {
	case b.Status == ledger.BookingPaid:
		return StatePaid
	case b.Status == ledger.BookingCancelled:
		return StateCancelled
	case p == nil:
		return StateUnpaid
	case p.Status == ledger.PaymentFailed:
		return StatePaymentFailed
	}
	return StatePending
}
