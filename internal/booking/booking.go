// Package booking is the entry point for the deposit flow: it validates a
// booking request against the catalog, prices the deposit, starts the push
// payment, waits a bounded time for it to resolve and hands confirmed
// bookings to the side effect dispatcher.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/catalog"
	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/poller"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

var (
	ErrInvalidRequest  = errors.New("invalid booking request")
	ErrPaymentRejected = errors.New("payment initiation rejected")
	ErrNotPaid         = errors.New("booking has no successful payment")
)

// Failure reasons recorded on payments that never reached the provider.
const (
	ReasonGatewayUnavailable = "gateway_unavailable"
	ReasonGatewayError       = "gateway_error"
	ReasonNoToken            = "no_correlation_token"
)

// State is the caller-visible summary of a booking's payment.
type State string

const (
	StatePaid          State = "paid"
	StatePaymentFailed State = "payment_failed"
	StatePending       State = "pending"
	StateUnpaid        State = "unpaid"
	StateCancelled     State = "cancelled"
)

// Catalog resolves service names. *catalog.Catalog satisfies it.
type Catalog interface {
	Lookup(name string) (catalog.Service, error)
}

// Pricer computes the deposit for a service. *policy.DepositPolicy satisfies it.
type Pricer interface {
	Deposit(svc catalog.Service) (decimal.Decimal, error)
}

// Awaiter bounds the wait for a payment. *poller.Poller satisfies it.
type Awaiter interface {
	AwaitResolution(ctx context.Context, token string, timeout, interval time.Duration) (poller.Result, error)
}

// Dispatcher runs side effects. *sideeffect.Dispatcher satisfies it.
type Dispatcher interface {
	Submit(c sideeffect.Confirmation) (*sideeffect.Handle, error)
	Lookup(bookingID string) (*sideeffect.Handle, bool)
	Rerun(ctx context.Context, bookingID, task string) (sideeffect.Result, bool, error)
}

// Deps are the collaborators of a Service. Dispatcher may be nil.
type Deps struct {
	Store      ledger.Store
	Catalog    Catalog
	Pricer     Pricer
	Gateway    gateway.Client
	Awaiter    Awaiter
	Dispatcher Dispatcher
}

// Config bounds the waits of BookAndPay.
type Config struct {
	PollTimeout  time.Duration
	PollInterval time.Duration
	// SideEffectWait is how long BookAndPay waits for side effect results
	// before returning without them.
	SideEffectWait time.Duration
}

// Request is a booking request.
type Request struct {
	CustomerName string
	Phone        string
	ServiceName  string
	ScheduledAt  time.Time
}

// Service implements the booking operations.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

func NewService(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SideEffectWait <= 0 {
		cfg.SideEffectWait = 15 * time.Second
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "booking")),
		tracer: otel.Tracer("booking"),
	}
}

// CreateBooking validates req, prices the deposit and stores a pending booking.
func (s *Service) CreateBooking(ctx context.Context, req Request) (ledger.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "Booking.CreateBooking")
	defer span.End()

	b, err := s.prepare(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ledger.Booking{}, err
	}
	if err := s.deps.Store.CreateBooking(ctx, &b); err != nil {
		return ledger.Booking{}, fmt.Errorf("store booking: %w", err)
	}
	span.SetAttributes(attribute.String("booking_id", b.ID))
	s.logger.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.String("service", b.ServiceName),
		zap.String("amount_due", b.AmountDue.StringFixed(2)),
	)
	return b, nil
}

func (s *Service) prepare(req Request) (ledger.Booking, error) {
	name := strings.TrimSpace(req.CustomerName)
	if name == "" {
		return ledger.Booking{}, fmt.Errorf("%w: customer name is required", ErrInvalidRequest)
	}
	if req.ScheduledAt.IsZero() {
		return ledger.Booking{}, fmt.Errorf("%w: scheduled time is required", ErrInvalidRequest)
	}
	phone, err := gateway.NormalizePhone(req.Phone)
	if err != nil {
		return ledger.Booking{}, err
	}
	svc, err := s.deps.Catalog.Lookup(req.ServiceName)
	if err != nil {
		return ledger.Booking{}, err
	}
	deposit, err := s.deps.Pricer.Deposit(svc)
	if err != nil {
		return ledger.Booking{}, fmt.Errorf("price deposit for %s: %w", svc.Name, err)
	}
	return ledger.Booking{
		CustomerName: name,
		Phone:        phone,
		ServiceName:  svc.Name,
		ScheduledAt:  req.ScheduledAt.UTC(),
		AmountDue:    deposit,
		Status:       ledger.BookingPending,
	}, nil
}

// InitiatePayment raises a payment for the booking's deposit and sends the
// push request. phone overrides the booking's phone when set.
//
// The returned payment is pending when the provider accepted the request.
// A rejection returns the failed payment and an error matching
// ErrPaymentRejected; a provider outage returns the failed payment and an
// error matching gateway.ErrTransient.
func (s *Service) InitiatePayment(ctx context.Context, bookingID, phone string) (ledger.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "Booking.InitiatePayment",
		trace.WithAttributes(attribute.String("booking_id", bookingID)))
	defer span.End()

	pay, err := s.initiate(ctx, bookingID, phone)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	initiateTotal.WithLabelValues(initiateResult(err)).Inc()
	return pay, err
}

func (s *Service) initiate(ctx context.Context, bookingID, phone string) (ledger.Payment, error) {
	b, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return ledger.Payment{}, err
	}
	if b.Status != ledger.BookingPending {
		return ledger.Payment{}, ledger.ErrBookingNotPending
	}
	if phone == "" {
		phone = b.Phone
	}
	phone, err = gateway.NormalizePhone(phone)
	if err != nil {
		return ledger.Payment{}, err
	}

	pay := ledger.Payment{
		BookingID: b.ID,
		Phone:     phone,
		Amount:    b.AmountDue,
		Status:    ledger.PaymentInitiated,
	}
	if err := s.deps.Store.CreatePayment(ctx, &pay); err != nil {
		return ledger.Payment{}, fmt.Errorf("store payment: %w", err)
	}
	log := s.logger.With(zap.String("booking_id", b.ID), zap.String("payment_id", pay.ID))

	res, err := s.deps.Gateway.Initiate(ctx, gateway.InitiateRequest{
		Phone:     phone,
		Amount:    pay.Amount,
		BookingID: b.ID,
	})
	if err != nil {
		reason := ReasonGatewayError
		if gateway.IsTransient(err) {
			reason = ReasonGatewayUnavailable
		}
		log.Warn("push request failed", zap.Error(err))
		return s.failInitiated(ctx, log, pay, reason, fmt.Errorf("initiate payment: %w", err))
	}

	switch {
	case !res.Accepted && res.Token != "":
		updated, aerr := s.deps.Store.AttachToken(ctx, pay.ID, res.Token, res.MerchantRequestID, ledger.PaymentFailed, rejectionReason(res))
		if aerr != nil {
			return s.failInitiated(ctx, log, pay, rejectionReason(res), fmt.Errorf("attach token: %w", aerr))
		}
		log.Info("push request rejected", zap.String("correlation_token", res.Token), zap.String("response_code", res.ResponseCode))
		return updated, fmt.Errorf("%w: %s", ErrPaymentRejected, rejectionReason(res))
	case !res.Accepted:
		log.Info("push request rejected", zap.String("response_code", res.ResponseCode))
		return s.failInitiated(ctx, log, pay, rejectionReason(res), fmt.Errorf("%w: %s", ErrPaymentRejected, rejectionReason(res)))
	case res.Token == "":
		return s.failInitiated(ctx, log, pay, ReasonNoToken, fmt.Errorf("%w: %s", ErrPaymentRejected, ReasonNoToken))
	}

	updated, err := s.deps.Store.AttachToken(ctx, pay.ID, res.Token, res.MerchantRequestID, ledger.PaymentPending, "")
	if err != nil {
		return s.failInitiated(ctx, log, pay, ReasonGatewayError, fmt.Errorf("attach token: %w", err))
	}
	log.Info("push request accepted", zap.String("correlation_token", res.Token))
	return updated, nil
}

func (s *Service) failInitiated(ctx context.Context, log *zap.Logger, pay ledger.Payment, reason string, cause error) (ledger.Payment, error) {
	failed, err := s.deps.Store.FailInitiated(ctx, pay.ID, reason)
	if err != nil {
		log.Error("fail initiated payment", zap.Error(err))
		return pay, cause
	}
	return failed, cause
}

func rejectionReason(res gateway.InitiateResult) string {
	switch {
	case res.Description != "" && res.ResponseCode != "":
		return res.ResponseCode + ": " + res.Description
	case res.Description != "":
		return res.Description
	case res.ResponseCode != "":
		return "response code " + res.ResponseCode
	}
	return "rejected by provider"
}

func initiateResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrPaymentRejected):
		return "rejected"
	case gateway.IsTransient(err):
		return "transient"
	}
	return "error"
}

// Await waits for pay to resolve using the configured poll bounds.
func (s *Service) Await(ctx context.Context, pay ledger.Payment) (poller.Result, error) {
	return s.deps.Awaiter.AwaitResolution(ctx, pay.CorrelationToken, s.cfg.PollTimeout, s.cfg.PollInterval)
}

// Cancel moves a pending booking to cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID string) (ledger.Booking, error) {
	b, err := s.deps.Store.CancelBooking(ctx, bookingID)
	if err != nil {
		return ledger.Booking{}, err
	}
	s.logger.Info("booking cancelled", zap.String("booking_id", b.ID))
	return b, nil
}

func (s *Service) GetBooking(ctx context.Context, id string) (ledger.Booking, error) {
	return s.deps.Store.GetBooking(ctx, id)
}

func (s *Service) ListBookings(ctx context.Context, limit int) ([]ledger.Booking, error) {
	return s.deps.Store.ListBookings(ctx, limit)
}

func (s *Service) ListPayments(ctx context.Context, bookingID string) ([]ledger.Payment, error) {
	if _, err := s.deps.Store.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.deps.Store.ListPayments(ctx, bookingID)
}

// Confirmation returns a paid booking with the payment that paid it.
func (s *Service) Confirmation(ctx context.Context, bookingID string) (sideeffect.Confirmation, error) {
	b, err := s.deps.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return sideeffect.Confirmation{}, err
	}
	pay, err := s.deps.Store.SuccessfulPayment(ctx, bookingID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		return sideeffect.Confirmation{}, ErrNotPaid
	}
	if err != nil {
		return sideeffect.Confirmation{}, err
	}
	return sideeffect.Confirmation{Booking: b, Payment: pay}, nil
}

// SyncReport is the outcome of Resync.
type SyncReport struct {
	Task    string      `json:"task"`
	Created int         `json:"created"`
	Errors  []SyncError `json:"errors"`
}

type SyncError struct {
	BookingID string `json:"bookingId"`
	Error     string `json:"error"`
}

// Resync runs task again for every paid booking whose last run of it
// failed. Bookings whose side effects are still running or no longer
// retained by the dispatcher are left alone.
func (s *Service) Resync(ctx context.Context, task string) (SyncReport, error) {
	ctx, span := s.tracer.Start(ctx, "Booking.Resync", trace.WithAttributes(attribute.String("task", task)))
	defer span.End()

	report := SyncReport{Task: task, Errors: []SyncError{}}
	if s.deps.Dispatcher == nil {
		return report, nil
	}
	list, err := s.deps.Store.ListBookings(ctx, 0)
	if err != nil {
		return report, err
	}
	for _, b := range list {
		if b.Status != ledger.BookingPaid {
			continue
		}
		res, ran, err := s.deps.Dispatcher.Rerun(ctx, b.ID, task)
		switch {
		case errors.Is(err, sideeffect.ErrNotDispatched), errors.Is(err, sideeffect.ErrInFlight):
			continue
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		case !ran:
			continue
		case res.Status == sideeffect.StatusOK:
			report.Created++
		case res.Status == sideeffect.StatusFailed:
			report.Errors = append(report.Errors, SyncError{BookingID: b.ID, Error: res.Error})
		}
	}
	s.logger.Info("side effect resync",
		zap.String("task", task), zap.Int("created", report.Created), zap.Int("errors", len(report.Errors)))
	return report, nil
}
