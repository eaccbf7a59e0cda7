// Package ledger holds the durable records of the deposit flow: Bookings and
// the Payments raised against them.
//
// All state changes that matter to reconciliation go through Store.Resolve,
// which moves a Payment out of a non-terminal status and, on success, marks the
// owning Booking paid in the same atomic unit. Implementations serialize
// competing resolutions per payment; they never serialize across bookings.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus is the lifecycle state of a Booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingPaid      BookingStatus = "paid"
	BookingCancelled BookingStatus = "cancelled"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "initiated"
	PaymentPending   PaymentStatus = "pending"
	PaymentSuccess   PaymentStatus = "success"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccess || s == PaymentFailed
}

// Valid reports whether s is one of the known payment statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentInitiated, PaymentPending, PaymentSuccess, PaymentFailed:
		return true
	}
	return false
}

// Source identifies which observer produced a resolution.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceInitiate Source = "initiate"
)

// Failure reasons recorded on payments the ledger itself fails.
const (
	ReasonBookingNotPending = "booking_not_pending"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrAlreadyResolved   = errors.New("payment already resolved")
	ErrTokenAssigned     = errors.New("correlation token already assigned")
	ErrDuplicateToken    = errors.New("correlation token already in use")
	ErrBookingNotPending = errors.New("booking is not pending")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Booking is a customer's reservation of a catalog service.
type Booking struct {
	ID           string          `json:"id"`
	CustomerName string          `json:"customerName"`
	Phone        string          `json:"phone"`
	ServiceName  string          `json:"serviceName"`
	ScheduledAt  time.Time       `json:"scheduledAt"`
	AmountDue    decimal.Decimal `json:"amountDue"`
	Status       BookingStatus   `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Payment is one push-payment attempt against a Booking.
type Payment struct {
	ID                string          `json:"id"`
	BookingID         string          `json:"bookingId"`
	Phone             string          `json:"phone"`
	Amount            decimal.Decimal `json:"amount"`
	Status            PaymentStatus   `json:"status"`
	CorrelationToken  string          `json:"correlationToken,omitempty"`
	MerchantRequestID string          `json:"merchantRequestId,omitempty"`
	Receipt           string          `json:"receipt,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	ResolvedBy        Source          `json:"resolvedBy,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Resolution is a request to move the payment keyed by Token to a terminal status.
type Resolution struct {
	Token   string
	Status  PaymentStatus
	Receipt string
	Reason  string
	Source  Source
}

// Validate checks the shape of r. A success must carry a receipt, a failure must not.
func (r Resolution) Validate() error {
	if r.Token == "" {
		return errors.Join(ErrInvalidResolution, errors.New("empty correlation token"))
	}
	switch r.Status {
	case PaymentSuccess:
		if r.Receipt == "" {
			return errors.Join(ErrInvalidResolution, errors.New("success without receipt"))
		}
	case PaymentFailed:
		if r.Receipt != "" {
			return errors.Join(ErrInvalidResolution, errors.New("failure with receipt"))
		}
	default:
		return errors.Join(ErrInvalidResolution, errors.New("non-terminal target status "+string(r.Status)))
	}
	return nil
}

// Transition is the committed outcome of a winning Resolve call.
type Transition struct {
	Prior   PaymentStatus
	Payment Payment
	Booking Booking
	// Superseded is set when a success arrived for a booking that was no
	// longer pending; the payment was failed instead and needs a refund.
	Superseded bool
}

// Confirmed reports whether this transition paid the booking.
func (t Transition) Confirmed() bool {
	return t.Payment.Status == PaymentSuccess && t.Booking.Status == BookingPaid
}

// Store is the durable keyed store for bookings and payments.
type Store interface {
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	ListBookings(ctx context.Context, limit int) ([]Booking, error)
	// CancelBooking moves a pending booking to cancelled.
	CancelBooking(ctx context.Context, id string) (Booking, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByToken(ctx context.Context, token string) (Payment, error)
	// LatestPayment returns the most recently created payment for a booking.
	LatestPayment(ctx context.Context, bookingID string) (Payment, error)
	ListPayments(ctx context.Context, bookingID string) ([]Payment, error)
	// SuccessfulPayment returns the payment that paid the booking.
	SuccessfulPayment(ctx context.Context, bookingID string) (Payment, error)

	// AttachToken sets the provider correlation token on an initiated
	// payment without one and moves it to status (pending or failed).
	AttachToken(ctx context.Context, paymentID, token, merchantRequestID string, status PaymentStatus, reason string) (Payment, error)
	// FailInitiated fails an initiated payment that never obtained a token.
	FailInitiated(ctx context.Context, paymentID, reason string) (Payment, error)
	// Resolve atomically applies r, see the package documentation.
	Resolve(ctx context.Context, r Resolution) (Transition, error)

	// ListUnresolved returns tokened payments still non-terminal that were
	// last updated before olderThan, oldest first.
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error)
	// ListPaymentsSince returns payments created at or after since.
	ListPaymentsSince(ctx context.Context, since time.Time) ([]Payment, error)

	Close() error
}
