// Package storetest is a conformance suite shared by every ledger.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) ledger.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("BookingLifecycle", func(t *testing.T) { testBookingLifecycle(t, newStore(t)) })
	t.Run("AttachToken", func(t *testing.T) { testAttachToken(t, newStore(t)) })
	t.Run("ResolveSuccess", func(t *testing.T) { testResolveSuccess(t, newStore(t)) })
	t.Run("ResolveIsTerminal", func(t *testing.T) { testResolveIsTerminal(t, newStore(t)) })
	t.Run("ResolveUnknownToken", func(t *testing.T) { testResolveUnknownToken(t, newStore(t)) })
	t.Run("ResolveValidation", func(t *testing.T) { testResolveValidation(t, newStore(t)) })
	t.Run("SecondSuccessSuperseded", func(t *testing.T) { testSecondSuccessSuperseded(t, newStore(t)) })
	t.Run("ConcurrentResolve", func(t *testing.T) { testConcurrentResolve(t, newStore(t)) })
	t.Run("CancelBooking", func(t *testing.T) { testCancelBooking(t, newStore(t)) })
	t.Run("ListUnresolved", func(t *testing.T) { testListUnresolved(t, newStore(t)) })
}

// NewBooking creates a pending booking for 300.00.
func NewBooking(t *testing.T, s ledger.Store) ledger.Booking {
	t.Helper()
	b := &ledger.Booking{
		CustomerName: "Jane",
		Phone:        "254712345678",
		ServiceName:  "Haircut",
		ScheduledAt:  time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC),
		AmountDue:    decimal.RequireFromString("300.00"),
	}
	require.NoError(t, s.CreateBooking(context.Background(), b))
	return *b
}

// NewPendingPayment creates a payment against b and attaches token to it.
func NewPendingPayment(t *testing.T, s ledger.Store, b ledger.Booking, token string) ledger.Payment {
	t.Helper()
	ctx := context.Background()
	p := &ledger.Payment{BookingID: b.ID, Phone: b.Phone, Amount: b.AmountDue}
	require.NoError(t, s.CreatePayment(ctx, p))
	out, err := s.AttachToken(ctx, p.ID, token, "mr-"+token, ledger.PaymentPending, "")
	require.NoError(t, err)
	return out
}

func testBookingLifecycle(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, ledger.BookingPending, b.Status)

	got, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.CustomerName, got.CustomerName)
	assert.True(t, b.AmountDue.Equal(got.AmountDue))

	_, err = s.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrBookingNotFound)

	_, err = s.LatestPayment(ctx, b.ID)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)

	err = s.CreatePayment(ctx, &ledger.Payment{BookingID: "missing", Phone: b.Phone, Amount: b.AmountDue})
	assert.ErrorIs(t, err, ledger.ErrBookingNotFound)

	list, err := s.ListBookings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}

func testAttachToken(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	p := &ledger.Payment{BookingID: b.ID, Phone: b.Phone, Amount: b.AmountDue}
	require.NoError(t, s.CreatePayment(ctx, p))
	assert.Equal(t, ledger.PaymentInitiated, p.Status)

	got, err := s.AttachToken(ctx, p.ID, "ws_CO_1", "mr-1", ledger.PaymentPending, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, got.Status)
	assert.Equal(t, "ws_CO_1", got.CorrelationToken)

	_, err = s.AttachToken(ctx, p.ID, "ws_CO_2", "mr-2", ledger.PaymentPending, "")
	assert.ErrorIs(t, err, ledger.ErrTokenAssigned, "token can only be attached once")

	byToken, err := s.GetPaymentByToken(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byToken.ID)

	other := &ledger.Payment{BookingID: b.ID, Phone: b.Phone, Amount: b.AmountDue}
	require.NoError(t, s.CreatePayment(ctx, other))
	_, err = s.AttachToken(ctx, other.ID, "ws_CO_1", "mr-3", ledger.PaymentPending, "")
	assert.ErrorIs(t, err, ledger.ErrDuplicateToken)

	latest, err := s.LatestPayment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, latest.ID)

	failed, err := s.FailInitiated(ctx, other.ID, "gateway unavailable")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentFailed, failed.Status)
	assert.Equal(t, ledger.SourceInitiate, failed.ResolvedBy)
	_, err = s.FailInitiated(ctx, other.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
}

func testResolveSuccess(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-success")

	tr, err := s.Resolve(ctx, ledger.Resolution{
		Token: "tok-success", Status: ledger.PaymentSuccess, Receipt: "R1", Source: ledger.SourceWebhook,
	})
	require.NoError(t, err)
	assert.True(t, tr.Confirmed())
	assert.Equal(t, ledger.PaymentPending, tr.Prior)
	assert.Equal(t, "R1", tr.Payment.Receipt)
	assert.Equal(t, ledger.BookingPaid, tr.Booking.Status)

	booking, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPaid, booking.Status)

	paid, err := s.SuccessfulPayment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "R1", paid.Receipt)
	assert.Equal(t, ledger.SourceWebhook, paid.ResolvedBy)

	err = s.CreatePayment(ctx, &ledger.Payment{BookingID: b.ID, Phone: b.Phone, Amount: b.AmountDue})
	assert.ErrorIs(t, err, ledger.ErrBookingNotPending, "a paid booking takes no new payments")
}

func testResolveIsTerminal(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-fail")

	tr, err := s.Resolve(ctx, ledger.Resolution{
		Token: "tok-fail", Status: ledger.PaymentFailed, Reason: "Request cancelled by user", Source: ledger.SourcePoll,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentFailed, tr.Payment.Status)
	assert.Equal(t, ledger.BookingPending, tr.Booking.Status)

	tr, err = s.Resolve(ctx, ledger.Resolution{
		Token: "tok-fail", Status: ledger.PaymentSuccess, Receipt: "LATE", Source: ledger.SourceWebhook,
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
	assert.Equal(t, ledger.PaymentFailed, tr.Payment.Status)

	p, err := s.GetPaymentByToken(ctx, "tok-fail")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentFailed, p.Status)
	assert.Empty(t, p.Receipt)

	booking, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPending, booking.Status)
}

func testResolveUnknownToken(t *testing.T, s ledger.Store) {
	_, err := s.Resolve(context.Background(), ledger.Resolution{
		Token: "nope", Status: ledger.PaymentSuccess, Receipt: "R", Source: ledger.SourceWebhook,
	})
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
}

func testResolveValidation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-valid")

	cases := []ledger.Resolution{
		{Token: "tok-valid", Status: ledger.PaymentSuccess},
		{Token: "tok-valid", Status: ledger.PaymentFailed, Receipt: "R"},
		{Token: "tok-valid", Status: ledger.PaymentPending},
		{Status: ledger.PaymentFailed},
	}
	for i, r := range cases {
		_, err := s.Resolve(ctx, r)
		assert.ErrorIs(t, err, ledger.ErrInvalidResolution, "case %d", i)
	}
	p, err := s.GetPaymentByToken(ctx, "tok-valid")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, p.Status)
}

func testSecondSuccessSuperseded(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-a")
	NewPendingPayment(t, s, b, "tok-b")

	first, err := s.Resolve(ctx, ledger.Resolution{Token: "tok-a", Status: ledger.PaymentSuccess, Receipt: "RA", Source: ledger.SourceWebhook})
	require.NoError(t, err)
	require.True(t, first.Confirmed())

	second, err := s.Resolve(ctx, ledger.Resolution{Token: "tok-b", Status: ledger.PaymentSuccess, Receipt: "RB", Source: ledger.SourceWebhook})
	require.NoError(t, err)
	assert.True(t, second.Superseded)
	assert.False(t, second.Confirmed())
	assert.Equal(t, ledger.PaymentFailed, second.Payment.Status)
	assert.Equal(t, ledger.ReasonBookingNotPending, second.Payment.FailureReason)

	paid, err := s.SuccessfulPayment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "RA", paid.Receipt, "exactly one success per booking")
}

func testConcurrentResolve(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-race")

	const racers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := ledger.SourceWebhook
			if i%2 == 1 {
				src = ledger.SourcePoll
			}
			receipt := fmt.Sprintf("R%d", i)
			_, err := s.Resolve(ctx, ledger.Resolution{Token: "tok-race", Status: ledger.PaymentSuccess, Receipt: receipt, Source: src})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, receipt)
				return
			}
			assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
			losers++
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one resolution wins")
	assert.Equal(t, racers-1, losers)

	p, err := s.GetPaymentByToken(ctx, "tok-race")
	require.NoError(t, err)
	assert.Equal(t, winners[0], p.Receipt)
	booking, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPaid, booking.Status)
}

func testCancelBooking(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-cancel")

	cancelled, err := s.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingCancelled, cancelled.Status)

	_, err = s.CancelBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ledger.ErrBookingNotPending)

	tr, err := s.Resolve(ctx, ledger.Resolution{Token: "tok-cancel", Status: ledger.PaymentSuccess, Receipt: "RX", Source: ledger.SourceWebhook})
	require.NoError(t, err)
	assert.True(t, tr.Superseded, "money for a cancelled booking is flagged, not applied")
	assert.Equal(t, ledger.BookingCancelled, tr.Booking.Status)
}

func testListUnresolved(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	b := NewBooking(t, s)
	NewPendingPayment(t, s, b, "tok-old")
	NewPendingPayment(t, s, b, "tok-done")
	_, err := s.Resolve(ctx, ledger.Resolution{Token: "tok-done", Status: ledger.PaymentFailed, Reason: "x", Source: ledger.SourcePoll})
	require.NoError(t, err)
	untokened := &ledger.Payment{BookingID: b.ID, Phone: b.Phone, Amount: b.AmountDue}
	require.NoError(t, s.CreatePayment(ctx, untokened))

	list, err := s.ListUnresolved(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "tok-old", list[0].CorrelationToken)

	list, err = s.ListUnresolved(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	since, err := s.ListPaymentsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, since, 3)
}
