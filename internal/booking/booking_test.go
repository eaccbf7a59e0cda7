package booking_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/booking"
	"github.com/yourorg/deposit-orchestrator/internal/catalog"
	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/mock"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/policy"
	"github.com/yourorg/deposit-orchestrator/internal/poller"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

const catalogYAML = `
business: Glow Salon
services:
  - category: Hair
    items:
      - name: Haircut
        price: "1000"
`

type env struct {
	store      *ledger.MemoryStore
	gw         *mock.Gateway
	engine     *reconcile.Engine
	dispatcher *sideeffect.Dispatcher
	svc        *booking.Service
	effects    atomic.Int32
}

func newEnv(t *testing.T, cfg booking.Config, tasks ...sideeffect.Task) *env {
	t.Helper()
	cat, err := catalog.Parse(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	pol, err := policy.NewDepositPolicy(policy.DefaultExpression)
	require.NoError(t, err)

	e := &env{store: ledger.NewMemoryStore(), gw: mock.New()}
	counting := sideeffect.NewTask("count", func(context.Context, sideeffect.Confirmation) (string, error) {
		e.effects.Add(1)
		return "", nil
	})
	e.dispatcher = sideeffect.NewDispatcher(sideeffect.Config{Workers: 2}, zap.NewNop(), append(tasks, counting)...)
	e.dispatcher.Start(context.Background())
	t.Cleanup(func() { _ = e.dispatcher.Close() })

	e.engine = reconcile.NewEngine(e.store, zap.NewNop(), e.dispatcher)
	p := poller.New(e.store, e.gw, e.engine, poller.Config{QueryAfter: -1}, zap.NewNop())
	e.svc = booking.NewService(booking.Deps{
		Store:      e.store,
		Catalog:    cat,
		Pricer:     pol,
		Gateway:    e.gw,
		Awaiter:    p,
		Dispatcher: e.dispatcher,
	}, cfg, zap.NewNop())
	return e
}

func request() booking.Request {
	return booking.Request{
		CustomerName: "Amina",
		Phone:        "0712345678",
		ServiceName:  "haircut",
		ScheduledAt:  time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC),
	}
}

func fixedToken(token string) func(context.Context, gateway.InitiateRequest) (gateway.InitiateResult, error) {
	return func(context.Context, gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{Token: token, MerchantRequestID: "m-1", Accepted: true, ResponseCode: "0"}, nil
	}
}

// deliverWhenPending applies a success webhook for token once the payment is pending.
func (e *env) deliverWhenPending(t *testing.T, token, receipt string) <-chan reconcile.Outcome {
	t.Helper()
	out := make(chan reconcile.Outcome, 1)
	go func() {
		defer close(out)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			p, err := e.store.GetPaymentByToken(context.Background(), token)
			if err == nil && p.Status == ledger.PaymentPending {
				o, err := e.engine.ApplyWebhook(context.Background(), reconcile.Webhook{
					Token: token, Outcome: gateway.OutcomeSuccess, Receipt: receipt,
				})
				assert.NoError(t, err)
				out <- o
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		assert.Fail(t, "payment never became pending")
	}()
	return out
}

func TestCreateBooking(t *testing.T) {
	e := newEnv(t, booking.Config{})

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "Haircut", b.ServiceName)
	assert.Equal(t, "254712345678", b.Phone)
	assert.Equal(t, ledger.BookingPending, b.Status)
	assert.True(t, decimal.NewFromInt(300).Equal(b.AmountDue), b.AmountDue.String())
}

func TestCreateBooking_Rejections(t *testing.T) {
	e := newEnv(t, booking.Config{})

	tests := []struct {
		name   string
		mutate func(r *booking.Request)
		want   error
	}{
		{"unknown service", func(r *booking.Request) { r.ServiceName = "Massage" }, catalog.ErrServiceNotFound},
		{"bad phone", func(r *booking.Request) { r.Phone = "12345" }, gateway.ErrInvalidPhone},
		{"missing name", func(r *booking.Request) { r.CustomerName = " " }, booking.ErrInvalidRequest},
		{"missing time", func(r *booking.Request) { r.ScheduledAt = time.Time{} }, booking.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(&req)
			_, err := e.svc.CreateBooking(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	bookings, err := e.store.ListBookings(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, bookings)
	assert.Empty(t, e.gw.Initiated())
}

func TestInitiatePayment_Accepted(t *testing.T) {
	e := newEnv(t, booking.Config{})
	e.gw.InitiateFunc = fixedToken("T")

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	pay, err := e.svc.InitiatePayment(context.Background(), b.ID, "")
	require.NoError(t, err)

	assert.Equal(t, ledger.PaymentPending, pay.Status)
	assert.Equal(t, "T", pay.CorrelationToken)
	assert.Equal(t, "m-1", pay.MerchantRequestID)
	assert.True(t, b.AmountDue.Equal(pay.Amount))

	sent := e.gw.Initiated()
	require.Len(t, sent, 1)
	assert.Equal(t, b.ID, sent[0].BookingID)
	assert.Equal(t, "254712345678", sent[0].Phone)
}

func TestInitiatePayment_Rejected(t *testing.T) {
	e := newEnv(t, booking.Config{})
	e.gw.InitiateFunc = func(context.Context, gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{Accepted: false, ResponseCode: "1", Description: "Insufficient balance"}, nil
	}

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	pay, err := e.svc.InitiatePayment(context.Background(), b.ID, "")
	require.ErrorIs(t, err, booking.ErrPaymentRejected)

	assert.Equal(t, ledger.PaymentFailed, pay.Status)
	assert.Equal(t, "1: Insufficient balance", pay.FailureReason)
	got, err := e.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPending, got.Status)
}

func TestInitiatePayment_RejectedWithToken(t *testing.T) {
	e := newEnv(t, booking.Config{})
	e.gw.InitiateFunc = func(context.Context, gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{Token: "T-rej", Accepted: false, ResponseCode: "2001", Description: "Wrong PIN"}, nil
	}

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	pay, err := e.svc.InitiatePayment(context.Background(), b.ID, "")
	require.ErrorIs(t, err, booking.ErrPaymentRejected)
	assert.Equal(t, ledger.PaymentFailed, pay.Status)
	assert.Equal(t, "T-rej", pay.CorrelationToken)

	o, err := e.engine.ApplyWebhook(context.Background(), reconcile.Webhook{Token: "T-rej", Outcome: gateway.OutcomeSuccess, Receipt: "R9"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Duplicate, o.Result)
}

func TestInitiatePayment_TransientFailure(t *testing.T) {
	e := newEnv(t, booking.Config{})
	e.gw.InitiateFunc = func(context.Context, gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{}, gateway.Transient("initiate", assert.AnError)
	}

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	pay, err := e.svc.InitiatePayment(context.Background(), b.ID, "")
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, ledger.PaymentFailed, pay.Status)
	assert.Equal(t, booking.ReasonGatewayUnavailable, pay.FailureReason)
	assert.Empty(t, pay.CorrelationToken)

	view, err := e.svc.Status(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePaymentFailed, view.State)
}

func TestInitiatePayment_BookingNotPending(t *testing.T) {
	e := newEnv(t, booking.Config{})

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	_, err = e.svc.Cancel(context.Background(), b.ID)
	require.NoError(t, err)

	_, err = e.svc.InitiatePayment(context.Background(), b.ID, "")
	assert.ErrorIs(t, err, ledger.ErrBookingNotPending)
	assert.Empty(t, e.gw.Initiated())

	_, err = e.svc.InitiatePayment(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ledger.ErrBookingNotFound)
}

func TestBookAndPay_WebhookConfirms(t *testing.T) {
	e := newEnv(t, booking.Config{PollTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	e.gw.InitiateFunc = fixedToken("T")
	delivered := e.deliverWhenPending(t, "T", "R1")

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)
	o := <-delivered
	assert.Equal(t, reconcile.Applied, o.Result)

	assert.Equal(t, booking.StatePaid, res.State)
	assert.Equal(t, ledger.BookingPaid, res.Booking.Status)
	require.NotNil(t, res.Payment)
	assert.Equal(t, ledger.PaymentSuccess, res.Payment.Status)
	assert.Equal(t, "R1", res.Payment.Receipt)
	assert.True(t, decimal.NewFromInt(300).Equal(res.Payment.Amount))
	assert.Equal(t, map[string]string{
		booking.StepBooking:      booking.StepOK,
		booking.StepInitiate:     booking.StepOK,
		booking.StepConfirmation: booking.StepOK,
		booking.StepSideEffects:  booking.StepOK,
	}, res.Steps)
	require.Len(t, res.SideEffects, 1)
	assert.Equal(t, int32(1), e.effects.Load())
}

func TestBookAndPay_TimeoutThenWebhook(t *testing.T) {
	e := newEnv(t, booking.Config{PollTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	e.gw.InitiateFunc = fixedToken("T")

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, res.State)
	assert.Equal(t, booking.StepPending, res.Steps[booking.StepConfirmation])
	assert.Equal(t, ledger.BookingPending, res.Booking.Status)

	view, err := e.svc.Status(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePending, view.State)

	o, err := e.engine.ApplyWebhook(context.Background(), reconcile.Webhook{Token: "T", Outcome: gateway.OutcomeSuccess, Receipt: "R1"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Applied, o.Result)

	view, err = e.svc.Status(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatePaid, view.State)
	assert.Equal(t, "R1", view.Payment.Receipt)

	h, ok := e.dispatcher.Lookup(res.Booking.ID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.effects.Load())
}

func TestBookAndPay_PaymentFails(t *testing.T) {
	e := newEnv(t, booking.Config{PollTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	e.gw.InitiateFunc = fixedToken("T")
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if p, err := e.store.GetPaymentByToken(context.Background(), "T"); err == nil && p.Status == ledger.PaymentPending {
				_, err := e.engine.ApplyWebhook(context.Background(), reconcile.Webhook{
					Token: "T", Outcome: gateway.OutcomeFailed, Reason: "Request cancelled by user",
				})
				assert.NoError(t, err)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, booking.StatePaymentFailed, res.State)
	assert.Equal(t, "Request cancelled by user", res.Error)
	assert.Equal(t, ledger.BookingPending, res.Booking.Status)
	assert.Equal(t, booking.StepSkipped, res.Steps[booking.StepSideEffects])
	assert.Equal(t, int32(0), e.effects.Load())
}

func TestBookAndPay_SideEffectFailureIsIsolated(t *testing.T) {
	failing := sideeffect.NewTask("calendar", func(context.Context, sideeffect.Confirmation) (string, error) {
		return "", assert.AnError
	})
	e := newEnv(t, booking.Config{PollTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond}, failing)
	e.gw.InitiateFunc = fixedToken("T")
	e.deliverWhenPending(t, "T", "R1")

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, booking.StatePaid, res.State)
	assert.Equal(t, booking.StepFailed, res.Steps[booking.StepSideEffects])
	require.Len(t, res.SideEffects, 2)
	assert.Equal(t, sideeffect.StatusFailed, res.SideEffects[0].Status)

	got, err := e.store.GetBooking(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPaid, got.Status)
}

func TestBookAndPay_UnknownServiceShortCircuits(t *testing.T) {
	e := newEnv(t, booking.Config{})
	req := request()
	req.ServiceName = "Massage"

	_, err := e.svc.BookAndPay(context.Background(), req)
	assert.ErrorIs(t, err, catalog.ErrServiceNotFound)
	assert.Empty(t, e.gw.Initiated())
}

func TestConfirmation(t *testing.T) {
	e := newEnv(t, booking.Config{})
	e.gw.InitiateFunc = fixedToken("T")

	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)
	_, err = e.svc.Confirmation(context.Background(), b.ID)
	assert.ErrorIs(t, err, booking.ErrNotPaid)

	_, err = e.svc.InitiatePayment(context.Background(), b.ID, "")
	require.NoError(t, err)
	_, err = e.engine.ApplyWebhook(context.Background(), reconcile.Webhook{Token: "T", Outcome: gateway.OutcomeSuccess, Receipt: "R1"})
	require.NoError(t, err)

	c, err := e.svc.Confirmation(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "R1", c.Payment.Receipt)
	assert.Equal(t, ledger.BookingPaid, c.Booking.Status)
}

func TestStatus_Unpaid(t *testing.T) {
	e := newEnv(t, booking.Config{})
	b, err := e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)

	view, err := e.svc.Status(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StateUnpaid, view.State)
	assert.Nil(t, view.Payment)

	_, err = e.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrBookingNotFound)
}

func TestResync_RerunsFailedCalendar(t *testing.T) {
	var calls atomic.Int32
	flaky := sideeffect.NewTask("calendar", func(_ context.Context, c sideeffect.Confirmation) (string, error) {
		if calls.Add(1) == 1 {
			return "", assert.AnError
		}
		return "evt-" + c.Booking.ID, nil
	})
	e := newEnv(t, booking.Config{PollTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond}, flaky)
	e.gw.InitiateFunc = fixedToken("T")
	e.deliverWhenPending(t, "T", "R1")

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, booking.StatePaid, res.State)
	require.Equal(t, sideeffect.StatusFailed, res.SideEffects[0].Status)

	// an unpaid booking is never touched
	_, err = e.svc.CreateBooking(context.Background(), request())
	require.NoError(t, err)

	report, err := e.svc.Resync(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, report.Errors)

	view, err := e.svc.Status(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, sideeffect.StatusOK, view.SideEffects[0].Status)
	assert.Equal(t, "evt-"+res.Booking.ID, view.SideEffects[0].Ref)

	report, err = e.svc.Resync(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), e.effects.Load())
}

func TestResync_ReportsFailures(t *testing.T) {
	failing := sideeffect.NewTask("calendar", func(context.Context, sideeffect.Confirmation) (string, error) {
		return "", assert.AnError
	})
	e := newEnv(t, booking.Config{PollTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond}, failing)
	e.gw.InitiateFunc = fixedToken("T")
	e.deliverWhenPending(t, "T", "R1")

	res, err := e.svc.BookAndPay(context.Background(), request())
	require.NoError(t, err)

	report, err := e.svc.Resync(context.Background(), "calendar")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, res.Booking.ID, report.Errors[0].BookingID)
	assert.Equal(t, assert.AnError.Error(), report.Errors[0].Error)

	_, err = e.svc.Resync(context.Background(), "fax")
	assert.ErrorIs(t, err, sideeffect.ErrUnknownTask)
}
