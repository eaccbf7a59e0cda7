package poller_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/ledger/storetest"
	"github.com/yourorg/deposit-orchestrator/internal/poller"
)

func TestSweep_ResolvesStalePayments(t *testing.T) {
	e := newEnv(t, "stale-ok")
	storetest.NewPendingPayment(t, e.store, storetest.NewBooking(t, e.store), "stale-fail")
	storetest.NewPendingPayment(t, e.store, storetest.NewBooking(t, e.store), "stale-pending")
	e.gw.SetOutcome("stale-ok", gateway.QueryResult{Outcome: gateway.OutcomeSuccess, Receipt: "R1"})
	e.gw.SetOutcome("stale-fail", gateway.QueryResult{Outcome: gateway.OutcomeFailed, ResultDesc: "DS timeout user cannot be reached"})

	s := poller.NewSweeper(e.store, e.gw, e.engine, poller.SweeperConfig{StaleAfter: -time.Minute}, zap.NewNop())
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := e.store.GetPaymentByToken(context.Background(), "stale-ok")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentSuccess, ok.Status)
	b, err := e.store.GetBooking(context.Background(), e.booking.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BookingPaid, b.Status)

	pending, err := e.store.GetPaymentByToken(context.Background(), "stale-pending")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPending, pending.Status)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "resolved payments are not revisited")
	assert.Equal(t, 1, e.gw.Queries("stale-ok"))
	assert.Equal(t, 2, e.gw.Queries("stale-pending"))
}

func TestSweep_SkipsFreshPayments(t *testing.T) {
	e := newEnv(t, "fresh")
	s := poller.NewSweeper(e.store, e.gw, e.engine, poller.SweeperConfig{StaleAfter: time.Hour}, zap.NewNop())
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.gw.Queries("fresh"))
}

func TestSweep_QueryErrorDoesNotStopBatch(t *testing.T) {
	e := newEnv(t, "a")
	storetest.NewPendingPayment(t, e.store, storetest.NewBooking(t, e.store), "b")
	e.gw.QueryFunc = func(ctx context.Context, token string) (gateway.QueryResult, error) {
		if token == "a" {
			return gateway.QueryResult{}, gateway.Transient("query", errors.New("boom"))
		}
		return gateway.QueryResult{Outcome: gateway.OutcomeSuccess, Receipt: "RB"}, nil
	}
	s := poller.NewSweeper(e.store, e.gw, e.engine, poller.SweeperConfig{StaleAfter: -time.Minute}, zap.NewNop())
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t, "T")
	e.gw.SetOutcome("T", gateway.QueryResult{Outcome: gateway.OutcomeSuccess, Receipt: "R1"})
	s := poller.NewSweeper(e.store, e.gw, e.engine, poller.SweeperConfig{Interval: 5 * time.Millisecond, StaleAfter: -time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p, err := e.store.GetPaymentByToken(context.Background(), "T")
		return err == nil && p.Status == ledger.PaymentSuccess
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
