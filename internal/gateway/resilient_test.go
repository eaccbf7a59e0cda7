package gateway_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/circuitbreaker"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/mock"
)

func fastConfig(retries int) gateway.ResilientConfig {
	return gateway.ResilientConfig{
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Breaker:         circuitbreaker.Config{FailureThreshold: 10, ResetTimeout: time.Minute},
	}
}

func request() gateway.InitiateRequest {
	return gateway.InitiateRequest{Phone: "0712345678", Amount: decimal.NewFromInt(300), BookingID: "b1"}
}

func TestResilient_RetriesTransient(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	g.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		if calls.Add(1) < 3 {
			return gateway.InitiateResult{}, gateway.NotSent("initiate", errors.New("connection refused"))
		}
		return gateway.InitiateResult{Token: "ws_CO_1", Accepted: true}, nil
	}
	before := testutil.ToFloat64(gateway.GetCallsTotal().WithLabelValues("mock", "initiate", "transient"))

	r := gateway.NewResilient(g, fastConfig(2), zap.NewNop())
	res, err := r.Initiate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.Token)
	assert.Equal(t, int32(3), calls.Load())

	after := testutil.ToFloat64(gateway.GetCallsTotal().WithLabelValues("mock", "initiate", "transient"))
	assert.Equal(t, 2.0, after-before)
}

func TestResilient_GivesUpAfterBudget(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	g.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		calls.Add(1)
		return gateway.InitiateResult{}, gateway.NotSent("initiate", errors.New("connection refused"))
	}
	r := gateway.NewResilient(g, fastConfig(1), zap.NewNop())
	_, err := r.Initiate(context.Background(), request())
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResilient_InitiateNotRepeatedAfterSend(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	g.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		calls.Add(1)
		return gateway.InitiateResult{}, gateway.Transient("initiate", context.DeadlineExceeded)
	}
	r := gateway.NewResilient(g, fastConfig(3), zap.NewNop())
	_, err := r.Initiate(context.Background(), request())
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.False(t, gateway.IsNotSent(err))
	assert.Equal(t, int32(1), calls.Load(), "a push the provider may have accepted is not sent twice")
}

func TestResilient_QueryRetriesAnyTransient(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	g.QueryFunc = func(ctx context.Context, token string) (gateway.QueryResult, error) {
		if calls.Add(1) < 3 {
			return gateway.QueryResult{}, gateway.Transient("query", context.DeadlineExceeded)
		}
		return gateway.QueryResult{Outcome: gateway.OutcomeSuccess, ResultCode: "0"}, nil
	}
	r := gateway.NewResilient(g, fastConfig(2), zap.NewNop())
	q, err := r.Query(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, gateway.OutcomeSuccess, q.Outcome)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResilient_DoesNotRetryPermanent(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	permanent := errors.New("decode response")
	g.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		calls.Add(1)
		return gateway.InitiateResult{}, permanent
	}
	r := gateway.NewResilient(g, fastConfig(3), zap.NewNop())
	_, err := r.Initiate(context.Background(), request())
	assert.ErrorIs(t, err, permanent)
	assert.False(t, gateway.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestResilient_ValidatesBeforeCalling(t *testing.T) {
	g := mock.New()
	r := gateway.NewResilient(g, fastConfig(3), zap.NewNop())
	_, err := r.Initiate(context.Background(), gateway.InitiateRequest{Phone: "nope", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, gateway.ErrInvalidPhone)
	assert.Empty(t, g.Initiated())
}

func TestResilient_CircuitOpens(t *testing.T) {
	g := mock.New()
	var calls atomic.Int32
	g.QueryFunc = func(ctx context.Context, token string) (gateway.QueryResult, error) {
		calls.Add(1)
		return gateway.QueryResult{}, gateway.Transient("query", errors.New("unreachable"))
	}
	cfg := fastConfig(0)
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute}
	r := gateway.NewResilient(g, cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := r.Query(context.Background(), "tok")
		assert.ErrorIs(t, err, gateway.ErrTransient)
	}
	_, err := r.Query(context.Background(), "tok")
	assert.ErrorIs(t, err, gateway.ErrCircuitOpen)
	assert.ErrorIs(t, err, gateway.ErrTransient, "an open circuit is retryable later")
	assert.Equal(t, int32(2), calls.Load())

	state, _ := r.Breaker().GetProviderStatus("mock")
	assert.Equal(t, circuitbreaker.StateOpen, state)
}

func TestResilient_ContextCancelled(t *testing.T) {
	g := mock.New()
	g.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{}, gateway.NotSent("initiate", errors.New("connection refused"))
	}
	cfg := fastConfig(100)
	cfg.InitialInterval = 20 * time.Millisecond
	r := gateway.NewResilient(g, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Initiate(ctx, request())
	assert.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
}
