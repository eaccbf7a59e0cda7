package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
)

// SweeperConfig controls the background reconciliation loop.
type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper queries the provider for payments that stayed non-terminal longer
// than StaleAfter, which covers callers that stopped waiting and callbacks
// that never arrived.
type Sweeper struct {
	store    ledger.Store
	gw       gateway.Client
	resolver Resolver
	cfg      SweeperConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store ledger.Store, gw gateway.Client, resolver Resolver, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:    store,
		gw:       gw,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker", "sweeper")),
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns how many payments it resolved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.ListUnresolved(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	s.logger.Info("revisiting stale payments", zap.Int("count", len(stale)))

	resolved := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		log := s.logger.With(zap.String("correlation_token", p.CorrelationToken), zap.String("payment_id", p.ID))
		q, err := s.gw.Query(ctx, p.CorrelationToken)
		if err != nil {
			log.Warn("status query failed, retrying next sweep", zap.Error(err))
			sweptTotal.WithLabelValues("query_error").Inc()
			continue
		}
		out, err := s.resolver.ApplyPollResult(ctx, reconcile.PollResult{
			Token:   p.CorrelationToken,
			Outcome: q.Outcome,
			Receipt: q.Receipt,
			Reason:  q.ResultDesc,
		})
		if err != nil {
			log.Error("apply poll result", zap.Error(err))
			sweptTotal.WithLabelValues("error").Inc()
			continue
		}
		sweptTotal.WithLabelValues(string(out.Result)).Inc()
		if out.Result == reconcile.Applied || out.Result == reconcile.Superseded {
			resolved++
		}
	}
	return resolved, nil
}
