package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/api"
	"github.com/yourorg/deposit-orchestrator/internal/booking"
	"github.com/yourorg/deposit-orchestrator/internal/catalog"
	"github.com/yourorg/deposit-orchestrator/internal/config"
	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/circuitbreaker"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/daraja"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/mock"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/policy"
	"github.com/yourorg/deposit-orchestrator/internal/poller"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
	"github.com/yourorg/deposit-orchestrator/internal/reporting"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/calendar"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/notify"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/receipt"
)

// app is the wired service. Close releases everything newApp opened.
type app struct {
	router     *gin.Engine
	store      ledger.Store
	gateway    *gateway.Resilient
	engine     *reconcile.Engine
	dispatcher *sideeffect.Dispatcher
	sweeper    *poller.Sweeper
	closers    []func() error
	logger     *zap.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	pricer, err := policy.NewDepositPolicy(cfg.DepositExpression)
	if err != nil {
		return nil, err
	}

	a.gateway = gateway.NewResilient(newGateway(cfg, logger), gateway.ResilientConfig{
		MaxRetries: cfg.InitiateMaxRetries,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerReset,
		},
	}, logger)

	receipts, err := receipt.NewGenerator(cfg.ReceiptDir, cat.Business())
	if err != nil {
		return nil, err
	}
	tasks, err := sideEffectTasks(ctx, cfg, cat.Business(), receipts, a, logger)
	if err != nil {
		return nil, err
	}
	a.dispatcher = sideeffect.NewDispatcher(sideeffect.Config{
		Workers:     cfg.SideEffectWorkers,
		QueueSize:   cfg.SideEffectQueue,
		TaskTimeout: cfg.SideEffectTimeout,
	}, logger, tasks...)
	a.dispatcher.Start(context.WithoutCancel(ctx))
	// Drain side effects before the store and publishers close.
	a.closers = append(a.closers, a.dispatcher.Close)

	a.engine = reconcile.NewEngine(a.store, logger, a.dispatcher)
	awaiter := poller.New(a.store, a.gateway, a.engine, poller.Config{QueryAfter: cfg.PollQueryAfter}, logger)
	a.sweeper = poller.NewSweeper(a.store, a.gateway, a.engine, poller.SweeperConfig{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.SweepStaleAfter,
	}, logger)

	svc := booking.NewService(booking.Deps{
		Store:      a.store,
		Catalog:    cat,
		Pricer:     pricer,
		Gateway:    a.gateway,
		Awaiter:    awaiter,
		Dispatcher: a.dispatcher,
	}, booking.Config{
		PollTimeout:    cfg.PollTimeout,
		PollInterval:   cfg.PollInterval,
		SideEffectWait: cfg.SideEffectWait,
	}, logger)

	a.router = api.NewRouter(api.Deps{
		Bookings: svc,
		Catalog:  cat,
		Webhooks: a.engine,
		Receipts: receipts,
		Reporter: reporting.NewRetrospectiveReporter(cfg.PollTimeout),
		Store:    a.store,
		Breaker:  a.gateway.Breaker(),
		Provider: a.gateway.Name(),
	}, api.Options{CORSOrigins: splitList(cfg.CORSOrigins)}, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using the in-memory ledger")
		return ledger.NewMemoryStore(), nil
	}
	store, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := ledger.Migrate(store.DB()); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func newGateway(cfg config.Config, logger *zap.Logger) gateway.Client {
	if cfg.GatewayProvider == config.ProviderDaraja {
		m := cfg.Mpesa
		return daraja.New(daraja.Config{
			BaseURL:         daraja.BaseURLFor(m.Env),
			ConsumerKey:     m.ConsumerKey,
			ConsumerSecret:  m.ConsumerSecret,
			ShortCode:       m.ShortCode,
			PassKey:         m.PassKey,
			CallbackURL:     m.CallbackURL,
			TransactionDesc: m.TransactionDesc,
		}, nil, logger)
	}
	gw := mock.New()
	gw.AutoApproveAfter = cfg.MockAutoApprove
	return gw
}

// sideEffectTasks builds the post-confirmation tasks. Closers for opened
// publishers are registered on a.
func sideEffectTasks(ctx context.Context, cfg config.Config, business string, receipts *receipt.Generator, a *app, logger *zap.Logger) ([]sideeffect.Task, error) {
	calCfg := calendar.Config{
		CalendarID: cfg.Calendar.ID,
		TimeZone:   cfg.Calendar.TimeZone,
		Location:   business,
	}
	if cfg.Calendar.CredentialsFile != "" {
		key, err := os.ReadFile(cfg.Calendar.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read calendar credentials: %w", err)
		}
		calCfg.CredentialsJSON = key
	}
	cal, err := calendar.New(context.WithoutCancel(ctx), calCfg)
	if err != nil {
		return nil, err
	}
	tasks := []sideeffect.Task{receipts.Task(), cal.Task()}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	tw := notify.TwilioConfig{AccountSID: cfg.Twilio.AccountSID, AuthToken: cfg.Twilio.AuthToken, From: cfg.Twilio.From}
	if tw.Configured() {
		if notifier, err = notify.NewTwilio(tw, nil); err != nil {
			return nil, err
		}
	}
	tasks = append(tasks, notify.Task("whatsapp", notifier))

	if len(cfg.Kafka.Brokers) > 0 {
		pub := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic, logger)
		a.closers = append(a.closers, pub.Close)
		tasks = append(tasks, pub.Task())
	}
	return tasks, nil
}

// Close runs the closers in reverse order of registration.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
