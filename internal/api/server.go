// Package api is the HTTP surface of the deposit service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/booking"
	"github.com/yourorg/deposit-orchestrator/internal/catalog"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/circuitbreaker"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/monitor"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
	"github.com/yourorg/deposit-orchestrator/internal/reporting"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/receipt"
)

// Webhooks applies provider callbacks. *reconcile.Engine satisfies it.
type Webhooks interface {
	ApplyWebhook(ctx context.Context, w reconcile.Webhook) (reconcile.Outcome, error)
}

// Deps are the collaborators of the HTTP handlers. Breaker may be nil.
type Deps struct {
	Bookings *booking.Service
	Catalog  *catalog.Catalog
	Webhooks Webhooks
	Receipts *receipt.Generator
	Reporter *reporting.RetrospectiveReporter
	Store    ledger.Store
	Breaker  *circuitbreaker.CircuitBreaker
	Provider string
}

// Options tune the router.
type Options struct {
	ServiceName string
	CORSOrigins []string
	// Location interprets booking dates and times.
	Location *time.Location
}

type handler struct {
	deps     Deps
	opts     Options
	logger   *zap.Logger
	bookings *monitor.ContractMonitor
	payments *monitor.ContractMonitor
	callback *monitor.ContractMonitor
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps, opts Options, logger *zap.Logger) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "deposit-orchestrator"
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("EAT", 3*60*60)
	}
	h := &handler{
		deps:     deps,
		opts:     opts,
		logger:   logger.With(zap.String("component", "api")),
		bookings: monitor.MustLoad(monitor.ContractBookingRequest),
		payments: monitor.MustLoad(monitor.ContractPaymentRequest),
		callback: monitor.MustLoad(monitor.ContractSTKCallback),
	}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(opts.ServiceName), h.accessLog)
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/services", h.listServices)

	r.POST("/bookings", h.createBooking)
	r.GET("/bookings", h.listBookings)
	r.POST("/bookings/full-flow", h.fullFlow)
	r.POST("/bookings/sync-calendar", h.syncCalendar)
	r.GET("/bookings/:id", h.bookingStatus)
	r.POST("/bookings/:id/cancel", h.cancelBooking)
	r.POST("/bookings/:id/payments", h.initiatePayment)
	r.GET("/bookings/:id/payments", h.listPayments)

	r.POST("/payments/callback", h.paymentCallback)

	r.POST("/receipts/:bookingId", h.regenerateReceipt)
	r.GET("/receipts/:bookingId", h.downloadReceipt)

	r.GET("/reports/retrospective", h.retrospective)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func (h *handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)),
	)
}
