package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/booking"
	"github.com/yourorg/deposit-orchestrator/internal/catalog"
	"github.com/yourorg/deposit-orchestrator/internal/gateway"
	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/policy"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBookingNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, catalog.ErrServiceNotFound),
		errors.Is(err, sideeffect.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, gateway.ErrInvalidPhone),
		errors.Is(err, gateway.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrBookingNotPending),
		errors.Is(err, booking.ErrNotPaid):
		return http.StatusConflict
	case errors.Is(err, booking.ErrPaymentRejected),
		errors.Is(err, policy.ErrInvalidDeposit):
		return http.StatusUnprocessableEntity
	case gateway.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
