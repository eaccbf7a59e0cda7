package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/booking"
	"github.com/yourorg/deposit-orchestrator/internal/gateway/daraja"
	"github.com/yourorg/deposit-orchestrator/internal/monitor"
	"github.com/yourorg/deposit-orchestrator/internal/reconcile"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/receipt"
)

const maxBody = 1 << 20

type bookingRequest struct {
	CustomerName string `json:"customerName"`
	Phone        string `json:"phone"`
	Service      string `json:"service"`
	Date         string `json:"date"`
	Time         string `json:"time"`
}

type paymentRequest struct {
	Phone string `json:"phone"`
}

func (h *handler) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "gateway": h.deps.Provider}
	if h.deps.Breaker != nil {
		state, failures := h.deps.Breaker.GetProviderStatus(h.deps.Provider)
		resp["breaker"] = gin.H{"state": state.String(), "failures": failures}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) listServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"business": h.deps.Catalog.Business(),
		"services": h.deps.Catalog.Categories(),
	})
}

// readContract reads the body and checks it against cm, writing a 400 on
// any problem.
func (h *handler) readContract(c *gin.Context, cm *monitor.ContractMonitor) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	ok, violations, err := cm.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return nil, false
	}
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations)})
		return nil, false
	}
	return body, true
}

func (h *handler) bindBooking(c *gin.Context) (booking.Request, bool) {
	body, ok := h.readContract(c, h.bookings)
	if !ok {
		return booking.Request{}, false
	}
	var req bookingRequest
	if err := bindJSON(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return booking.Request{}, false
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, h.opts.Location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date or time: " + err.Error()})
		return booking.Request{}, false
	}
	return booking.Request{
		CustomerName: req.CustomerName,
		Phone:        req.Phone,
		ServiceName:  req.Service,
		ScheduledAt:  at,
	}, true
}

func (h *handler) createBooking(c *gin.Context) {
	req, ok := h.bindBooking(c)
	if !ok {
		return
	}
	b, err := h.deps.Bookings.CreateBooking(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *handler) fullFlow(c *gin.Context) {
	req, ok := h.bindBooking(c)
	if !ok {
		return
	}
	res, err := h.deps.Bookings.BookAndPay(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) listBookings(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := h.deps.Bookings.ListBookings(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": list})
}

func (h *handler) syncCalendar(c *gin.Context) {
	report, err := h.deps.Bookings.Resync(c.Request.Context(), "calendar")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) bookingStatus(c *gin.Context) {
	view, err := h.deps.Bookings.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) cancelBooking(c *gin.Context) {
	b, err := h.deps.Bookings.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *handler) initiatePayment(c *gin.Context) {
	body, ok := h.readContract(c, h.payments)
	if !ok {
		return
	}
	var req paymentRequest
	if err := bindJSON(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	pay, err := h.deps.Bookings.InitiatePayment(c.Request.Context(), c.Param("id"), req.Phone)
	if err != nil {
		resp := gin.H{"error": err.Error()}
		if pay.ID != "" {
			resp["payment"] = pay
		}
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			h.fail(c, err)
			return
		}
		c.JSON(code, resp)
		return
	}
	c.JSON(http.StatusAccepted, pay)
}

func (h *handler) listPayments(c *gin.Context) {
	list, err := h.deps.Bookings.ListPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}

// paymentCallback always acknowledges; the provider must never see our errors.
func (h *handler) paymentCallback(c *gin.Context) {
	defer c.JSON(http.StatusOK, daraja.Accepted)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		h.logger.Warn("read callback body", zap.Error(err))
		return
	}
	if ok, violations, err := h.callback.Validate(body); err != nil || !ok {
		h.logger.Warn("callback violates contract",
			zap.Strings("violations", violations), zap.Error(err))
		return
	}
	cb, err := daraja.ParseCallback(body)
	if err != nil {
		h.logger.Warn("malformed callback", zap.Error(err))
		return
	}
	out, err := h.deps.Webhooks.ApplyWebhook(c.Request.Context(), reconcile.Webhook{
		Token:          cb.Token,
		Outcome:        cb.Outcome,
		Receipt:        cb.Receipt,
		Reason:         cb.ResultDesc,
		ObservedPhone:  cb.Phone,
		ObservedAmount: cb.Amount,
	})
	if err != nil {
		h.logger.Error("apply callback", zap.String("correlation_token", cb.Token), zap.Error(err))
		return
	}
	h.logger.Debug("callback processed",
		zap.String("correlation_token", cb.Token), zap.String("result", string(out.Result)))
}

func (h *handler) regenerateReceipt(c *gin.Context) {
	conf, err := h.deps.Bookings.Confirmation(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	path, err := h.deps.Receipts.Generate(c.Request.Context(), conf.Booking, conf.Payment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bookingId": conf.Booking.ID, "receipt": conf.Payment.Receipt, "path": path})
}

func (h *handler) downloadReceipt(c *gin.Context) {
	data, err := h.deps.Receipts.Open(c.Param("bookingId"))
	if errors.Is(err, receipt.ErrNotPaid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(h.deps.Receipts.Path(c.Param("bookingId")))))
	c.Data(http.StatusOK, receipt.ContentType, data)
}

func (h *handler) retrospective(c *gin.Context) {
	window := 24 * time.Hour
	if v := c.Query("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid since %q", v)})
			return
		}
		window = d
	}
	report, err := h.deps.Reporter.GenerateSince(c.Request.Context(), h.deps.Store, time.Now().Add(-window))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func bindJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
