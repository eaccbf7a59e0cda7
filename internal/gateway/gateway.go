// Package gateway defines the push-payment provider contract used by the
// booking and reconciliation layers, plus the provider-independent pieces:
// request validation, phone normalization and the transient error taxonomy.
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Outcome is the provider's view of a push request.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// InitiateRequest asks the provider to push a payment prompt to a phone.
type InitiateRequest struct {
	Phone     string
	Amount    decimal.Decimal
	BookingID string
}

// InitiateResult is the provider's synchronous answer to a push request.
// Token is empty when the provider issued none.
type InitiateResult struct {
	Token             string
	MerchantRequestID string
	Accepted          bool
	ResponseCode      string
	Description       string
	CustomerMessage   string
}

// QueryResult is the provider's current view of a push request.
type QueryResult struct {
	Outcome    Outcome
	Receipt    string
	ResultCode string
	ResultDesc string
}

// Client issues push payments and queries their status.
type Client interface {
	Name() string
	// Initiate sends a push request. Transport and authentication failures
	// are returned as errors matching ErrTransient and never carry a token.
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	// Query asks the provider for the outcome of the request keyed by token.
	Query(ctx context.Context, token string) (QueryResult, error)
}

// Validate checks amount and phone and returns req with the phone normalized.
func (req InitiateRequest) Validate() (InitiateRequest, error) {
	if !req.Amount.IsPositive() {
		return req, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return req, err
	}
	req.Phone = phone
	return req, nil
}
