// Package reporting summarizes payment activity recorded in the ledger.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
)

// RetrospectiveReport summarizes the payments raised in a window.
type RetrospectiveReport struct {
	TotalPayments   int                   `json:"totalPayments"`
	Successful      int                   `json:"successful"`
	Failed          int                   `json:"failed"`
	Unresolved      int                   `json:"unresolved"`
	Superseded      int                   `json:"superseded"`
	AmountCollected decimal.Decimal       `json:"amountCollected"`
	ResolvedBy      map[ledger.Source]int `json:"resolvedBy"`
	FailureReasons  map[string]int        `json:"failureReasons"`
	// LateConfirmations counts successes that took longer than the
	// reporter's LateAfter to resolve.
	LateConfirmations int           `json:"lateConfirmations"`
	MeanTimeToResolve time.Duration `json:"meanTimeToResolve"`
	DateFrom          time.Time     `json:"dateFrom"`
	DateTo            time.Time     `json:"dateTo"`
}

// RetrospectiveReporter generates retrospective reports from payments.
type RetrospectiveReporter struct {
	lateAfter time.Duration
}

// NewRetrospectiveReporter creates a reporter. Successes resolved more than
// lateAfter after creation count as late.
func NewRetrospectiveReporter(lateAfter time.Duration) *RetrospectiveReporter {
	return &RetrospectiveReporter{lateAfter: lateAfter}
}

// Generate analyzes payments and produces a report.
func (rr *RetrospectiveReporter) Generate(payments []ledger.Payment) *RetrospectiveReport {
	report := &RetrospectiveReport{
		AmountCollected: decimal.Zero,
		ResolvedBy:      make(map[ledger.Source]int),
		FailureReasons:  make(map[string]int),
	}

	var resolveTotal time.Duration
	var resolved int
	for i, p := range payments {
		report.TotalPayments++
		if i == 0 || p.CreatedAt.Before(report.DateFrom) {
			report.DateFrom = p.CreatedAt
		}
		if p.CreatedAt.After(report.DateTo) {
			report.DateTo = p.CreatedAt
		}

		switch p.Status {
		case ledger.PaymentSuccess:
			report.Successful++
			report.AmountCollected = report.AmountCollected.Add(p.Amount)
			if rr.lateAfter > 0 && p.UpdatedAt.Sub(p.CreatedAt) > rr.lateAfter {
				report.LateConfirmations++
			}
		case ledger.PaymentFailed:
			report.Failed++
			if p.FailureReason == ledger.ReasonBookingNotPending {
				report.Superseded++
			}
			if p.FailureReason != "" {
				report.FailureReasons[p.FailureReason]++
			}
		default:
			report.Unresolved++
			continue
		}
		if p.ResolvedBy != "" {
			report.ResolvedBy[p.ResolvedBy]++
		}
		resolveTotal += p.UpdatedAt.Sub(p.CreatedAt)
		resolved++
	}
	if resolved > 0 {
		report.MeanTimeToResolve = resolveTotal / time.Duration(resolved)
	}
	return report
}

// GenerateSince reports on every payment created at or after since.
func (rr *RetrospectiveReporter) GenerateSince(ctx context.Context, store ledger.Store, since time.Time) (*RetrospectiveReport, error) {
	payments, err := store.ListPaymentsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return rr.Generate(payments), nil
}
