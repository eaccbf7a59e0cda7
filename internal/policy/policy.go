// Package policy computes the deposit due for a catalog service from a
// configurable govaluate expression.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"

	"github.com/yourorg/deposit-orchestrator/internal/catalog"
)

// DefaultExpression charges 30% of the list price.
const DefaultExpression = "price * 0.3"

var ErrInvalidDeposit = errors.New("deposit expression produced an invalid amount")

// DepositPolicy evaluates a compiled expression over the parameters
// price (number) and service, category (strings).
type DepositPolicy struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewDepositPolicy compiles expression. An empty expression uses DefaultExpression.
func NewDepositPolicy(expression string) (*DepositPolicy, error) {
	if strings.TrimSpace(expression) == "" {
		expression = DefaultExpression
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("compile deposit expression %q: %w", expression, err)
	}
	return &DepositPolicy{source: expression, expr: expr}, nil
}

// Expression returns the source of the compiled expression.
func (p *DepositPolicy) Expression() string { return p.source }

// Deposit returns the amount due up front for svc, rounded to cents. The
// result must be positive and must not exceed the list price.
func (p *DepositPolicy) Deposit(svc catalog.Service) (decimal.Decimal, error) {
	price, _ := svc.Price.Float64()
	raw, err := p.expr.Evaluate(map[string]interface{}{
		"price":    price,
		"service":  svc.Name,
		"category": svc.Category,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("evaluate deposit for %q: %w", svc.Name, err)
	}
	f, ok := raw.(float64)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %v is %T, not a number", ErrInvalidDeposit, raw, raw)
	}
	amount := decimal.NewFromFloat(f).Round(2)
	if !amount.IsPositive() || amount.GreaterThan(svc.Price) {
		return decimal.Zero, fmt.Errorf("%w: %s for price %s", ErrInvalidDeposit, amount, svc.Price)
	}
	return amount, nil
}
