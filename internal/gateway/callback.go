package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Callback is a decoded asynchronous provider notification. Only Token is
// used to match it to a payment; the observed fields are informational.
type Callback struct {
	Token             string
	MerchantRequestID string
	Outcome           Outcome
	ResultCode        int
	ResultDesc        string
	Receipt           string
	Amount            decimal.Decimal
	Phone             string
	TransactionDate   time.Time
}
