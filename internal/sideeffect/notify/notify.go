// Package notify delivers booking confirmations to customers and to other
// systems.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

// Notifier sends a text message to a phone number.
type Notifier interface {
	Notify(ctx context.Context, to, body string) (ref string, err error)
}

var eat = time.FixedZone("EAT", 3*60*60)

// ConfirmationMessage is the customer-facing text for a paid booking.
func ConfirmationMessage(b ledger.Booking, p ledger.Payment) string {
	return fmt.Sprintf(
		"Hi %s, your %s booking on %s is confirmed. Deposit of KES %s received (M-Pesa receipt %s).",
		firstName(b.CustomerName), b.ServiceName,
		b.ScheduledAt.In(eat).Format("Mon 02 Jan at 15:04"),
		p.Amount.StringFixed(2), p.Receipt,
	)
}

func firstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return "there"
}

// Task sends the confirmation message via n.
func Task(name string, n Notifier) sideeffect.Task {
	return sideeffect.NewTask(name, func(ctx context.Context, c sideeffect.Confirmation) (string, error) {
		return n.Notify(ctx, c.Booking.Phone, ConfirmationMessage(c.Booking, c.Payment))
	})
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, to, body string) (string, error) {
	n.logger.Info("notification", zap.String("to", to), zap.String("body", body))
	return "log", nil
}
