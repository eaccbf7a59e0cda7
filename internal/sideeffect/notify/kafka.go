package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

const EventBookingConfirmed = "booking.confirmed"

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConfirmedEvent is published once per paid booking, keyed by booking id.
type ConfirmedEvent struct {
	Type        string          `json:"type"`
	BookingID   string          `json:"bookingId"`
	PaymentID   string          `json:"paymentId"`
	Receipt     string          `json:"receipt"`
	Amount      decimal.Decimal `json:"amount"`
	Phone       string          `json:"phone"`
	Service     string          `json:"service"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	ConfirmedAt time.Time       `json:"confirmedAt"`
}

// KafkaPublisher emits booking events for downstream consumers.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
	}
}

func NewKafkaPublisher(w MessageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// Publish writes e keyed by its booking id.
func (p *KafkaPublisher) Publish(ctx context.Context, e ConfirmedEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.BookingID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	p.logger.Debug("event published",
		zap.String("topic", p.topic),
		zap.String("type", e.Type),
		zap.String("booking_id", e.BookingID),
	)
	return nil
}

// Task publishes a booking.confirmed event.
func (p *KafkaPublisher) Task() sideeffect.Task {
	return sideeffect.NewTask("event", func(ctx context.Context, c sideeffect.Confirmation) (string, error) {
		err := p.Publish(ctx, ConfirmedEvent{
			Type:        EventBookingConfirmed,
			BookingID:   c.Booking.ID,
			PaymentID:   c.Payment.ID,
			Receipt:     c.Payment.Receipt,
			Amount:      c.Payment.Amount,
			Phone:       c.Booking.Phone,
			Service:     c.Booking.ServiceName,
			ScheduledAt: c.Booking.ScheduledAt,
			ConfirmedAt: c.Payment.UpdatedAt,
		})
		if err != nil {
			return "", err
		}
		return p.topic, nil
	})
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
