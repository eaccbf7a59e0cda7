// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/yourorg/deposit-orchestrator/internal/policy"
)

const (
	ProviderMock   = "mock"
	ProviderDaraja = "daraja"
)

type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	// CORSOrigins is a comma separated allow list; "*" allows any origin.
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	// DatabaseURL selects the Postgres ledger; empty keeps it in memory.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	CatalogPath       string `envconfig:"CATALOG_PATH" default:"configs/catalog.yaml"`
	DepositExpression string `envconfig:"DEPOSIT_EXPRESSION" default:"price * 0.3"`

	GatewayProvider string `envconfig:"GATEWAY_PROVIDER" default:"mock"`
	// MockAutoApprove makes the mock gateway report success this long after initiation.
	MockAutoApprove time.Duration `envconfig:"MOCK_AUTO_APPROVE" default:"0s"`
	Mpesa           Mpesa

	PollTimeout        time.Duration `envconfig:"POLL_TIMEOUT" default:"60s"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"2s"`
	PollQueryAfter     time.Duration `envconfig:"POLL_QUERY_AFTER" default:"20s"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepStaleAfter    time.Duration `envconfig:"SWEEP_STALE_AFTER" default:"2m"`
	InitiateMaxRetries int           `envconfig:"INITIATE_MAX_RETRIES" default:"2"`
	BreakerThreshold   int           `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerReset       time.Duration `envconfig:"BREAKER_RESET" default:"30s"`

	SideEffectWorkers int           `envconfig:"SIDE_EFFECT_WORKERS" default:"4"`
	SideEffectQueue   int           `envconfig:"SIDE_EFFECT_QUEUE" default:"256"`
	SideEffectTimeout time.Duration `envconfig:"SIDE_EFFECT_TIMEOUT" default:"10s"`
	SideEffectWait    time.Duration `envconfig:"SIDE_EFFECT_WAIT" default:"15s"`

	ReceiptDir string `envconfig:"RECEIPT_DIR" default:"receipts"`
	Calendar   Calendar
	Twilio     Twilio
	Kafka      Kafka

	TracingEnabled bool `envconfig:"TRACING_ENABLED" default:"false"`
}

type Mpesa struct {
	Env             string `envconfig:"MPESA_ENV" default:"sandbox"`
	ConsumerKey     string `envconfig:"MPESA_CONSUMER_KEY"`
	ConsumerSecret  string `envconfig:"MPESA_CONSUMER_SECRET"`
	ShortCode       string `envconfig:"MPESA_SHORTCODE"`
	PassKey         string `envconfig:"MPESA_PASSKEY"`
	CallbackURL     string `envconfig:"MPESA_CALLBACK_URL"`
	TransactionDesc string `envconfig:"MPESA_TRANSACTION_DESC" default:"Booking deposit"`
}

type Calendar struct {
	ID string `envconfig:"GOOGLE_CALENDAR_ID"`
	// CredentialsFile is a service account JSON key the calendar is shared with.
	CredentialsFile string `envconfig:"GOOGLE_CALENDAR_CREDENTIALS_FILE"`
	TimeZone        string `envconfig:"CALENDAR_TIMEZONE" default:"Africa/Nairobi"`
}

type Twilio struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	From       string `envconfig:"TWILIO_WHATSAPP_NUMBER" default:"whatsapp:+14155238886"`
}

type Kafka struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"bookings"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints. It reports every problem found.
func (c Config) Validate() error {
	var errs []error
	switch c.GatewayProvider {
	case ProviderMock:
	case ProviderDaraja:
		m := c.Mpesa
		for name, v := range map[string]string{
			"MPESA_CONSUMER_KEY":    m.ConsumerKey,
			"MPESA_CONSUMER_SECRET": m.ConsumerSecret,
			"MPESA_SHORTCODE":       m.ShortCode,
			"MPESA_PASSKEY":         m.PassKey,
			"MPESA_CALLBACK_URL":    m.CallbackURL,
		} {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("%s is required for the daraja gateway", name))
			}
		}
		if m.Env != "sandbox" && m.Env != "production" {
			errs = append(errs, fmt.Errorf("MPESA_ENV must be sandbox or production, got %q", m.Env))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.PollInterval >= c.PollTimeout {
		errs = append(errs, errors.New("POLL_INTERVAL must be shorter than POLL_TIMEOUT"))
	}
	if c.SweepInterval <= 0 || c.SweepStaleAfter <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL and SWEEP_STALE_AFTER must be positive"))
	}
	if c.InitiateMaxRetries < 0 {
		errs = append(errs, errors.New("INITIATE_MAX_RETRIES must not be negative"))
	}
	if c.SideEffectWorkers <= 0 || c.SideEffectQueue <= 0 {
		errs = append(errs, errors.New("SIDE_EFFECT_WORKERS and SIDE_EFFECT_QUEUE must be positive"))
	}
	if _, err := policy.NewDepositPolicy(c.DepositExpression); err != nil {
		errs = append(errs, fmt.Errorf("DEPOSIT_EXPRESSION: %w", err))
	}
	if (c.Calendar.ID == "") != (c.Calendar.CredentialsFile == "") {
		errs = append(errs, errors.New("GOOGLE_CALENDAR_ID and GOOGLE_CALENDAR_CREDENTIALS_FILE must be set together"))
	}
	return errors.Join(errs...)
}
