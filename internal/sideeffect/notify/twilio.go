package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultWhatsAppFrom is the Twilio WhatsApp sandbox sender.
const DefaultWhatsAppFrom = "whatsapp:+14155238886"

var ErrTwilioNotConfigured = errors.New("twilio not configured")

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the WhatsApp-enabled sender, with or without the whatsapp:
	// prefix. Empty means the sandbox number.
	From string
}

// Configured reports whether the account credentials are present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// Twilio sends WhatsApp messages through the Twilio Messages API.
type Twilio struct {
	from string
	rest *twilio.RestClient
}

// NewTwilio builds a sender. A nil httpClient gets a 10s timeout client; the
// SDK call does not take a context, so that timeout bounds each send.
func NewTwilio(cfg TwilioConfig, httpClient *http.Client) (*Twilio, error) {
	if !cfg.Configured() {
		return nil, ErrTwilioNotConfigured
	}
	if cfg.From == "" {
		cfg.From = DefaultWhatsAppFrom
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	base := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(cfg.AccountSID)
	return &Twilio{
		from: WhatsAppAddress(cfg.From),
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
	}, nil
}

// WhatsAppAddress formats a phone number as a Twilio WhatsApp address.
func WhatsAppAddress(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return "whatsapp:" + phone
}

// Notify sends body to the WhatsApp number to and returns the message sid.
func (t *Twilio) Notify(ctx context.Context, to, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(WhatsAppAddress(to))
	params.SetBody(body)

	msg, err := t.rest.Api.CreateMessage(params)
	if err != nil {
		var apiErr *twilioclient.TwilioRestError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("send whatsapp: twilio %d: %s", apiErr.Code, apiErr.Message)
		}
		return "", fmt.Errorf("send whatsapp: %w", err)
	}
	if msg.Sid == nil {
		return "", errors.New("send whatsapp: response has no message sid")
	}
	return *msg.Sid, nil
}
