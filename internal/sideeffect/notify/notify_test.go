package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/notify"
)

func confirmation() sideeffect.Confirmation {
	return sideeffect.Confirmation{
		Booking: ledger.Booking{
			ID:           "b-1",
			CustomerName: "Amina Wanjiru",
			Phone:        "254712345678",
			ServiceName:  "Haircut",
			ScheduledAt:  time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC),
			Status:       ledger.BookingPaid,
		},
		Payment: ledger.Payment{
			ID:        "p-1",
			BookingID: "b-1",
			Amount:    decimal.NewFromInt(300),
			Status:    ledger.PaymentSuccess,
			Receipt:   "R1",
		},
	}
}

func TestConfirmationMessage(t *testing.T) {
	c := confirmation()
	assert.Equal(t,
		"Hi Amina, your Haircut booking on Sat 14 Mar at 10:00 is confirmed. Deposit of KES 300.00 received (M-Pesa receipt R1).",
		notify.ConfirmationMessage(c.Booking, c.Payment),
	)
}

func TestWhatsAppAddress(t *testing.T) {
	for in, want := range map[string]string{
		"254712345678":           "whatsapp:+254712345678",
		"+254712345678":          "whatsapp:+254712345678",
		"whatsapp:+254712345678": "whatsapp:+254712345678",
		" 254712345678 ":         "whatsapp:+254712345678",
	} {
		assert.Equal(t, want, notify.WhatsAppAddress(in), in)
	}
}

// redirect sends every request to srv, whatever host the SDK targets.
type redirect struct{ target *url.URL }

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func twilioServer(t *testing.T, h http.HandlerFunc) *http.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{Transport: redirect{target: target}, Timeout: 5 * time.Second}
}

func TestTwilio_Notify(t *testing.T) {
	hc := twilioServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "whatsapp:+14155550100", r.PostForm.Get("From"))
		assert.Equal(t, "whatsapp:+254712345678", r.PostForm.Get("To"))
		assert.Equal(t, "hello", r.PostForm.Get("Body"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	})

	tw, err := notify.NewTwilio(notify.TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+14155550100",
	}, hc)
	require.NoError(t, err)

	sid, err := tw.Notify(context.Background(), "254712345678", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM1", sid)
}

func TestTwilio_DefaultsToSandboxSender(t *testing.T) {
	var from string
	hc := twilioServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		from = r.PostForm.Get("From")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM2"}`))
	})

	tw, err := notify.NewTwilio(notify.TwilioConfig{AccountSID: "AC123", AuthToken: "secret"}, hc)
	require.NoError(t, err)
	_, err = tw.Notify(context.Background(), "254712345678", "hello")
	require.NoError(t, err)
	assert.Equal(t, notify.DefaultWhatsAppFrom, from)
}

func TestTwilio_Errors(t *testing.T) {
	_, err := notify.NewTwilio(notify.TwilioConfig{AccountSID: "AC123"}, nil)
	assert.ErrorIs(t, err, notify.ErrTwilioNotConfigured)

	hc := twilioServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":63007,"message":"Twilio could not find a Channel with the specified From address","status":400}`))
	})

	tw, err := notify.NewTwilio(notify.TwilioConfig{AccountSID: "AC1", AuthToken: "x", From: "whatsapp:+1"}, hc)
	require.NoError(t, err)
	_, err = tw.Notify(context.Background(), "254712345678", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "63007")
	assert.Contains(t, err.Error(), "could not find a Channel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tw.Notify(ctx, "254712345678", "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := notify.NewLogNotifier(zap.New(core))

	ref, err := notify.Task("whatsapp", n).Run(context.Background(), confirmation())
	require.NoError(t, err)
	assert.Equal(t, "log", ref)

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "254712345678", entries[0].ContextMap()["to"])
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaPublisher_Task(t *testing.T) {
	w := &mockWriter{}
	var sent []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]kafka.Message) }).
		Return(nil).Once()
	w.On("Close").Return(nil)

	p := notify.NewKafkaPublisher(w, "bookings", zap.NewNop())
	ref, err := p.Task().Run(context.Background(), confirmation())
	require.NoError(t, err)
	assert.Equal(t, "bookings", ref)

	require.Len(t, sent, 1)
	assert.Equal(t, "b-1", string(sent[0].Key))
	var ev notify.ConfirmedEvent
	require.NoError(t, json.Unmarshal(sent[0].Value, &ev))
	assert.Equal(t, notify.EventBookingConfirmed, ev.Type)
	assert.Equal(t, "R1", ev.Receipt)
	assert.True(t, decimal.NewFromInt(300).Equal(ev.Amount))

	require.NoError(t, p.Close())
	w.AssertExpectations(t)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker unreachable"))

	p := notify.NewKafkaPublisher(w, "bookings", zap.NewNop())
	_, err := p.Task().Run(context.Background(), confirmation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}
