package calendar_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect/calendar"
)

type countingTokenSource struct {
	calls atomic.Int32
}

func (s *countingTokenSource) Token() (*oauth2.Token, error) {
	n := s.calls.Add(1)
	return &oauth2.Token{AccessToken: fmt.Sprintf("tok-%d", n), TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
}

func appointment() calendar.Event {
	return calendar.Event{
		Service:  "Haircut",
		Customer: "Amina",
		Phone:    "254712345678",
		Start:    time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC),
	}
}

func TestClient_CreateEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/salon@group.calendar.google.com/events", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt-1","htmlLink":"https://calendar.google.com/evt-1"}`))
	}))
	defer srv.Close()

	ts := &countingTokenSource{}
	c, err := calendar.New(context.Background(), calendar.Config{
		CalendarID:  "salon@group.calendar.google.com",
		TokenSource: ts,
		Location:    "Glow Haven Beauty Lounge",
	}, option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	id, err := c.CreateEvent(context.Background(), appointment())
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	assert.Equal(t, "Haircut - Amina", got["summary"])
	assert.Equal(t, "Glow Haven Beauty Lounge", got["location"])
	start := got["start"].(map[string]any)
	end := got["end"].(map[string]any)
	assert.Equal(t, "2026-03-14T10:00:00+03:00", start["dateTime"])
	assert.Equal(t, "2026-03-14T11:00:00+03:00", end["dateTime"])
	assert.Equal(t, "Africa/Nairobi", start["timeZone"])

	reminders := got["reminders"].(map[string]any)
	assert.Equal(t, false, reminders["useDefault"])
	assert.Len(t, reminders["overrides"], 2)
}

// serviceAccountJSON returns a key file whose token_uri points at tokenURL.
func serviceAccountJSON(t *testing.T, tokenURL string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "glow-haven",
		"private_key_id": "k1",
		"private_key":    string(keyPEM),
		"client_email":   "bookings@glow-haven.iam.gserviceaccount.com",
		"client_id":      "1",
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return data
}

func TestClient_ServiceAccountTokensAreRefreshed(t *testing.T) {
	var issued atomic.Int32
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))
		assert.NotEmpty(t, r.PostForm.Get("assertion"))
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// expires inside the refresh margin, so every call needs a new token
		_, _ = fmt.Fprintf(w, `{"access_token":"sa-%d","token_type":"Bearer","expires_in":1}`, n)
	})
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := calendar.New(context.Background(), calendar.Config{
		CalendarID:      "primary",
		CredentialsJSON: serviceAccountJSON(t, srv.URL+"/token"),
	}, option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.CreateEvent(context.Background(), appointment())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), issued.Load())
	assert.Equal(t, []string{"Bearer sa-1", "Bearer sa-2"}, seen)
}

func TestNew_BadCredentials(t *testing.T) {
	_, err := calendar.New(context.Background(), calendar.Config{
		CalendarID:      "primary",
		CredentialsJSON: []byte(`{not json`),
	})
	assert.Error(t, err)
}

func TestClient_NotConfigured(t *testing.T) {
	for name, cfg := range map[string]calendar.Config{
		"empty":          {},
		"no credentials": {CalendarID: "primary"},
		"no calendar":    {TokenSource: &countingTokenSource{}},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := calendar.New(context.Background(), cfg)
			require.NoError(t, err)

			_, err = c.CreateEvent(context.Background(), calendar.Event{})
			assert.ErrorIs(t, err, calendar.ErrNotConfigured)
			assert.True(t, errors.Is(err, sideeffect.ErrSkipped))
		})
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Calendar not shared with service account"}}`))
	}))
	defer srv.Close()

	c, err := calendar.New(context.Background(), calendar.Config{CalendarID: "primary", TokenSource: &countingTokenSource{}},
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	_, err = c.CreateEvent(context.Background(), calendar.Event{Start: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Calendar not shared with service account")
}

func TestNew_BadTimeZone(t *testing.T) {
	_, err := calendar.New(context.Background(), calendar.Config{TimeZone: "Mars/Olympus"})
	assert.Error(t, err)
}
