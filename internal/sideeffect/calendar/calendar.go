// Package calendar books confirmed appointments into a shared Google
// Calendar. It authenticates with a service account key; access tokens are
// refreshed by the oauth2 token source as they expire.
package calendar

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

const (
	DefaultTimeZone = "Africa/Nairobi"
	// DefaultDuration is the length of every appointment.
	DefaultDuration = time.Hour
)

// ErrNotConfigured is returned when no calendar or credentials are set.
var ErrNotConfigured = fmt.Errorf("calendar not configured: %w", sideeffect.ErrSkipped)

type Config struct {
	CalendarID string
	// CredentialsJSON is a service account key that the calendar is shared with.
	CredentialsJSON []byte
	// TokenSource overrides CredentialsJSON.
	TokenSource oauth2.TokenSource
	TimeZone    string
	// Location is shown on the event, usually the business name.
	Location string
}

type Client struct {
	cfg Config
	loc *time.Location
	svc *gcal.Service
}

// New builds a client. Without a calendar id or credentials the client is
// valid but every CreateEvent returns ErrNotConfigured. opts are passed to
// the Calendar service, e.g. option.WithEndpoint.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.TimeZone == "" {
		cfg.TimeZone = DefaultTimeZone
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("calendar time zone %q: %w", cfg.TimeZone, err)
	}
	c := &Client{cfg: cfg, loc: loc}

	ts := cfg.TokenSource
	if ts == nil && len(cfg.CredentialsJSON) > 0 {
		creds, err := google.CredentialsFromJSON(ctx, cfg.CredentialsJSON, gcal.CalendarEventsScope)
		if err != nil {
			return nil, fmt.Errorf("calendar credentials: %w", err)
		}
		ts = creds.TokenSource
	}
	if cfg.CalendarID == "" || ts == nil {
		return c, nil
	}

	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	if c.svc, err = gcal.NewService(ctx, opts...); err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return c, nil
}

// Event describes the appointment to create.
type Event struct {
	Service  string
	Customer string
	Phone    string
	Start    time.Time
}

func (c *Client) buildEvent(e Event) *gcal.Event {
	start := e.Start.In(c.loc)
	end := start.Add(DefaultDuration)
	return &gcal.Event{
		Summary:     e.Service + " - " + e.Customer,
		Location:    c.cfg.Location,
		Description: fmt.Sprintf("Customer: %s\nPhone: %s\nService: %s", e.Customer, e.Phone, e.Service),
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: c.cfg.TimeZone},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "popup", Minutes: 30},
				{Method: "email", Minutes: 60},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
}

// CreateEvent inserts e and returns the new event id.
func (c *Client) CreateEvent(ctx context.Context, e Event) (string, error) {
	if c.svc == nil {
		return "", ErrNotConfigured
	}
	out, err := c.svc.Events.Insert(c.cfg.CalendarID, c.buildEvent(e)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create calendar event: %w", err)
	}
	return out.Id, nil
}

// Task adapts the client to the side effect dispatcher.
func (c *Client) Task() sideeffect.Task {
	return sideeffect.NewTask("calendar", func(ctx context.Context, conf sideeffect.Confirmation) (string, error) {
		return c.CreateEvent(ctx, Event{
			Service:  conf.Booking.ServiceName,
			Customer: conf.Booking.CustomerName,
			Phone:    conf.Booking.Phone,
			Start:    conf.Booking.ScheduledAt,
		})
	})
}
