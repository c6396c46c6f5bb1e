// Package google adapts the Google Calendar API to the reconciler's
// GoogleClient interface. The low-level API is kept behind a narrow
// interface so tests can substitute a fake without touching the wire.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

const (
	defaultCalendarID = "primary"
	listPageSize      = 250
)

// API is the slice of the Calendar service the client needs.
type API interface {
	ListEvents(ctx context.Context, timeMin string, pageToken string) (*calendar.Events, error)
	CreateEvent(ctx context.Context, ev *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, id string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// LowLevelAPI is the production API implementation over the real
// Calendar service.
type LowLevelAPI struct {
	service    *calendar.Service
	calendarID string
}

// Config carries service-account credentials. Impersonate is the user
// whose calendar is reconciled.
type Config struct {
	ClientEmail string
	PrivateKey  string
	Impersonate string
	CalendarID  string
}

// NewLowLevelAPI builds the authenticated Calendar service.
func NewLowLevelAPI(ctx context.Context, cfg Config) (*LowLevelAPI, error) {
	if cfg.ClientEmail == "" || cfg.PrivateKey == "" {
		return nil, errors.New("google: client email and private key are required")
	}
	conf := &jwt.Config{
		Email:      cfg.ClientEmail,
		PrivateKey: []byte(cfg.PrivateKey),
		Scopes:     []string{calendar.CalendarEventsScope},
		TokenURL:   google.JWTTokenURL,
		Subject:    cfg.Impersonate,
	}
	service, err := calendar.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("google: create calendar service: %w", err)
	}
	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	return &LowLevelAPI{service: service, calendarID: calendarID}, nil
}

func (a *LowLevelAPI) ListEvents(ctx context.Context, timeMin string, pageToken string) (*calendar.Events, error) {
	call := a.service.Events.List(a.calendarID).
		TimeMin(timeMin).
		SingleEvents(true).
		MaxResults(listPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *LowLevelAPI) CreateEvent(ctx context.Context, ev *calendar.Event) (*calendar.Event, error) {
	return a.service.Events.Insert(a.calendarID, ev).Context(ctx).Do()
}

func (a *LowLevelAPI) UpdateEvent(ctx context.Context, id string, ev *calendar.Event) (*calendar.Event, error) {
	return a.service.Events.Update(a.calendarID, id, ev).Context(ctx).Do()
}

func (a *LowLevelAPI) DeleteEvent(ctx context.Context, id string) error {
	return a.service.Events.Delete(a.calendarID, id).Context(ctx).Do()
}

// Client implements calsync.GoogleClient on top of API.
type Client struct {
	api    API
	logger calsync.Logger
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

func NewClient(api API, logger calsync.Logger) *Client {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{api: api, logger: logger}
}

func (c *Client) ListEvents(ctx context.Context, from time.Time) ([]calsync.GoogleEvent, error) {
	var out []calsync.GoogleEvent
	pageToken := ""
	for {
		page, err := c.api.ListEvents(ctx, from.Format(time.RFC3339), pageToken)
		if err != nil {
			return nil, fmt.Errorf("google: list events: %w", err)
		}
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			out = append(out, fromAPI(item))
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

func (c *Client) CreateEvent(ctx context.Context, ev calsync.GoogleEvent) (calsync.GoogleEvent, error) {
	created, err := c.api.CreateEvent(ctx, toAPI(ev))
	if err != nil {
		return calsync.GoogleEvent{}, fmt.Errorf("google: create event: %w", err)
	}
	return fromAPI(created), nil
}

func (c *Client) UpdateEvent(ctx context.Context, id string, ev calsync.GoogleEvent) (calsync.GoogleEvent, error) {
	updated, err := c.api.UpdateEvent(ctx, id, toAPI(ev))
	if err != nil {
		return calsync.GoogleEvent{}, fmt.Errorf("google: update event %s: %w", id, err)
	}
	return fromAPI(updated), nil
}

func (c *Client) DeleteEvent(ctx context.Context, id string) (bool, error) {
	err := c.api.DeleteEvent(ctx, id)
	if err == nil {
		return true, nil
	}
	if isGone(err) {
		c.logger.Printf("google: event %s already gone", id)
		return true, nil
	}
	return false, fmt.Errorf("google: delete event %s: %w", id, err)
}

func isGone(err error) bool {
	var ae *googleapi.Error
	if errors.As(err, &ae) {
		return ae.Code == 404 || ae.Code == 410
	}
	return false
}

func fromAPI(ev *calendar.Event) calsync.GoogleEvent {
	out := calsync.GoogleEvent{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Updated:     ev.Updated,
	}
	if ev.Start != nil {
		out.Start = calsync.GoogleDateTime{DateTime: ev.Start.DateTime, Date: ev.Start.Date, TimeZone: ev.Start.TimeZone}
	}
	if ev.End != nil {
		out.End = calsync.GoogleDateTime{DateTime: ev.End.DateTime, Date: ev.End.Date, TimeZone: ev.End.TimeZone}
	}
	for _, att := range ev.Attendees {
		if att != nil && att.Email != "" {
			out.Attendees = append(out.Attendees, calsync.GoogleAttendee{Email: att.Email})
		}
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		out.Private = make(map[string]string, len(ev.ExtendedProperties.Private))
		for k, v := range ev.ExtendedProperties.Private {
			out.Private[k] = v
		}
	}
	return out
}

func toAPI(ev calsync.GoogleEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.DateTime, Date: ev.Start.Date, TimeZone: ev.Start.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End.DateTime, Date: ev.End.Date, TimeZone: ev.End.TimeZone},
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: att.Email})
	}
	if len(ev.Private) > 0 {
		private := make(map[string]string, len(ev.Private))
		for k, v := range ev.Private {
			private[k] = v
		}
		out.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	return out
}
