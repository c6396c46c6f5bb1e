// Package outlook adapts the Microsoft Graph calendar API to the
// reconciler's OutlookClient interface. Graph has no corpus SDK; the
// client is a hand-rolled JSON HTTP client with bounded retries.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	listPageSize   = 100

	// Extended property IDs carrying reverse references. The GUID is
	// this deployment's private property set.
	googleRefProperty = "String {1f0a3c2e-5b7d-4f61-9a40-c8e2d94b7a15} Name CalbridgeGoogleId"
	legacyRefProperty = "String {1f0a3c2e-5b7d-4f61-9a40-c8e2d94b7a15} Name CalbridgeLegacyId"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Config carries the Graph application credentials. UserID is the
// mailbox whose calendar is reconciled (client-credentials flow, so no
// /me endpoint exists).
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserID       string
	BaseURL      string
}

// Client implements calsync.OutlookClient against Microsoft Graph.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	logger     calsync.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// NewClient builds a Graph client authenticated via the OAuth2 client
// credentials flow.
func NewClient(ctx context.Context, cfg Config, logger calsync.Logger) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.UserID == "" {
		return nil, errors.New("outlook: tenant, client id, client secret and user id are required")
	}
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return NewClientWithHTTP(cfg, creds.Client(ctx), logger), nil
}

// NewClientWithHTTP wires an explicit HTTP client. Tests use it with an
// httptest server.
func NewClientWithHTTP(cfg Config, httpClient *http.Client, logger calsync.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{
		baseURL:    baseURL,
		userID:     cfg.UserID,
		httpClient: httpClient,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Wire shapes.

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
	Type         string            `json:"type,omitempty"`
}

type graphExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type graphEvent struct {
	ID                 string                  `json:"id,omitempty"`
	Subject            string                  `json:"subject"`
	Body               *graphBody              `json:"body,omitempty"`
	Start              *graphDateTime          `json:"start,omitempty"`
	End                *graphDateTime          `json:"end,omitempty"`
	Location           *graphLocation          `json:"location,omitempty"`
	Attendees          []graphAttendee         `json:"attendees,omitempty"`
	IsAllDay           bool                    `json:"isAllDay"`
	LastModified       string                  `json:"lastModifiedDateTime,omitempty"`
	IsCancelled        bool                    `json:"isCancelled,omitempty"`
	ExtendedProperties []graphExtendedProperty `json:"singleValueExtendedProperties,omitempty"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

func (c *Client) eventsPath() string {
	return fmt.Sprintf("/users/%s/events", url.PathEscape(c.userID))
}

func (c *Client) ListEvents(ctx context.Context, from time.Time) ([]calsync.OutlookEvent, error) {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(listPageSize))
	q.Set("$filter", fmt.Sprintf("start/dateTime ge '%s'", from.UTC().Format("2006-01-02T15:04:05")))
	q.Set("$expand", fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s' or id eq '%s')",
		googleRefProperty, legacyRefProperty))
	requestURL := c.baseURL + c.eventsPath() + "?" + q.Encode()

	var out []calsync.OutlookEvent
	for requestURL != "" {
		var page graphEventPage
		if err := c.doJSON(ctx, http.MethodGet, requestURL, nil, &page); err != nil {
			return nil, fmt.Errorf("outlook: list events: %w", err)
		}
		for _, item := range page.Value {
			if item.IsCancelled {
				continue
			}
			out = append(out, fromGraph(item))
		}
		requestURL = page.NextLink
	}
	return out, nil
}

func (c *Client) CreateEvent(ctx context.Context, ev calsync.OutlookEvent) (calsync.OutlookEvent, error) {
	var created graphEvent
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+c.eventsPath(), toGraph(ev), &created); err != nil {
		return calsync.OutlookEvent{}, fmt.Errorf("outlook: create event: %w", err)
	}
	result := fromGraph(created)
	// Graph does not echo extended properties on create.
	if result.Refs == nil && len(ev.Refs) > 0 {
		result.Refs = ev.Refs
	}
	return result, nil
}

func (c *Client) UpdateEvent(ctx context.Context, id string, ev calsync.OutlookEvent) (calsync.OutlookEvent, error) {
	var updated graphEvent
	requestURL := c.baseURL + c.eventsPath() + "/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodPatch, requestURL, toGraph(ev), &updated); err != nil {
		return calsync.OutlookEvent{}, fmt.Errorf("outlook: update event %s: %w", id, err)
	}
	return fromGraph(updated), nil
}

func (c *Client) DeleteEvent(ctx context.Context, id string) (bool, error) {
	requestURL := c.baseURL + c.eventsPath() + "/" + url.PathEscape(id)
	err := c.doJSON(ctx, http.MethodDelete, requestURL, nil, nil)
	if err == nil {
		return true, nil
	}
	var he *HTTPError
	if errors.As(err, &he) && (he.StatusCode == http.StatusNotFound || he.StatusCode == http.StatusGone) {
		c.logger.Printf("outlook: event %s already gone", id)
		return true, nil
	}
	return false, fmt.Errorf("outlook: delete event %s: %w", id, err)
}

func (c *Client) doJSON(ctx context.Context, method, requestURL string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error.Code,
			Message:    errPayload.Error.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func fromGraph(ev graphEvent) calsync.OutlookEvent {
	out := calsync.OutlookEvent{
		ID:           ev.ID,
		Subject:      ev.Subject,
		IsAllDay:     ev.IsAllDay,
		LastModified: ev.LastModified,
	}
	if ev.Body != nil {
		out.Body = calsync.OutlookBody{ContentType: ev.Body.ContentType, Content: ev.Body.Content}
	}
	if ev.Start != nil {
		out.Start = calsync.OutlookDateTime{DateTime: ev.Start.DateTime, TimeZone: ev.Start.TimeZone}
	}
	if ev.End != nil {
		out.End = calsync.OutlookDateTime{DateTime: ev.End.DateTime, TimeZone: ev.End.TimeZone}
	}
	if ev.Location != nil {
		out.Location = ev.Location.DisplayName
	}
	for _, att := range ev.Attendees {
		if att.EmailAddress.Address != "" {
			out.Attendees = append(out.Attendees, calsync.OutlookAttendee{
				Address: att.EmailAddress.Address,
				Name:    att.EmailAddress.Name,
			})
		}
	}
	refs := map[calsync.Backend]string{}
	for _, prop := range ev.ExtendedProperties {
		switch prop.ID {
		case googleRefProperty:
			if prop.Value != "" {
				refs[calsync.BackendGoogle] = prop.Value
			}
		case legacyRefProperty:
			if prop.Value != "" {
				refs[calsync.BackendLegacy] = prop.Value
			}
		}
	}
	if len(refs) > 0 {
		out.Refs = refs
	}
	return out
}

func toGraph(ev calsync.OutlookEvent) graphEvent {
	out := graphEvent{
		Subject:  ev.Subject,
		IsAllDay: ev.IsAllDay,
		Body:     &graphBody{ContentType: ev.Body.ContentType, Content: ev.Body.Content},
		Start:    &graphDateTime{DateTime: ev.Start.DateTime, TimeZone: ev.Start.TimeZone},
		End:      &graphDateTime{DateTime: ev.End.DateTime, TimeZone: ev.End.TimeZone},
	}
	if ev.Location != "" {
		out.Location = &graphLocation{DisplayName: ev.Location}
	}
	for _, att := range ev.Attendees {
		out.Attendees = append(out.Attendees, graphAttendee{
			EmailAddress: graphEmailAddress{Address: att.Address, Name: att.Name},
			Type:         "required",
		})
	}
	if v := ev.Refs[calsync.BackendGoogle]; v != "" {
		out.ExtendedProperties = append(out.ExtendedProperties, graphExtendedProperty{ID: googleRefProperty, Value: v})
	}
	if v := ev.Refs[calsync.BackendLegacy]; v != "" {
		out.ExtendedProperties = append(out.ExtendedProperties, graphExtendedProperty{ID: legacyRefProperty, Value: v})
	}
	return out
}
