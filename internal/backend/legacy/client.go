// Package legacy drives the legacy web groupware, which has no API: a
// headless browser performs login and event mutations against the web
// forms, and listings come from the groupware's ICS export feed.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

const (
	defaultOperationTimeout = 45 * time.Second

	loginUserSelector   = `input[name="user"]`
	loginPassSelector   = `input[name="passwd"]`
	loginSubmitSelector = `input[type="submit"]`
	calendarReady       = `#calendar_main`

	formTitleSelector       = `input[name="title"]`
	formDateSelector        = `input[name="start_date"]`
	formStartTimeSelector   = `input[name="start_time"]`
	formEndTimeSelector     = `input[name="end_time"]`
	formEndDateSelector     = `input[name="end_date"]`
	formLocationSelector    = `input[name="location"]`
	formDescriptionSelector = `textarea[name="description"]`
	formSubmitSelector      = `input[name="save"]`
	deleteConfirmSelector   = `input[name="confirm_delete"]`
)

// Config locates the groupware and its calendar surfaces.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// ExportPath is the ICS feed, relative to BaseURL.
	ExportPath string
	// Timeout bounds each browser operation.
	Timeout time.Duration
}

// Client implements calsync.LegacyClient. A single headless browser
// session is shared across calls; the reconciliation loop is
// single-threaded so the mutex only guards shutdown.
type Client struct {
	cfg        Config
	logger     calsync.Logger
	location   *time.Location
	httpClient *http.Client

	mu         sync.Mutex
	browserCtx context.Context
	cancels    []context.CancelFunc
	loggedIn   bool
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

func NewClient(cfg Config, loc *time.Location, logger calsync.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("legacy: base URL and credentials are required")
	}
	if cfg.ExportPath == "" {
		cfg.ExportPath = "/calendar/export.ics"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOperationTimeout
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = nopLogger{}
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("legacy: cookie jar: %w", err)
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		location:   loc,
		httpClient: &http.Client{Jar: jar, Timeout: cfg.Timeout},
	}, nil
}

// Close tears down the browser session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.cancels) - 1; i >= 0; i-- {
		c.cancels[i]()
	}
	c.cancels = nil
	c.browserCtx = nil
	c.loggedIn = false
	return nil
}

func (c *Client) browser() context.Context {
	if c.browserCtx == nil {
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(),
			append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Headless)...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
		c.cancels = append(c.cancels, cancelAlloc, cancelBrowser)
		c.browserCtx = browserCtx
	}
	return c.browserCtx
}

func (c *Client) pageURL(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// ensureSession logs in once per browser lifetime and mirrors the
// session cookies into the HTTP client used for the ICS feed.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	runCtx, cancel := context.WithTimeout(c.browser(), c.cfg.Timeout)
	defer cancel()

	var cookies []*network.Cookie
	tasks := chromedp.Tasks{
		chromedp.Navigate(c.pageURL("/login")),
		chromedp.WaitVisible(loginUserSelector, chromedp.ByQuery),
		chromedp.SendKeys(loginUserSelector, c.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(loginPassSelector, c.cfg.Password, chromedp.ByQuery),
		chromedp.Click(loginSubmitSelector, chromedp.ByQuery),
		chromedp.WaitVisible(calendarReady, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("legacy: login failed: %w", err)
	}

	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("legacy: parse base URL: %w", err)
	}
	jarCookies := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		jarCookies = append(jarCookies, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: ck.Path})
	}
	c.httpClient.Jar.SetCookies(base, jarCookies)
	c.loggedIn = true
	_ = ctx
	return nil
}

func (c *Client) ListEvents(ctx context.Context, from time.Time) ([]calsync.LegacyEvent, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	body, err := c.fetchExport(ctx)
	if err != nil {
		return nil, err
	}
	events, err := parseExport(body, c.location)
	if err != nil {
		return nil, err
	}
	var out []calsync.LegacyEvent
	for _, ev := range events {
		start := eventStart(ev, c.location)
		if !start.IsZero() && start.Before(from) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Client) fetchExport(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(c.cfg.ExportPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("legacy: fetch export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Session expired; force a fresh login on the next call.
		c.loggedIn = false
		return nil, fmt.Errorf("legacy: export rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legacy: export returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) CreateEvent(ctx context.Context, ev calsync.LegacyEvent) (calsync.LegacyEvent, error) {
	if err := c.ensureSession(ctx); err != nil {
		return calsync.LegacyEvent{}, err
	}
	runCtx, cancel := context.WithTimeout(c.browser(), c.cfg.Timeout)
	defer cancel()

	if err := chromedp.Run(runCtx, c.fillEventForm(c.pageURL("/calendar/new"), ev)); err != nil {
		return calsync.LegacyEvent{}, fmt.Errorf("legacy: create event: %w", err)
	}

	// The form flow does not expose the new ID; find it in the export
	// feed by title and start.
	created, err := c.findByContent(ctx, ev)
	if err != nil {
		return calsync.LegacyEvent{}, err
	}
	return created, nil
}

func (c *Client) UpdateEvent(ctx context.Context, id string, ev calsync.LegacyEvent) (calsync.LegacyEvent, error) {
	if err := c.ensureSession(ctx); err != nil {
		return calsync.LegacyEvent{}, err
	}
	runCtx, cancel := context.WithTimeout(c.browser(), c.cfg.Timeout)
	defer cancel()

	editURL := c.pageURL("/calendar/edit?cal_id=" + url.QueryEscape(id))
	if err := chromedp.Run(runCtx, c.fillEventForm(editURL, ev)); err != nil {
		return calsync.LegacyEvent{}, fmt.Errorf("legacy: update event %s: %w", id, err)
	}
	ev.ID = id
	return ev, nil
}

func (c *Client) DeleteEvent(ctx context.Context, id string) (bool, error) {
	if err := c.ensureSession(ctx); err != nil {
		return false, err
	}
	runCtx, cancel := context.WithTimeout(c.browser(), c.cfg.Timeout)
	defer cancel()

	deleteURL := c.pageURL("/calendar/delete?cal_id=" + url.QueryEscape(id))
	err := chromedp.Run(runCtx, chromedp.Tasks{
		chromedp.Navigate(deleteURL),
		chromedp.WaitVisible(deleteConfirmSelector, chromedp.ByQuery),
		chromedp.Click(deleteConfirmSelector, chromedp.ByQuery),
		chromedp.WaitVisible(calendarReady, chromedp.ByQuery),
	})
	if err == nil {
		return true, nil
	}

	// The confirm form never rendering usually means the event is
	// already gone; verify against the feed before giving up.
	if body, fetchErr := c.fetchExport(ctx); fetchErr == nil {
		if events, parseErr := parseExport(body, c.location); parseErr == nil {
			for _, ev := range events {
				if ev.ID == id {
					return false, fmt.Errorf("legacy: delete event %s: %w", id, err)
				}
			}
			c.logger.Printf("legacy: event %s already gone", id)
			return true, nil
		}
	}
	return false, fmt.Errorf("legacy: delete event %s: %w", id, err)
}

func (c *Client) fillEventForm(formURL string, ev calsync.LegacyEvent) chromedp.Tasks {
	description := encodeRefs(ev.Description, ev.GoogleID, ev.OutlookID)
	tasks := chromedp.Tasks{
		chromedp.Navigate(formURL),
		chromedp.WaitVisible(formTitleSelector, chromedp.ByQuery),
		clearAndType(formTitleSelector, ev.Title),
		clearAndType(formDateSelector, ev.Date),
		clearAndType(formStartTimeSelector, ev.StartTime),
		clearAndType(formEndTimeSelector, ev.EndTime),
	}
	if ev.EndDate != "" {
		tasks = append(tasks, clearAndType(formEndDateSelector, ev.EndDate))
	}
	tasks = append(tasks,
		clearAndType(formLocationSelector, ev.Location),
		clearAndType(formDescriptionSelector, description),
		chromedp.Click(formSubmitSelector, chromedp.ByQuery),
		chromedp.WaitVisible(calendarReady, chromedp.ByQuery),
	)
	return tasks
}

func clearAndType(selector, value string) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	}
}

func (c *Client) findByContent(ctx context.Context, ev calsync.LegacyEvent) (calsync.LegacyEvent, error) {
	body, err := c.fetchExport(ctx)
	if err != nil {
		return calsync.LegacyEvent{}, err
	}
	events, err := parseExport(body, c.location)
	if err != nil {
		return calsync.LegacyEvent{}, err
	}
	for _, candidate := range events {
		if candidate.Title == ev.Title && candidate.Date == ev.Date && candidate.StartTime == ev.StartTime {
			return candidate, nil
		}
	}
	return calsync.LegacyEvent{}, fmt.Errorf("legacy: created event %q not found in export feed", ev.Title)
}

func eventStart(ev calsync.LegacyEvent, loc *time.Location) time.Time {
	layout := "02/01/2006 15:04"
	value := ev.Date + " " + ev.StartTime
	if ev.StartTime == "" {
		layout = "02/01/2006"
		value = ev.Date
	}
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}
