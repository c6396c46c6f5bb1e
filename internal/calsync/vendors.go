package calsync

import (
	"strings"
	"time"
)

// Vendor record types. Each backend client returns and accepts its own
// concrete shape; the reconciliation core converts between them
// directly (convert.go) and projects them into the canonical Event for
// comparison and persistence.

// GoogleDateTime mirrors the Calendar API start/end object: exactly one
// of DateTime (RFC 3339) or Date (YYYY-MM-DD, all-day) is set.
type GoogleDateTime struct {
	DateTime string
	Date     string
	TimeZone string
}

type GoogleAttendee struct {
	Email string
}

// GoogleEvent is the subset of a Calendar API event the reconciler
// reads and writes. Private holds extendedProperties.private, which
// carries reverse-reference hints to the other backends.
type GoogleEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       GoogleDateTime
	End         GoogleDateTime
	Attendees   []GoogleAttendee
	Updated     string
	Private     map[string]string
}

// IsAllDay reports whether the event uses date-only start/end.
func (e GoogleEvent) IsAllDay() bool { return e.Start.Date != "" }

// Canonical projects the vendor record into the neutral Event. loc is
// the configured local zone, used for date-only values and payloads
// that omit an offset.
func (e GoogleEvent) Canonical(loc *time.Location) Event {
	out := Event{
		NativeID:    e.ID,
		Title:       e.Summary,
		Location:    e.Location,
		Description: e.Description,
		Modified:    e.Updated,
		AllDay:      e.IsAllDay(),
	}
	out.StartsAt = parseGoogleTime(e.Start, loc)
	out.EndsAt = parseGoogleTime(e.End, loc)
	for _, a := range e.Attendees {
		if a.Email != "" {
			out.Attendees = append(out.Attendees, a.Email)
		}
	}
	refs := map[Backend]string{}
	if v := e.Private["outlook_id"]; v != "" {
		refs[BackendOutlook] = v
	}
	if v := e.Private["legacy_id"]; v != "" {
		refs[BackendLegacy] = v
	}
	if len(refs) > 0 {
		out.CrossRefs = refs
	}
	return out
}

func parseGoogleTime(dt GoogleDateTime, loc *time.Location) time.Time {
	if dt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	if dt.DateTime == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", dt.DateTime, loc); err == nil {
		return t
	}
	return time.Time{}
}

// OutlookDateTime mirrors the Graph dateTimeTimeZone object.
type OutlookDateTime struct {
	DateTime string
	TimeZone string
}

type OutlookBody struct {
	ContentType string
	Content     string
}

type OutlookAttendee struct {
	Address string
	Name    string
}

// OutlookEvent is the subset of a Graph calendar event the reconciler
// reads and writes. Refs carries reverse-reference hints stored in the
// event's open extension.
type OutlookEvent struct {
	ID           string
	Subject      string
	Body         OutlookBody
	Location     string
	Start        OutlookDateTime
	End          OutlookDateTime
	Attendees    []OutlookAttendee
	IsAllDay     bool
	LastModified string
	Refs         map[Backend]string
}

func (e OutlookEvent) Canonical(loc *time.Location) Event {
	out := Event{
		NativeID:    e.ID,
		Title:       e.Subject,
		Location:    e.Location,
		Description: e.Body.Content,
		Modified:    e.LastModified,
		AllDay:      e.IsAllDay,
	}
	out.StartsAt = parseOutlookTime(e.Start, loc)
	out.EndsAt = parseOutlookTime(e.End, loc)
	for _, a := range e.Attendees {
		if a.Address != "" {
			out.Attendees = append(out.Attendees, a.Address)
		}
	}
	refs := map[Backend]string{}
	if v := e.Refs[BackendGoogle]; v != "" {
		refs[BackendGoogle] = v
	}
	if v := e.Refs[BackendLegacy]; v != "" {
		refs[BackendLegacy] = v
	}
	if len(refs) > 0 {
		out.CrossRefs = refs
	}
	return out
}

func parseOutlookTime(dt OutlookDateTime, loc *time.Location) time.Time {
	if dt.DateTime == "" {
		return time.Time{}
	}
	zone := loc
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(graphZoneName(dt.TimeZone)); err == nil {
			zone = l
		}
	}
	value := dt.DateTime
	// Graph emits seven fractional digits; trim to what time accepts.
	if i := strings.Index(value, "."); i >= 0 {
		value = value[:i]
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, zone); err == nil {
		return t
	}
	return time.Time{}
}

func graphZoneName(name string) string {
	// Graph uses "UTC" where the tz database wants "UTC" too; other
	// Windows zone names pass through and fall back to local on error.
	if strings.EqualFold(name, "utc") {
		return "UTC"
	}
	return name
}

// LegacyEvent is the record shape of the legacy groupware: date and
// clock times as the web UI presents them, plus reverse references the
// shim round-trips through the event description.
type LegacyEvent struct {
	ID          string
	Title       string
	Date        string // DD/MM/YYYY
	StartTime   string // HH:MM, empty for all-day
	EndTime     string // HH:MM
	EndDate     string // DD/MM/YYYY, set when the event spans days
	AllDay      bool
	Location    string
	Description string
	Attendees   []string
	Modified    string
	GoogleID    string
	OutlookID   string
}

func (e LegacyEvent) Canonical(loc *time.Location) Event {
	out := Event{
		NativeID:    e.ID,
		Title:       e.Title,
		Location:    e.Location,
		Description: e.Description,
		Modified:    e.Modified,
		AllDay:      e.AllDay,
		Attendees:   append([]string(nil), e.Attendees...),
	}
	out.StartsAt = parseLegacyTime(e.Date, e.StartTime, loc)
	endDate := e.EndDate
	if endDate == "" {
		endDate = e.Date
	}
	out.EndsAt = parseLegacyTime(endDate, e.EndTime, loc)
	if e.AllDay && !out.StartsAt.IsZero() && out.EndsAt.IsZero() {
		out.EndsAt = out.StartsAt.Add(23*time.Hour + 59*time.Minute)
	}
	refs := map[Backend]string{}
	if e.GoogleID != "" {
		refs[BackendGoogle] = e.GoogleID
	}
	if e.OutlookID != "" {
		refs[BackendOutlook] = e.OutlookID
	}
	if len(refs) > 0 {
		out.CrossRefs = refs
	}
	return out
}

func parseLegacyTime(date, clock string, loc *time.Location) time.Time {
	if date == "" {
		return time.Time{}
	}
	if clock == "" {
		t, err := time.ParseInLocation("02/01/2006", date, loc)
		if err != nil {
			return time.Time{}
		}
		return t
	}
	t, err := time.ParseInLocation("02/01/2006 15:04", date+" "+clock, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}
