package calsync

import (
	"errors"
	"time"
)

// Directed vendor conversions. Each function builds the create/update
// payload for the target backend from a source vendor record. They are
// pure: no I/O, no store access. A conversion fails only when the
// source record lacks the fields the target cannot live without.

var errUnconvertible = errors.New("calsync: event cannot be represented on target backend")

// legacyEndOfDay is the clock time the legacy groupware uses to close
// out an all-day event, since its form has no all-day checkbox.
const legacyEndOfDay = "23:59"

// GoogleToOutlook builds the Graph payload for a Google event.
func GoogleToOutlook(ev GoogleEvent, loc *time.Location) (OutlookEvent, error) {
	start := parseGoogleTime(ev.Start, loc)
	if ev.Summary == "" || start.IsZero() {
		return OutlookEvent{}, errUnconvertible
	}
	end := parseGoogleTime(ev.End, loc)
	out := OutlookEvent{
		Subject:  ev.Summary,
		Body:     OutlookBody{ContentType: "text", Content: ev.Description},
		Location: ev.Location,
		IsAllDay: ev.IsAllDay(),
		Refs:     map[Backend]string{BackendGoogle: ev.ID},
	}
	if v := ev.Private["legacy_id"]; v != "" {
		out.Refs[BackendLegacy] = v
	}
	if ev.IsAllDay() {
		// Graph all-day events span midnight to midnight, end exclusive,
		// which matches Google's date-only convention.
		if end.IsZero() {
			end = start.AddDate(0, 0, 1)
		}
		out.Start = OutlookDateTime{DateTime: start.Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
		out.End = OutlookDateTime{DateTime: end.Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
	} else {
		if end.IsZero() {
			end = start.Add(time.Hour)
		}
		out.Start = OutlookDateTime{DateTime: start.In(loc).Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
		out.End = OutlookDateTime{DateTime: end.In(loc).Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
	}
	for _, a := range ev.Attendees {
		if ValidAttendeeEmail(a.Email) {
			out.Attendees = append(out.Attendees, OutlookAttendee{Address: a.Email})
		}
	}
	return out, nil
}

// OutlookToGoogle builds the Calendar API payload for a Graph event.
func OutlookToGoogle(ev OutlookEvent, loc *time.Location) (GoogleEvent, error) {
	start := parseOutlookTime(ev.Start, loc)
	if ev.Subject == "" || start.IsZero() {
		return GoogleEvent{}, errUnconvertible
	}
	end := parseOutlookTime(ev.End, loc)
	out := GoogleEvent{
		Summary:     ev.Subject,
		Description: ev.Body.Content,
		Location:    ev.Location,
		Private:     map[string]string{"outlook_id": ev.ID},
	}
	if v := ev.Refs[BackendLegacy]; v != "" {
		out.Private["legacy_id"] = v
	}
	if ev.IsAllDay {
		if end.IsZero() || !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		out.Start = GoogleDateTime{Date: start.In(loc).Format("2006-01-02")}
		out.End = GoogleDateTime{Date: end.In(loc).Format("2006-01-02")}
	} else {
		if end.IsZero() {
			end = start.Add(time.Hour)
		}
		out.Start = GoogleDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
		out.End = GoogleDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()}
	}
	for _, a := range ev.Attendees {
		if ValidAttendeeEmail(a.Address) {
			out.Attendees = append(out.Attendees, GoogleAttendee{Email: a.Address})
		}
	}
	return out, nil
}

// GoogleToLegacy builds the groupware form payload for a Google event.
func GoogleToLegacy(ev GoogleEvent, loc *time.Location) (LegacyEvent, error) {
	start := parseGoogleTime(ev.Start, loc)
	if ev.Summary == "" || start.IsZero() {
		return LegacyEvent{}, errUnconvertible
	}
	end := parseGoogleTime(ev.End, loc)
	out := LegacyEvent{
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.IsAllDay(),
		GoogleID:    ev.ID,
		OutlookID:   ev.Private["outlook_id"],
	}
	local := start.In(loc)
	out.Date = local.Format("02/01/2006")
	if ev.IsAllDay() {
		// The groupware has no all-day flag; the convention is a
		// 00:00 to 23:59 entry on the event's date.
		out.StartTime = "00:00"
		out.EndTime = legacyEndOfDay
	} else {
		out.StartTime = local.Format("15:04")
		if end.IsZero() {
			end = start.Add(time.Hour)
		}
		endLocal := end.In(loc)
		out.EndTime = endLocal.Format("15:04")
		if !SameCalendarDay(start, end, loc) {
			out.EndDate = endLocal.Format("02/01/2006")
		}
	}
	valid, _ := FilterAttendees(attendeeEmails(ev.Attendees))
	out.Attendees = valid
	return out, nil
}

// LegacyToGoogle builds the Calendar API payload for a groupware event.
func LegacyToGoogle(ev LegacyEvent, loc *time.Location) (GoogleEvent, error) {
	start := parseLegacyTime(ev.Date, ev.StartTime, loc)
	if ev.Title == "" || (start.IsZero() && !ev.AllDay) {
		return GoogleEvent{}, errUnconvertible
	}
	out := GoogleEvent{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Private:     map[string]string{"legacy_id": ev.ID},
	}
	if ev.OutlookID != "" {
		out.Private["outlook_id"] = ev.OutlookID
	}
	if ev.AllDay || ev.StartTime == "" || ev.StartTime == "00:00" && ev.EndTime == legacyEndOfDay {
		day := parseLegacyTime(ev.Date, "", loc)
		if day.IsZero() {
			return GoogleEvent{}, errUnconvertible
		}
		out.Start = GoogleDateTime{Date: day.Format("2006-01-02")}
		out.End = GoogleDateTime{Date: day.AddDate(0, 0, 1).Format("2006-01-02")}
	} else {
		endDate := ev.EndDate
		if endDate == "" {
			endDate = ev.Date
		}
		end := parseLegacyTime(endDate, ev.EndTime, loc)
		if end.IsZero() || !end.After(start) {
			end = start.Add(time.Hour)
		}
		out.Start = GoogleDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()}
		out.End = GoogleDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()}
	}
	valid, _ := FilterAttendees(ev.Attendees)
	for _, a := range valid {
		out.Attendees = append(out.Attendees, GoogleAttendee{Email: a})
	}
	return out, nil
}

// OutlookToLegacy builds the groupware form payload for a Graph event.
func OutlookToLegacy(ev OutlookEvent, loc *time.Location) (LegacyEvent, error) {
	start := parseOutlookTime(ev.Start, loc)
	if ev.Subject == "" || start.IsZero() {
		return LegacyEvent{}, errUnconvertible
	}
	end := parseOutlookTime(ev.End, loc)
	out := LegacyEvent{
		Title:       ev.Subject,
		Description: ev.Body.Content,
		Location:    ev.Location,
		AllDay:      ev.IsAllDay,
		OutlookID:   ev.ID,
		GoogleID:    ev.Refs[BackendGoogle],
	}
	local := start.In(loc)
	out.Date = local.Format("02/01/2006")
	if ev.IsAllDay {
		out.StartTime = "00:00"
		out.EndTime = legacyEndOfDay
	} else {
		out.StartTime = local.Format("15:04")
		if end.IsZero() {
			end = start.Add(time.Hour)
		}
		endLocal := end.In(loc)
		out.EndTime = endLocal.Format("15:04")
		if !SameCalendarDay(start, end, loc) {
			out.EndDate = endLocal.Format("02/01/2006")
		}
	}
	var addrs []string
	for _, a := range ev.Attendees {
		addrs = append(addrs, a.Address)
	}
	valid, _ := FilterAttendees(addrs)
	out.Attendees = valid
	return out, nil
}

// LegacyToOutlook builds the Graph payload for a groupware event.
func LegacyToOutlook(ev LegacyEvent, loc *time.Location) (OutlookEvent, error) {
	start := parseLegacyTime(ev.Date, ev.StartTime, loc)
	allDay := ev.AllDay || ev.StartTime == "" || ev.StartTime == "00:00" && ev.EndTime == legacyEndOfDay
	if ev.Title == "" || (start.IsZero() && !allDay) {
		return OutlookEvent{}, errUnconvertible
	}
	out := OutlookEvent{
		Subject:  ev.Title,
		Body:     OutlookBody{ContentType: "text", Content: ev.Description},
		Location: ev.Location,
		IsAllDay: allDay,
		Refs:     map[Backend]string{BackendLegacy: ev.ID},
	}
	if ev.GoogleID != "" {
		out.Refs[BackendGoogle] = ev.GoogleID
	}
	if allDay {
		day := parseLegacyTime(ev.Date, "", loc)
		if day.IsZero() {
			return OutlookEvent{}, errUnconvertible
		}
		out.Start = OutlookDateTime{DateTime: day.Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
		out.End = OutlookDateTime{DateTime: day.AddDate(0, 0, 1).Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
	} else {
		endDate := ev.EndDate
		if endDate == "" {
			endDate = ev.Date
		}
		end := parseLegacyTime(endDate, ev.EndTime, loc)
		if end.IsZero() || !end.After(start) {
			end = start.Add(time.Hour)
		}
		out.Start = OutlookDateTime{DateTime: start.Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
		out.End = OutlookDateTime{DateTime: end.Format("2006-01-02T15:04:05"), TimeZone: loc.String()}
	}
	valid, _ := FilterAttendees(ev.Attendees)
	for _, a := range valid {
		out.Attendees = append(out.Attendees, OutlookAttendee{Address: a})
	}
	return out, nil
}

func attendeeEmails(list []GoogleAttendee) []string {
	var out []string
	for _, a := range list {
		out = append(out, a.Email)
	}
	return out
}
