package calsync

import (
	"errors"
	"testing"
	"time"
)

var testZone = time.FixedZone("-03", -3*60*60)

func TestGoogleToOutlookTimed(t *testing.T) {
	src := GoogleEvent{
		ID:      "g1",
		Summary: "Design Review",
		Start:   GoogleDateTime{DateTime: "2025-03-10T14:00:00-03:00"},
		End:     GoogleDateTime{DateTime: "2025-03-10T15:00:00-03:00"},
		Attendees: []GoogleAttendee{
			{Email: "ana@example.com"},
			{Email: "not-an-address"},
			{Email: "bob@nodot"},
		},
		Private: map[string]string{"legacy_id": "l9"},
	}
	out, err := GoogleToOutlook(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Subject != "Design Review" {
		t.Fatalf("subject: %q", out.Subject)
	}
	if out.Start.DateTime != "2025-03-10T14:00:00" {
		t.Fatalf("start: %q", out.Start.DateTime)
	}
	if out.IsAllDay {
		t.Fatalf("timed event marked all-day")
	}
	if len(out.Attendees) != 1 || out.Attendees[0].Address != "ana@example.com" {
		t.Fatalf("invalid attendees should be dropped, got %+v", out.Attendees)
	}
	if out.Refs[BackendGoogle] != "g1" || out.Refs[BackendLegacy] != "l9" {
		t.Fatalf("reverse references missing: %+v", out.Refs)
	}
}

func TestGoogleToOutlookAllDay(t *testing.T) {
	src := GoogleEvent{
		ID:      "g1",
		Summary: "Holiday",
		Start:   GoogleDateTime{Date: "2025-03-01"},
		End:     GoogleDateTime{Date: "2025-03-02"},
	}
	out, err := GoogleToOutlook(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.IsAllDay {
		t.Fatalf("expected all-day")
	}
	if out.Start.DateTime != "2025-03-01T00:00:00" || out.End.DateTime != "2025-03-02T00:00:00" {
		t.Fatalf("all-day span wrong: %q to %q", out.Start.DateTime, out.End.DateTime)
	}
}

func TestOutlookToGoogleAllDay(t *testing.T) {
	src := OutlookEvent{
		ID:       "o1",
		Subject:  "Offsite",
		IsAllDay: true,
		Start:    OutlookDateTime{DateTime: "2025-03-01T00:00:00", TimeZone: "UTC"},
		End:      OutlookDateTime{DateTime: "2025-03-02T00:00:00", TimeZone: "UTC"},
	}
	out, err := OutlookToGoogle(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Start.Date == "" || out.Start.DateTime != "" {
		t.Fatalf("expected date-only start, got %+v", out.Start)
	}
	if out.Private["outlook_id"] != "o1" {
		t.Fatalf("reverse reference missing: %+v", out.Private)
	}
}

func TestGoogleToLegacyAllDayConvention(t *testing.T) {
	src := GoogleEvent{
		ID:      "g1",
		Summary: "Holiday",
		Start:   GoogleDateTime{Date: "2025-03-01"},
		End:     GoogleDateTime{Date: "2025-03-02"},
	}
	out, err := GoogleToLegacy(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Date != "01/03/2025" {
		t.Fatalf("date: %q", out.Date)
	}
	if out.StartTime != "00:00" || out.EndTime != "23:59" {
		t.Fatalf("all-day convention should be 00:00 to 23:59, got %q to %q", out.StartTime, out.EndTime)
	}
	if out.GoogleID != "g1" {
		t.Fatalf("reverse reference missing")
	}
}

func TestLegacyToGoogleAllDayFromConvention(t *testing.T) {
	src := LegacyEvent{
		ID:        "l1",
		Title:     "Holiday",
		Date:      "01/03/2025",
		StartTime: "00:00",
		EndTime:   "23:59",
	}
	out, err := LegacyToGoogle(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Start.Date != "2025-03-01" || out.End.Date != "2025-03-02" {
		t.Fatalf("expected exclusive all-day span, got %+v / %+v", out.Start, out.End)
	}
	if out.Private["legacy_id"] != "l1" {
		t.Fatalf("reverse reference missing: %+v", out.Private)
	}
}

func TestLegacyToOutlookTimed(t *testing.T) {
	src := LegacyEvent{
		ID:        "l1",
		Title:     "Budget Sync",
		Date:      "10/03/2025",
		StartTime: "09:30",
		EndTime:   "10:30",
		GoogleID:  "g7",
		Attendees: []string{"ana@example.com", "broken@"},
	}
	out, err := LegacyToOutlook(src, testZone)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Start.DateTime != "2025-03-10T09:30:00" {
		t.Fatalf("start: %q", out.Start.DateTime)
	}
	if out.Refs[BackendLegacy] != "l1" || out.Refs[BackendGoogle] != "g7" {
		t.Fatalf("refs: %+v", out.Refs)
	}
	if len(out.Attendees) != 1 {
		t.Fatalf("invalid attendee not dropped: %+v", out.Attendees)
	}
}

func TestOutlookToLegacyMultiDay(t *testing.T) {
	src := OutlookEvent{
		ID:      "o1",
		Subject: "Workshop",
		Start:   OutlookDateTime{DateTime: "2025-03-10T18:00:00", TimeZone: "UTC"},
		End:     OutlookDateTime{DateTime: "2025-03-11T02:00:00", TimeZone: "UTC"},
	}
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		t.Fatalf("load UTC: %v", err)
	}
	out, convErr := OutlookToLegacy(src, loc)
	if convErr != nil {
		t.Fatalf("convert: %v", convErr)
	}
	if out.Date != "10/03/2025" || out.EndDate != "11/03/2025" {
		t.Fatalf("multi-day span not carried: %q to %q", out.Date, out.EndDate)
	}
}

func TestConversionsRejectMissingEssentials(t *testing.T) {
	if _, err := GoogleToOutlook(GoogleEvent{ID: "g1"}, testZone); !errors.Is(err, errUnconvertible) {
		t.Fatalf("expected errUnconvertible, got %v", err)
	}
	if _, err := OutlookToGoogle(OutlookEvent{ID: "o1", Subject: "x"}, testZone); !errors.Is(err, errUnconvertible) {
		t.Fatalf("expected errUnconvertible for missing start, got %v", err)
	}
	if _, err := LegacyToGoogle(LegacyEvent{ID: "l1", Title: "x", Date: "31/31/2025", StartTime: "10:00"}, testZone); !errors.Is(err, errUnconvertible) {
		t.Fatalf("expected errUnconvertible for bad date, got %v", err)
	}
}

func TestValidAttendeeEmail(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"ana@example.com", true},
		{"a@b.co", true},
		{"no-at-sign", false},
		{"@example.com", false},
		{"user@", false},
		{"user@nodot", false},
		{"user@.com", false},
		{"user@domain.", false},
	}
	for _, tc := range cases {
		if got := ValidAttendeeEmail(tc.addr); got != tc.want {
			t.Errorf("ValidAttendeeEmail(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
