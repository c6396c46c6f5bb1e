package legacy

import (
	"strings"
	"testing"
	"time"
)

func icsFeed(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Intranet//Calendar//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func TestParseExportTimedEvent(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:l1",
		"SUMMARY:Budget Sync",
		"LOCATION:Sala 2",
		`DESCRIPTION:Quarterly numbers\n[google_id:g7]\n[outlook_id:o7]`,
		"DTSTART:20250310T120000Z",
		"DTEND:20250310T133000Z",
		"LAST-MODIFIED:20250301T080000Z",
		"END:VEVENT",
	)
	events, err := parseExport(body, time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID != "l1" || ev.Title != "Budget Sync" || ev.Location != "Sala 2" {
		t.Fatalf("fields: %+v", ev)
	}
	if ev.Date != "10/03/2025" || ev.StartTime != "12:00" || ev.EndTime != "13:30" {
		t.Fatalf("local schedule: %q %q-%q", ev.Date, ev.StartTime, ev.EndTime)
	}
	if ev.EndDate != "" {
		t.Fatalf("same-day event must not carry an end date: %q", ev.EndDate)
	}
	if ev.GoogleID != "g7" || ev.OutlookID != "o7" {
		t.Fatalf("reference markers not decoded: %+v", ev)
	}
	if ev.Description != "Quarterly numbers" {
		t.Fatalf("markers must be stripped from the description: %q", ev.Description)
	}
	if ev.Modified != "20250301T080000Z" {
		t.Fatalf("modified: %q", ev.Modified)
	}
}

func TestParseExportAllDayEvent(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:l2",
		"SUMMARY:Feriado",
		"DTSTART;VALUE=DATE:20250301",
		"DTEND;VALUE=DATE:20250302",
		"END:VEVENT",
	)
	// Date-only values parse in the machine's local zone, so render in
	// the same zone to keep the test zone-independent.
	events, err := parseExport(body, time.Local)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if !ev.AllDay {
		t.Fatalf("VALUE=DATE should mark all-day")
	}
	if ev.Date != "01/03/2025" {
		t.Fatalf("date: %q", ev.Date)
	}
	if ev.StartTime != "" || ev.EndTime != "" {
		t.Fatalf("all-day must not carry times: %q-%q", ev.StartTime, ev.EndTime)
	}
}

func TestParseExportMultiDayEvent(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"UID:l3",
		"SUMMARY:Overnight Maintenance",
		"DTSTART:20250310T220000Z",
		"DTEND:20250311T020000Z",
		"END:VEVENT",
	)
	events, err := parseExport(body, time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Date != "10/03/2025" || events[0].EndDate != "11/03/2025" {
		t.Fatalf("span: %q to %q", events[0].Date, events[0].EndDate)
	}
}

func TestParseExportSkipsEventsWithoutUID(t *testing.T) {
	body := icsFeed(
		"BEGIN:VEVENT",
		"SUMMARY:Anonymous",
		"DTSTART:20250310T120000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:l4",
		"SUMMARY:Kept",
		"DTSTART:20250310T120000Z",
		"END:VEVENT",
	)
	events, err := parseExport(body, time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 || events[0].ID != "l4" {
		t.Fatalf("expected only the event with a UID, got %+v", events)
	}
}

func TestEncodeDecodeRefs(t *testing.T) {
	encoded := encodeRefs("Weekly numbers", "g1", "o1")
	clean, googleID, outlookID := decodeRefs(encoded)
	if clean != "Weekly numbers" || googleID != "g1" || outlookID != "o1" {
		t.Fatalf("round trip: %q %q %q", clean, googleID, outlookID)
	}

	// Markers only, no description text.
	encoded = encodeRefs("", "g2", "")
	if encoded != "[google_id:g2]" {
		t.Fatalf("bare marker: %q", encoded)
	}
	clean, googleID, outlookID = decodeRefs(encoded)
	if clean != "" || googleID != "g2" || outlookID != "" {
		t.Fatalf("bare marker round trip: %q %q %q", clean, googleID, outlookID)
	}

	// Plain descriptions pass through untouched.
	clean, googleID, outlookID = decodeRefs("No markers here")
	if clean != "No markers here" || googleID != "" || outlookID != "" {
		t.Fatalf("plain description: %q %q %q", clean, googleID, outlookID)
	}
}

func TestUnescapeText(t *testing.T) {
	got := unescapeText(`line one\nline two\, with comma\; and semicolon\\end`)
	want := "line one\nline two, with comma; and semicolon\\end"
	if got != want {
		t.Fatalf("unescape: %q != %q", got, want)
	}
}
