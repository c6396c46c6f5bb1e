package legacy

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/agentworkforce/calbridge/internal/calsync"
)

// The groupware has no native cross-reference fields, so counterpart
// IDs ride inside the event description as bracketed markers. They are
// stripped from the description on read and re-appended on write.
var (
	googleRefPattern  = regexp.MustCompile(`(?m)^\[google_id:([^\]]+)\]\s*$`)
	outlookRefPattern = regexp.MustCompile(`(?m)^\[outlook_id:([^\]]+)\]\s*$`)
)

func encodeRefs(description, googleID, outlookID string) string {
	parts := []string{strings.TrimRight(description, "\n")}
	if googleID != "" {
		parts = append(parts, fmt.Sprintf("[google_id:%s]", googleID))
	}
	if outlookID != "" {
		parts = append(parts, fmt.Sprintf("[outlook_id:%s]", outlookID))
	}
	return strings.TrimLeft(strings.Join(parts, "\n"), "\n")
}

func decodeRefs(description string) (clean, googleID, outlookID string) {
	if m := googleRefPattern.FindStringSubmatch(description); m != nil {
		googleID = strings.TrimSpace(m[1])
		description = googleRefPattern.ReplaceAllString(description, "")
	}
	if m := outlookRefPattern.FindStringSubmatch(description); m != nil {
		outlookID = strings.TrimSpace(m[1])
		description = outlookRefPattern.ReplaceAllString(description, "")
	}
	return strings.Trim(description, "\n"), googleID, outlookID
}

// parseExport turns the groupware's ICS feed into legacy vendor
// records. Events without a UID are skipped.
func parseExport(body []byte, loc *time.Location) ([]calsync.LegacyEvent, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("legacy: parse export feed: %w", err)
	}

	var out []calsync.LegacyEvent
	for _, ve := range cal.Events() {
		uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if uid == nil || uid.Value == "" {
			continue
		}
		ev := calsync.LegacyEvent{ID: uid.Value}

		if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
			ev.Title = p.Value
		}
		if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
			ev.Location = p.Value
		}
		if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
			ev.Description, ev.GoogleID, ev.OutlookID = decodeRefs(unescapeText(p.Value))
		}
		if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
			ev.Modified = p.Value
		}

		allDay := false
		if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
			if params := p.ICalParameters; params != nil {
				if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
					allDay = true
				}
			}
			if !strings.Contains(p.Value, "T") {
				allDay = true
			}
		}
		ev.AllDay = allDay

		start, _ := ve.GetStartAt()
		end, _ := ve.GetEndAt()
		if start.IsZero() {
			continue
		}
		localStart := start.In(loc)
		ev.Date = localStart.Format("02/01/2006")
		if allDay {
			ev.StartTime = ""
			ev.EndTime = ""
		} else {
			ev.StartTime = localStart.Format("15:04")
			if !end.IsZero() {
				localEnd := end.In(loc)
				ev.EndTime = localEnd.Format("15:04")
				if localEnd.Format("02/01/2006") != ev.Date {
					ev.EndDate = localEnd.Format("02/01/2006")
				}
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// unescapeText reverses the ICS TEXT escaping the feed applies to
// descriptions.
func unescapeText(v string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(v)
}
