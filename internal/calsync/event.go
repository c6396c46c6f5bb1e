// Package calsync implements the calendar reconciliation core: the
// identity store, the equivalence matcher, the per-backend change
// detector, the cross-backend propagator, and the poll loop that drives
// them.
package calsync

import (
	"strings"
	"time"
)

// Backend identifies one of the reconciled calendar systems.
type Backend string

const (
	BackendGoogle  Backend = "google"
	BackendOutlook Backend = "outlook"
	BackendLegacy  Backend = "legacy"
)

// Logger is the minimal logging surface used by every component. The
// standard library *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// Event is the canonical, backend-neutral view of a calendar event.
// Vendor records project into it for comparison and persistence; it is
// never sent back to a backend.
type Event struct {
	NativeID    string
	Title       string
	StartsAt    time.Time // zero when the vendor payload was unparseable
	EndsAt      time.Time
	AllDay      bool
	Location    string
	Description string
	Attendees   []string
	// Modified is the vendor's opaque last-modified marker, empty when
	// the backend does not expose one.
	Modified string
	// CrossRefs holds reverse-reference hints embedded in the vendor
	// payload: for each other backend, the native ID this event claims
	// to correspond to.
	CrossRefs map[Backend]string
}

// HasStart reports whether the event carries a parseable start time.
func (e Event) HasStart() bool { return !e.StartsAt.IsZero() }

// NormalizeTitle lowercases and trims a title for comparison.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// SameCalendarDay reports whether two instants fall on the same date in
// loc. Used for all-day equivalence, where vendors disagree on the
// clock time they attach to a date.
func SameCalendarDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// ValidAttendeeEmail applies the minimal address check carried through
// conversions: a local part, an @, and a domain containing a dot.
func ValidAttendeeEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	at := strings.Index(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	domain := addr[at+1:]
	if strings.Contains(domain, "@") {
		return false
	}
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

// FilterAttendees drops invalid addresses, reporting how many were
// removed so callers can log the loss.
func FilterAttendees(addrs []string) (valid []string, dropped int) {
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if ValidAttendeeEmail(a) {
			valid = append(valid, a)
		} else {
			dropped++
		}
	}
	return valid, dropped
}

// DayStart returns midnight of t's date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
