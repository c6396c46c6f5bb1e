package calsync

import (
	"context"
	"strings"
	"time"
)

// Time tolerances for equivalence decisions. Two constants exist on
// purpose: change-detection matching uses the strict window, while the
// duplicate check before creating an event uses the relaxed one so a
// manually created copy anywhere in the same day does not turn into a
// second event. Whether they should ever be unified is a product
// question, not a code one.
const (
	StrictTolerance = 300 * time.Second
	DedupTolerance  = 86400 * time.Second
)

// MatchMode selects how aggressively titles are compared.
type MatchMode int

const (
	// MatchStrict requires exact normalized-title equality.
	MatchStrict MatchMode = iota
	// MatchRelaxed additionally accepts one normalized title containing
	// the other, when both are longer than five characters.
	MatchRelaxed
)

// minContainmentLen guards the relaxed containment rule against short
// generic titles ("call", "1:1") matching everything.
const minContainmentLen = 5

// Matcher decides whether two events from different backends are the
// same logical event. Decision order: explicit cross-reference hints,
// then persisted mappings, then content (title, then time).
type Matcher struct {
	store Store
}

func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store}
}

// Matches reports whether a (from backendA) and b (from backendB) are
// the same logical event, comparing instants within tolerance.
func (m *Matcher) Matches(ctx context.Context, a Event, backendA Backend, b Event, backendB Backend, mode MatchMode, tolerance time.Duration) bool {
	if backendA == backendB {
		return a.NativeID == b.NativeID
	}

	// Fast path: an embedded reverse reference names the counterpart
	// outright.
	if id := a.CrossRefs[backendB]; id != "" && id == b.NativeID {
		return true
	}
	if id := b.CrossRefs[backendA]; id != "" && id == a.NativeID {
		return true
	}

	// Store path: a persisted mapping already links the two IDs. Store
	// trouble surfaces elsewhere; the matcher falls back to content
	// comparison.
	if m.store != nil && a.NativeID != "" {
		row, err := m.store.LookupMapping(ctx, backendA, a.NativeID)
		if err == nil && row.NativeID(backendB) == b.NativeID && b.NativeID != "" {
			return true
		}
	}

	if !titlesMatch(a.Title, b.Title, mode) {
		return false
	}
	return timesMatch(a, b, tolerance)
}

func titlesMatch(rawA, rawB string, mode MatchMode) bool {
	ta := NormalizeTitle(rawA)
	tb := NormalizeTitle(rawB)
	if ta == "" || tb == "" {
		return false
	}
	if ta == tb {
		return true
	}
	if mode != MatchRelaxed {
		return false
	}
	if len(ta) <= minContainmentLen || len(tb) <= minContainmentLen {
		return false
	}
	return strings.Contains(ta, tb) || strings.Contains(tb, ta)
}

func timesMatch(a, b Event, tolerance time.Duration) bool {
	// Unparseable starts degrade to a title-only decision, which the
	// caller has already made by the time we get here.
	if !a.HasStart() || !b.HasStart() {
		return true
	}
	if a.AllDay && b.AllDay {
		// All-day events match on the calendar date each vendor meant,
		// regardless of the clock time it attached to it.
		ay, am, ad := a.StartsAt.Date()
		by, bm, bd := b.StartsAt.Date()
		return ay == by && am == bm && ad == bd
	}
	diff := a.StartsAt.Sub(b.StartsAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
