package calsync

import (
	"context"
	"fmt"
	"time"
)

// ChangeSet holds one backend's differences since the previous poll,
// keyed by native ID.
type ChangeSet[E any] struct {
	Added   map[string]E
	Updated map[string]E
	Deleted map[string]E
}

func (c ChangeSet[E]) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Changes is one poll's worth of detected differences across all
// configured backends.
type Changes struct {
	Google  ChangeSet[GoogleEvent]
	Outlook ChangeSet[OutlookEvent]
	Legacy  ChangeSet[LegacyEvent]
}

func (c Changes) Empty() bool {
	return c.Google.Empty() && c.Outlook.Empty() && c.Legacy.Empty()
}

// Listing is the current full listing of every configured backend, as
// of the poll that produced a Changes value. The propagator scans it
// for duplicates before creating events.
type Listing struct {
	Google  map[string]GoogleEvent
	Outlook map[string]OutlookEvent
	Legacy  map[string]LegacyEvent
}

// DetectorOptions configures NewDetector.
type DetectorOptions struct {
	Google   GoogleClient
	Outlook  OutlookClient
	Legacy   LegacyClient // nil when the tertiary backend is not configured
	Store    Store
	Location *time.Location
	Logger   Logger
}

// Detector lists each backend and diffs the listing against its cache
// from the previous poll. The first poll after construction or after
// InvalidateCaches primes the caches without reporting changes, so
// pre-existing events never replay as additions and purged rows never
// resurrect as phantom deletions.
type Detector struct {
	google   GoogleClient
	outlook  OutlookClient
	legacy   LegacyClient
	store    Store
	location *time.Location
	logger   Logger

	googleCache  map[string]GoogleEvent
	outlookCache map[string]OutlookEvent
	legacyCache  map[string]LegacyEvent
	primed       bool
}

func NewDetector(opts DetectorOptions) (*Detector, error) {
	if opts.Google == nil || opts.Outlook == nil {
		return nil, fmt.Errorf("%w: detector requires google and outlook clients", ErrInvalidInput)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: detector requires a store", ErrInvalidInput)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Detector{
		google:   opts.Google,
		outlook:  opts.Outlook,
		legacy:   opts.Legacy,
		store:    opts.Store,
		location: loc,
		logger:   logger,
	}, nil
}

// InvalidateCaches forces the next Detect to re-prime instead of
// diffing. Called after a retention sweep.
func (d *Detector) InvalidateCaches() {
	d.primed = false
}

// Primed reports whether the next Detect will diff rather than prime.
func (d *Detector) Primed() bool { return d.primed }

// Detect lists every backend from the given horizon, persists canonical
// snapshots, and returns the diff against the previous poll plus the
// full current listing. Store and listing failures abort the cycle.
func (d *Detector) Detect(ctx context.Context, from time.Time) (Changes, Listing, error) {
	googleNow, err := d.listGoogle(ctx, from)
	if err != nil {
		return Changes{}, Listing{}, err
	}
	outlookNow, err := d.listOutlook(ctx, from)
	if err != nil {
		return Changes{}, Listing{}, err
	}
	legacyNow, err := d.listLegacy(ctx, from)
	if err != nil {
		return Changes{}, Listing{}, err
	}

	if err := d.persistSnapshots(ctx, googleNow, outlookNow, legacyNow); err != nil {
		return Changes{}, Listing{}, err
	}

	listing := Listing{Google: googleNow, Outlook: outlookNow, Legacy: legacyNow}
	if !d.primed {
		d.googleCache = googleNow
		d.outlookCache = outlookNow
		d.legacyCache = legacyNow
		d.primed = true
		d.logger.Printf("detector: caches primed: google=%d outlook=%d legacy=%d",
			len(googleNow), len(outlookNow), len(legacyNow))
		return Changes{}, listing, nil
	}

	changes := Changes{
		Google:  diffVendor(googleNow, d.googleCache, d.googleChanged),
		Outlook: diffVendor(outlookNow, d.outlookCache, d.outlookChanged),
		Legacy:  diffVendor(legacyNow, d.legacyCache, d.legacyChanged),
	}
	d.googleCache = googleNow
	d.outlookCache = outlookNow
	d.legacyCache = legacyNow
	return changes, listing, nil
}

func (d *Detector) listGoogle(ctx context.Context, from time.Time) (map[string]GoogleEvent, error) {
	events, err := d.google.ListEvents(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list google events: %w", err)
	}
	out := make(map[string]GoogleEvent, len(events))
	for _, ev := range events {
		if ev.ID != "" {
			out[ev.ID] = ev
		}
	}
	return out, nil
}

func (d *Detector) listOutlook(ctx context.Context, from time.Time) (map[string]OutlookEvent, error) {
	events, err := d.outlook.ListEvents(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list outlook events: %w", err)
	}
	out := make(map[string]OutlookEvent, len(events))
	for _, ev := range events {
		if ev.ID != "" {
			out[ev.ID] = ev
		}
	}
	return out, nil
}

func (d *Detector) listLegacy(ctx context.Context, from time.Time) (map[string]LegacyEvent, error) {
	if d.legacy == nil {
		return map[string]LegacyEvent{}, nil
	}
	events, err := d.legacy.ListEvents(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list legacy events: %w", err)
	}
	out := make(map[string]LegacyEvent, len(events))
	for _, ev := range events {
		if ev.ID != "" {
			out[ev.ID] = ev
		}
	}
	return out, nil
}

func (d *Detector) persistSnapshots(ctx context.Context, google map[string]GoogleEvent, outlook map[string]OutlookEvent, legacy map[string]LegacyEvent) error {
	for _, ev := range google {
		if err := d.store.StoreSnapshot(ctx, BackendGoogle, ev.Canonical(d.location)); err != nil {
			return fmt.Errorf("persist google snapshot %s: %w", ev.ID, err)
		}
	}
	for _, ev := range outlook {
		if err := d.store.StoreSnapshot(ctx, BackendOutlook, ev.Canonical(d.location)); err != nil {
			return fmt.Errorf("persist outlook snapshot %s: %w", ev.ID, err)
		}
	}
	for _, ev := range legacy {
		if err := d.store.StoreSnapshot(ctx, BackendLegacy, ev.Canonical(d.location)); err != nil {
			return fmt.Errorf("persist legacy snapshot %s: %w", ev.ID, err)
		}
	}
	return nil
}

func diffVendor[E any](current, previous map[string]E, changed func(cur, prev E) bool) ChangeSet[E] {
	out := ChangeSet[E]{
		Added:   map[string]E{},
		Updated: map[string]E{},
		Deleted: map[string]E{},
	}
	for id, cur := range current {
		prev, ok := previous[id]
		if !ok {
			out.Added[id] = cur
			continue
		}
		if changed(cur, prev) {
			out.Updated[id] = cur
		}
	}
	for id, prev := range previous {
		if _, ok := current[id]; !ok {
			out.Deleted[id] = prev
		}
	}
	return out
}

func (d *Detector) googleChanged(cur, prev GoogleEvent) bool {
	return canonicalChanged(cur.Canonical(d.location), prev.Canonical(d.location))
}

func (d *Detector) outlookChanged(cur, prev OutlookEvent) bool {
	return canonicalChanged(cur.Canonical(d.location), prev.Canonical(d.location))
}

func (d *Detector) legacyChanged(cur, prev LegacyEvent) bool {
	return canonicalChanged(cur.Canonical(d.location), prev.Canonical(d.location))
}

// canonicalChanged prefers the vendor's last-modified marker; when
// either side lacks one it falls back to comparing the fields a user
// edit would touch.
func canonicalChanged(cur, prev Event) bool {
	if cur.Modified != "" && prev.Modified != "" {
		return cur.Modified != prev.Modified
	}
	if cur.Title != prev.Title {
		return true
	}
	if !cur.StartsAt.Equal(prev.StartsAt) || !cur.EndsAt.Equal(prev.EndsAt) {
		return true
	}
	if cur.Location != prev.Location || cur.Description != prev.Description {
		return true
	}
	return false
}
