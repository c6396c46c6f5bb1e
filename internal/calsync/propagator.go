package calsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PropagatorOptions configures NewPropagator.
type PropagatorOptions struct {
	Google   GoogleClient
	Outlook  OutlookClient
	Legacy   LegacyClient // nil disables the tertiary backend
	Store    Store
	Matcher  *Matcher
	Location *time.Location
	Logger   Logger
}

// Propagator applies one poll's detected changes to the other
// backends. Backends are processed in a fixed order (google, outlook,
// legacy) and within each: additions, updates, deletions. A failed
// remote call is logged and skipped; a failed store call aborts the
// cycle.
type Propagator struct {
	google   GoogleClient
	outlook  OutlookClient
	legacy   LegacyClient
	store    Store
	matcher  *Matcher
	location *time.Location
	logger   Logger
}

func NewPropagator(opts PropagatorOptions) (*Propagator, error) {
	if opts.Google == nil || opts.Outlook == nil {
		return nil, fmt.Errorf("%w: propagator requires google and outlook clients", ErrInvalidInput)
	}
	if opts.Store == nil || opts.Matcher == nil {
		return nil, fmt.Errorf("%w: propagator requires a store and a matcher", ErrInvalidInput)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Propagator{
		google:   opts.Google,
		outlook:  opts.Outlook,
		legacy:   opts.Legacy,
		store:    opts.Store,
		matcher:  opts.Matcher,
		location: loc,
		logger:   logger,
	}, nil
}

func (p *Propagator) backends() []Backend {
	out := []Backend{BackendGoogle, BackendOutlook}
	if p.legacy != nil {
		out = append(out, BackendLegacy)
	}
	return out
}

// createFunc creates the counterpart on the target backend and returns
// its native ID plus canonical view. Conversion failures surface as
// errUnconvertible.
type createFunc func(ctx context.Context) (string, Event, error)

// updateFunc pushes the source's current state onto an existing
// counterpart and returns the counterpart's refreshed canonical view.
type updateFunc func(ctx context.Context, counterpartID string) (Event, error)

// Propagate applies the changes and returns per-pair counters.
func (p *Propagator) Propagate(ctx context.Context, changes Changes, listing Listing) (Counters, error) {
	counters := NewCounters(p.backends())

	if err := p.propagateGoogle(ctx, changes.Google, listing, counters); err != nil {
		return counters, err
	}
	if err := p.propagateOutlook(ctx, changes.Outlook, listing, counters); err != nil {
		return counters, err
	}
	if p.legacy != nil {
		if err := p.propagateLegacy(ctx, changes.Legacy, listing, counters); err != nil {
			return counters, err
		}
	}
	return counters, nil
}

func (p *Propagator) propagateGoogle(ctx context.Context, cs ChangeSet[GoogleEvent], listing Listing, counters Counters) error {
	for _, id := range sortedKeys(cs.Added) {
		src := cs.Added[id]
		creates := map[Backend]createFunc{
			BackendOutlook: func(ctx context.Context) (string, Event, error) {
				body, err := GoogleToOutlook(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.outlook.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
			BackendLegacy: func(ctx context.Context) (string, Event, error) {
				body, err := GoogleToLegacy(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.legacy.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
		}
		if err := p.handleAdded(ctx, BackendGoogle, id, src.Canonical(p.location), listing, counters, creates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Updated) {
		src := cs.Updated[id]
		updates := map[Backend]updateFunc{
			BackendOutlook: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := GoogleToOutlook(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.outlook.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
			BackendLegacy: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := GoogleToLegacy(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.legacy.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
		}
		if err := p.handleUpdated(ctx, BackendGoogle, id, counters, updates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Deleted) {
		if err := p.handleDeleted(ctx, BackendGoogle, id, counters); err != nil {
			return err
		}
	}
	return nil
}

func (p *Propagator) propagateOutlook(ctx context.Context, cs ChangeSet[OutlookEvent], listing Listing, counters Counters) error {
	for _, id := range sortedKeys(cs.Added) {
		src := cs.Added[id]
		creates := map[Backend]createFunc{
			BackendGoogle: func(ctx context.Context) (string, Event, error) {
				body, err := OutlookToGoogle(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.google.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
			BackendLegacy: func(ctx context.Context) (string, Event, error) {
				body, err := OutlookToLegacy(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.legacy.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
		}
		if err := p.handleAdded(ctx, BackendOutlook, id, src.Canonical(p.location), listing, counters, creates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Updated) {
		src := cs.Updated[id]
		updates := map[Backend]updateFunc{
			BackendGoogle: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := OutlookToGoogle(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.google.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
			BackendLegacy: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := OutlookToLegacy(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.legacy.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
		}
		if err := p.handleUpdated(ctx, BackendOutlook, id, counters, updates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Deleted) {
		if err := p.handleDeleted(ctx, BackendOutlook, id, counters); err != nil {
			return err
		}
	}
	return nil
}

func (p *Propagator) propagateLegacy(ctx context.Context, cs ChangeSet[LegacyEvent], listing Listing, counters Counters) error {
	for _, id := range sortedKeys(cs.Added) {
		src := cs.Added[id]
		creates := map[Backend]createFunc{
			BackendGoogle: func(ctx context.Context) (string, Event, error) {
				body, err := LegacyToGoogle(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.google.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
			BackendOutlook: func(ctx context.Context) (string, Event, error) {
				body, err := LegacyToOutlook(src, p.location)
				if err != nil {
					return "", Event{}, err
				}
				created, err := p.outlook.CreateEvent(ctx, body)
				if err != nil {
					return "", Event{}, err
				}
				return created.ID, created.Canonical(p.location), nil
			},
		}
		if err := p.handleAdded(ctx, BackendLegacy, id, src.Canonical(p.location), listing, counters, creates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Updated) {
		src := cs.Updated[id]
		updates := map[Backend]updateFunc{
			BackendGoogle: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := LegacyToGoogle(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.google.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
			BackendOutlook: func(ctx context.Context, counterpartID string) (Event, error) {
				body, err := LegacyToOutlook(src, p.location)
				if err != nil {
					return Event{}, err
				}
				updated, err := p.outlook.UpdateEvent(ctx, counterpartID, body)
				if err != nil {
					return Event{}, err
				}
				return updated.Canonical(p.location), nil
			},
		}
		if err := p.handleUpdated(ctx, BackendLegacy, id, counters, updates); err != nil {
			return err
		}
	}

	for _, id := range sortedKeys(cs.Deleted) {
		if err := p.handleDeleted(ctx, BackendLegacy, id, counters); err != nil {
			return err
		}
	}
	return nil
}

// handleAdded links or creates counterparts for a newly observed
// event. Order per target: reverse-reference hint, duplicate scan of
// the target's current listing with the relaxed day-wide window, and
// only then a remote create.
func (p *Propagator) handleAdded(ctx context.Context, source Backend, nativeID string, canonical Event, listing Listing, counters Counters, creates map[Backend]createFunc) error {
	row, err := p.store.LookupMapping(ctx, source, nativeID)
	switch {
	case err == nil:
		if len(row.Counterparts(source)) > 0 {
			// Linked in an earlier pass; counterparts already exist.
			return nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("lookup before add of %s/%s: %w", source, nativeID, err)
	}

	for _, target := range p.backends() {
		if target == source {
			continue
		}
		create := creates[target]
		if create == nil {
			continue
		}

		// Hint fast path.
		if hint := canonical.CrossRefs[target]; hint != "" && listingHas(listing, target, hint) {
			if err := p.link(ctx, source, nativeID, target, hint, OriginIDMatch); err != nil {
				return err
			}
			continue
		}

		// Dedup scan before create: anything equivalent within the
		// day-wide window on the target means link, not create.
		if dupID := p.findDuplicate(ctx, canonical, source, target, listing); dupID != "" {
			p.logger.Printf("propagate: %s/%s matches existing %s/%s, linking instead of creating",
				source, nativeID, target, dupID)
			if err := p.link(ctx, source, nativeID, target, dupID, OriginContentMatch); err != nil {
				return err
			}
			continue
		}

		createdID, createdCanon, err := create(ctx)
		if err != nil {
			if errors.Is(err, errUnconvertible) {
				p.logger.Printf("propagate: %s/%s cannot be represented on %s, skipping", source, nativeID, target)
				continue
			}
			p.logger.Printf("propagate: create on %s for %s/%s failed: %v", target, source, nativeID, err)
			continue
		}
		if err := p.store.StoreSnapshot(ctx, target, createdCanon); err != nil {
			return fmt.Errorf("snapshot created %s/%s: %w", target, createdID, err)
		}
		if err := p.link(ctx, source, nativeID, target, createdID, OriginCreatedFrom(source)); err != nil {
			return err
		}
		counters.pair(source, target).Created++
	}
	return nil
}

func (p *Propagator) handleUpdated(ctx context.Context, source Backend, nativeID string, counters Counters, updates map[Backend]updateFunc) error {
	row, err := p.store.LookupMapping(ctx, source, nativeID)
	if errors.Is(err, ErrNotFound) {
		// Updated but never linked: nothing to push to.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup before update of %s/%s: %w", source, nativeID, err)
	}

	counterparts := row.Counterparts(source)
	for _, target := range p.backends() {
		counterpartID, linked := counterparts[target]
		if !linked {
			continue
		}
		update := updates[target]
		if update == nil {
			continue
		}
		refreshed, err := update(ctx, counterpartID)
		if err != nil {
			if errors.Is(err, errUnconvertible) {
				p.logger.Printf("propagate: update of %s/%s cannot be represented on %s, skipping", source, nativeID, target)
				continue
			}
			p.logger.Printf("propagate: update on %s/%s for %s/%s failed: %v", target, counterpartID, source, nativeID, err)
			continue
		}
		if err := p.store.StoreSnapshot(ctx, target, refreshed); err != nil {
			return fmt.Errorf("snapshot updated %s/%s: %w", target, counterpartID, err)
		}
		counters.pair(source, target).Updated++
	}
	return nil
}

// handleDeleted cascades a deletion to every linked counterpart. The
// mapping row is removed unconditionally afterwards, even when a remote
// delete failed, so a half-deleted pair never resurrects the event.
func (p *Propagator) handleDeleted(ctx context.Context, source Backend, nativeID string, counters Counters) error {
	row, err := p.store.LookupMapping(ctx, source, nativeID)
	if errors.Is(err, ErrNotFound) {
		return p.store.DeleteSnapshot(ctx, source, nativeID)
	}
	if err != nil {
		return fmt.Errorf("lookup before delete of %s/%s: %w", source, nativeID, err)
	}

	counterparts := row.Counterparts(source)
	for _, target := range p.backends() {
		counterpartID, linked := counterparts[target]
		if !linked {
			continue
		}
		gone, err := p.deleteOn(ctx, target, counterpartID)
		if err != nil {
			p.logger.Printf("propagate: delete on %s/%s for %s/%s failed: %v", target, counterpartID, source, nativeID, err)
			continue
		}
		if gone {
			counters.pair(source, target).Deleted++
			if err := p.store.DeleteSnapshot(ctx, target, counterpartID); err != nil {
				return err
			}
		}
	}

	if err := p.store.RemoveMapping(ctx, row.GoogleID, row.OutlookID, row.LegacyID); err != nil {
		return fmt.Errorf("remove mapping for %s/%s: %w", source, nativeID, err)
	}
	return p.store.DeleteSnapshot(ctx, source, nativeID)
}

func (p *Propagator) deleteOn(ctx context.Context, target Backend, nativeID string) (bool, error) {
	switch target {
	case BackendGoogle:
		return p.google.DeleteEvent(ctx, nativeID)
	case BackendOutlook:
		return p.outlook.DeleteEvent(ctx, nativeID)
	case BackendLegacy:
		if p.legacy == nil {
			return false, nil
		}
		return p.legacy.DeleteEvent(ctx, nativeID)
	}
	return false, fmt.Errorf("%w: unknown backend %q", ErrInvalidInput, target)
}

// findDuplicate scans the target's current listing for an event
// equivalent to canonical under the relaxed day-wide window.
func (p *Propagator) findDuplicate(ctx context.Context, canonical Event, source, target Backend, listing Listing) string {
	switch target {
	case BackendGoogle:
		for _, id := range sortedKeys(listing.Google) {
			if p.matcher.Matches(ctx, canonical, source, listing.Google[id].Canonical(p.location), target, MatchRelaxed, DedupTolerance) {
				return id
			}
		}
	case BackendOutlook:
		for _, id := range sortedKeys(listing.Outlook) {
			if p.matcher.Matches(ctx, canonical, source, listing.Outlook[id].Canonical(p.location), target, MatchRelaxed, DedupTolerance) {
				return id
			}
		}
	case BackendLegacy:
		for _, id := range sortedKeys(listing.Legacy) {
			if p.matcher.Matches(ctx, canonical, source, listing.Legacy[id].Canonical(p.location), target, MatchRelaxed, DedupTolerance) {
				return id
			}
		}
	}
	return ""
}

func (p *Propagator) link(ctx context.Context, source Backend, sourceID string, target Backend, targetID, origin string) error {
	ids := map[Backend]string{source: sourceID, target: targetID}
	if err := p.store.UpsertMapping(ctx, ids[BackendGoogle], ids[BackendOutlook], ids[BackendLegacy], origin); err != nil {
		return fmt.Errorf("link %s/%s to %s/%s: %w", source, sourceID, target, targetID, err)
	}
	return nil
}

func listingHas(listing Listing, backend Backend, nativeID string) bool {
	switch backend {
	case BackendGoogle:
		_, ok := listing.Google[nativeID]
		return ok
	case BackendOutlook:
		_, ok := listing.Outlook[nativeID]
		return ok
	case BackendLegacy:
		_, ok := listing.Legacy[nativeID]
		return ok
	}
	return false
}

func sortedKeys[E any](m map[string]E) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
