package calsync

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and the memory://
// DSN. It mirrors the Postgres semantics, including fill-only upserts
// and the retention purge.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	mappings  []*MappingRow
	snapshots map[Backend]map[string]Event
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		snapshots: map[Backend]map[string]Event{
			BackendGoogle:  {},
			BackendOutlook: {},
			BackendLegacy:  {},
		},
		now: time.Now,
	}
}

// findAllLocked returns every distinct row any of the supplied IDs
// resolves to, in the fixed google, outlook, legacy probe order.
func (s *MemoryStore) findAllLocked(googleID, outlookID, legacyID string) []*MappingRow {
	var found []*MappingRow
	for _, probe := range []struct {
		backend Backend
		id      string
	}{
		{BackendGoogle, googleID},
		{BackendOutlook, outlookID},
		{BackendLegacy, legacyID},
	} {
		if probe.id == "" {
			continue
		}
		for _, row := range s.mappings {
			if row.NativeID(probe.backend) != probe.id {
				continue
			}
			seen := false
			for _, prior := range found {
				if prior == row {
					seen = true
					break
				}
			}
			if !seen {
				found = append(found, row)
			}
		}
	}
	return found
}

func (s *MemoryStore) dropRowLocked(target *MappingRow) {
	kept := s.mappings[:0]
	for _, row := range s.mappings {
		if row != target {
			kept = append(kept, row)
		}
	}
	s.mappings = kept
}

func (s *MemoryStore) UpsertMapping(_ context.Context, googleID, outlookID, legacyID, origin string) error {
	if googleID == "" && outlookID == "" && legacyID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rows := s.findAllLocked(googleID, outlookID, legacyID); len(rows) > 0 {
		// The supplied IDs may resolve to several rows; coalesce them
		// into the first so a native ID never lives in two rows. Set
		// fields are never overwritten.
		row := rows[0]
		for _, extra := range rows[1:] {
			if row.GoogleID == "" {
				row.GoogleID = extra.GoogleID
			}
			if row.OutlookID == "" {
				row.OutlookID = extra.OutlookID
			}
			if row.LegacyID == "" {
				row.LegacyID = extra.LegacyID
			}
			s.dropRowLocked(extra)
		}
		if row.GoogleID == "" {
			row.GoogleID = googleID
		}
		if row.OutlookID == "" {
			row.OutlookID = outlookID
		}
		if row.LegacyID == "" {
			row.LegacyID = legacyID
		}
		row.LastSyncedAt = s.now()
		return nil
	}
	s.mappings = append(s.mappings, &MappingRow{
		ID:           s.nextID,
		GoogleID:     googleID,
		OutlookID:    outlookID,
		LegacyID:     legacyID,
		Origin:       origin,
		LastSyncedAt: s.now(),
	})
	s.nextID++
	return nil
}

func (s *MemoryStore) LookupMapping(_ context.Context, backend Backend, nativeID string) (MappingRow, error) {
	if nativeID == "" {
		return MappingRow{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.mappings {
		if row.NativeID(backend) == nativeID {
			return *row, nil
		}
	}
	return MappingRow{}, ErrNotFound
}

func (s *MemoryStore) AllMappings(_ context.Context) ([]MappingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MappingRow, 0, len(s.mappings))
	for _, row := range s.mappings {
		out = append(out, *row)
	}
	return out, nil
}

func (s *MemoryStore) RemoveMapping(_ context.Context, googleID, outlookID, legacyID string) error {
	if googleID == "" && outlookID == "" && legacyID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mappings[:0]
	for _, row := range s.mappings {
		match := googleID != "" && row.GoogleID == googleID ||
			outlookID != "" && row.OutlookID == outlookID ||
			legacyID != "" && row.LegacyID == legacyID
		if !match {
			kept = append(kept, row)
		}
	}
	s.mappings = kept
	return nil
}

func (s *MemoryStore) StoreSnapshot(_ context.Context, backend Backend, ev Event) error {
	if ev.NativeID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.snapshots[backend]
	if !ok {
		return ErrInvalidInput
	}
	table[ev.NativeID] = ev
	return nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, backend Backend, nativeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table, ok := s.snapshots[backend]; ok {
		delete(table, nativeID)
	}
	return nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (PurgeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts PurgeCounts
	expired := map[Backend]map[string]bool{}
	for backend, table := range s.snapshots {
		expired[backend] = map[string]bool{}
		for id, ev := range table {
			if !ev.EndsAt.IsZero() && ev.EndsAt.Before(cutoff) {
				expired[backend][id] = true
			}
		}
	}

	kept := s.mappings[:0]
	for _, row := range s.mappings {
		if expired[BackendGoogle][row.GoogleID] ||
			expired[BackendOutlook][row.OutlookID] ||
			expired[BackendLegacy][row.LegacyID] {
			counts.Mappings++
			continue
		}
		kept = append(kept, row)
	}
	s.mappings = kept

	for backend, ids := range expired {
		for id := range ids {
			delete(s.snapshots[backend], id)
			switch backend {
			case BackendGoogle:
				counts.Google++
			case BackendOutlook:
				counts.Outlook++
			case BackendLegacy:
				counts.Legacy++
			}
		}
	}

	// Drop rows whose every remaining reference points at nothing.
	kept = s.mappings[:0]
	for _, row := range s.mappings {
		live := false
		for _, b := range []Backend{BackendGoogle, BackendOutlook, BackendLegacy} {
			id := row.NativeID(b)
			if id == "" {
				continue
			}
			if _, ok := s.snapshots[b][id]; ok {
				live = true
				break
			}
		}
		if live {
			kept = append(kept, row)
		} else {
			counts.Mappings++
		}
	}
	s.mappings = kept
	return counts, nil
}

// SnapshotCount reports how many snapshot rows a backend holds. Test
// helper.
func (s *MemoryStore) SnapshotCount(backend Backend) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots[backend])
}

// MappingCount reports how many mapping rows exist. Test helper.
func (s *MemoryStore) MappingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

func (s *MemoryStore) Close() error { return nil }
