package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreMappingSymmetry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertMapping(ctx, "g1", "o1", "l1", OriginContentMatch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, probe := range []struct {
		backend Backend
		id      string
	}{
		{BackendGoogle, "g1"},
		{BackendOutlook, "o1"},
		{BackendLegacy, "l1"},
	} {
		row, err := store.LookupMapping(ctx, probe.backend, probe.id)
		if err != nil {
			t.Fatalf("lookup via %s: %v", probe.backend, err)
		}
		if row.GoogleID != "g1" || row.OutlookID != "o1" || row.LegacyID != "l1" {
			t.Fatalf("lookup via %s returned %+v", probe.backend, row)
		}
	}
}

func TestMemoryStoreLookupNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LookupMapping(context.Background(), BackendGoogle, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorePartialMappingCompletion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertMapping(ctx, "g1", "o1", "", OriginContentMatch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "", "o1", "l1", OriginContentMatch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if n := store.MappingCount(); n != 1 {
		t.Fatalf("expected a single merged row, got %d", n)
	}
	row, err := store.LookupMapping(ctx, BackendLegacy, "l1")
	if err != nil {
		t.Fatalf("lookup merged row: %v", err)
	}
	if row.GoogleID != "g1" || row.OutlookID != "o1" || row.LegacyID != "l1" {
		t.Fatalf("merged row incomplete: %+v", row)
	}
}

func TestMemoryStoreUpsertCoalescesBridgedRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Two independent rows first, then an upsert whose IDs bridge them.
	if err := store.UpsertMapping(ctx, "g1", "", "", OriginContentMatch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "", "o1", "l1", OriginContentMatch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "g1", "o1", "", OriginIDMatch); err != nil {
		t.Fatalf("bridging upsert: %v", err)
	}

	if n := store.MappingCount(); n != 1 {
		t.Fatalf("expected the bridged rows coalesced into one, got %d", n)
	}
	row, err := store.LookupMapping(ctx, BackendLegacy, "l1")
	if err != nil {
		t.Fatalf("lookup coalesced row: %v", err)
	}
	if row.GoogleID != "g1" || row.OutlookID != "o1" || row.LegacyID != "l1" {
		t.Fatalf("coalesced row incomplete: %+v", row)
	}
}

func TestMemoryStoreCoalesceKeepsFirstRowLinks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Conflicting outlook links across the two rows: the first row's
	// value must survive the coalesce.
	if err := store.UpsertMapping(ctx, "g1", "o1", "", OriginContentMatch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "", "o2", "l1", OriginContentMatch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "g1", "", "l1", OriginIDMatch); err != nil {
		t.Fatalf("bridging upsert: %v", err)
	}

	if n := store.MappingCount(); n != 1 {
		t.Fatalf("expected a single row, got %d", n)
	}
	row, err := store.LookupMapping(ctx, BackendGoogle, "g1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.OutlookID != "o1" {
		t.Fatalf("first row's outlook link must not be displaced: %+v", row)
	}
	if row.LegacyID != "l1" {
		t.Fatalf("legacy link should be absorbed: %+v", row)
	}
}

func TestMemoryStoreUpsertNeverOverwrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertMapping(ctx, "g1", "o1", "", OriginContentMatch); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// A conflicting google ID arriving through the same outlook ID must
	// not displace the established link.
	if err := store.UpsertMapping(ctx, "g2", "o1", "", OriginContentMatch); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	row, err := store.LookupMapping(ctx, BackendOutlook, "o1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.GoogleID != "g1" {
		t.Fatalf("existing google link overwritten: %+v", row)
	}
}

func TestMemoryStoreUpsertRejectsAllEmpty(t *testing.T) {
	store := NewMemoryStore()
	err := store.UpsertMapping(context.Background(), "", "", "", OriginContentMatch)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMemoryStoreRemoveMappingByAnyID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertMapping(ctx, "g1", "o1", "l1", OriginContentMatch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.RemoveMapping(ctx, "", "o1", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.LookupMapping(ctx, BackendGoogle, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}
	// Removing an unmapped ID is a no-op, not an error.
	if err := store.RemoveMapping(ctx, "never-existed", "", ""); err != nil {
		t.Fatalf("remove unmapped: %v", err)
	}
}

func TestMemoryStorePurgeRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	old := Event{NativeID: "g-old", Title: "Old", EndsAt: cutoff.AddDate(0, 0, -5)}
	fresh := Event{NativeID: "g-new", Title: "Fresh", EndsAt: cutoff.AddDate(0, 0, 5)}
	oldCounterpart := Event{NativeID: "o-old", Title: "Old", EndsAt: cutoff.AddDate(0, 0, -5)}
	if err := store.StoreSnapshot(ctx, BackendGoogle, old); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := store.StoreSnapshot(ctx, BackendGoogle, fresh); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := store.StoreSnapshot(ctx, BackendOutlook, oldCounterpart); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := store.UpsertMapping(ctx, "g-old", "o-old", "", OriginContentMatch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	counts, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if counts.Google != 1 {
		t.Fatalf("expected 1 google snapshot purged, got %d", counts.Google)
	}
	if counts.Outlook != 1 {
		t.Fatalf("expected 1 outlook snapshot purged, got %d", counts.Outlook)
	}
	if counts.Mappings == 0 {
		t.Fatalf("expected the referencing mapping row to be purged")
	}
	if store.SnapshotCount(BackendGoogle) != 1 {
		t.Fatalf("fresh snapshot should survive")
	}
	if store.MappingCount() != 0 {
		t.Fatalf("expected no mapping rows after purge")
	}
}

func TestMemoryStorePurgeKeepsEventsWithoutEnd(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	noEnd := Event{NativeID: "g1", Title: "No End Recorded"}
	if err := store.StoreSnapshot(ctx, BackendGoogle, noEnd); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	counts, err := store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if counts.Google != 0 || store.SnapshotCount(BackendGoogle) != 1 {
		t.Fatalf("snapshot without end time must not be purged")
	}
}

func TestMemoryStoreAllMappings(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rows, err := store.AllMappings(ctx)
	if err != nil {
		t.Fatalf("all mappings: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("fresh store should have no rows, got %d", len(rows))
	}

	if err := store.UpsertMapping(ctx, "g1", "o1", "", OriginContentMatch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertMapping(ctx, "g2", "", "l2", OriginIDMatch); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err = store.AllMappings(ctx)
	if err != nil {
		t.Fatalf("all mappings: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].ID >= rows[1].ID {
		t.Fatalf("rows must come back in ID order: %d then %d", rows[0].ID, rows[1].ID)
	}
	if rows[0].GoogleID != "g1" || rows[1].LegacyID != "l2" {
		t.Fatalf("rows: %+v", rows)
	}
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, err := BuildStoreFromDSN("mysql://db"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildStoreFromDSN(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty DSN, got %v", err)
	}
}
