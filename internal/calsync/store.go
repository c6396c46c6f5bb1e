package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel errors shared across store implementations.
var (
	// ErrNotFound is returned when a lookup names an ID no mapping or
	// snapshot row carries.
	ErrNotFound = errors.New("calsync: not found")
	// ErrInvalidInput is returned when an operation is handed arguments
	// it cannot act on, such as an upsert with no IDs at all.
	ErrInvalidInput = errors.New("calsync: invalid input")
)

// MappingRow links the native IDs of one logical event across the
// backends. Unset IDs are empty strings. Origin records how the link
// was first established.
type MappingRow struct {
	ID           int64     `json:"id"`
	GoogleID     string    `json:"google_id,omitempty"`
	OutlookID    string    `json:"outlook_id,omitempty"`
	LegacyID     string    `json:"legacy_id,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	Origin       string    `json:"origin"`
}

// Mapping origins.
const (
	OriginIDMatch      = "id_match"
	OriginContentMatch = "content_match"
)

// OriginCreatedFrom names the origin recorded when propagation created
// the counterpart event.
func OriginCreatedFrom(b Backend) string { return "created_from_" + string(b) }

// NativeID returns the row's ID for the given backend.
func (r MappingRow) NativeID(b Backend) string {
	switch b {
	case BackendGoogle:
		return r.GoogleID
	case BackendOutlook:
		return r.OutlookID
	case BackendLegacy:
		return r.LegacyID
	}
	return ""
}

// Counterparts returns the row's IDs for every backend other than b,
// skipping unset ones.
func (r MappingRow) Counterparts(b Backend) map[Backend]string {
	out := map[Backend]string{}
	for _, other := range []Backend{BackendGoogle, BackendOutlook, BackendLegacy} {
		if other == b {
			continue
		}
		if id := r.NativeID(other); id != "" {
			out[other] = id
		}
	}
	return out
}

// PurgeCounts reports how many rows a retention sweep removed.
type PurgeCounts struct {
	Google   int
	Outlook  int
	Legacy   int
	Mappings int
}

func (c PurgeCounts) Total() int { return c.Google + c.Outlook + c.Legacy + c.Mappings }

// Store is the identity-and-snapshot repository the reconciler runs
// against. Implementations: Postgres (production) and in-memory
// (tests, memory:// DSN).
type Store interface {
	// UpsertMapping links native IDs. If any given ID already appears in
	// a row, that row's unset columns are filled with the other given
	// IDs; set columns are never overwritten. Otherwise a new row is
	// inserted. Empty arguments mean "unknown", not "clear".
	UpsertMapping(ctx context.Context, googleID, outlookID, legacyID, origin string) error

	// LookupMapping finds the row containing nativeID in the column for
	// backend. Returns ErrNotFound when no row carries the ID.
	LookupMapping(ctx context.Context, backend Backend, nativeID string) (MappingRow, error)

	// RemoveMapping deletes every row matching any of the given IDs in
	// its respective column. Removing an unmapped ID is not an error.
	RemoveMapping(ctx context.Context, googleID, outlookID, legacyID string) error

	// AllMappings returns every mapping row, ordered by row ID.
	AllMappings(ctx context.Context) ([]MappingRow, error)

	// StoreSnapshot persists the canonical view of a backend's event,
	// replacing any previous snapshot with the same native ID.
	StoreSnapshot(ctx context.Context, backend Backend, ev Event) error

	// DeleteSnapshot removes a backend's snapshot row. Missing rows are
	// not an error.
	DeleteSnapshot(ctx context.Context, backend Backend, nativeID string) error

	// PurgeOlderThan removes snapshot rows whose end time falls before
	// cutoff, the mapping rows referencing them, and any mapping rows
	// left without a single live snapshot reference.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error)

	Close() error
}

const postgresOperationTimeout = 5 * time.Second

// sqlOpenFunc is swapped in tests to avoid a live server.
var sqlOpenFunc = sql.Open

// PostgresStore keeps mappings and snapshots in Postgres: one mapping
// table plus one snapshot table per backend. Schema setup is lazy and
// idempotent.
type PostgresStore struct {
	db          *sql.DB
	tablePrefix string

	initOnce sync.Once
	initErr  error
}

// PostgresStoreOptions configures NewPostgresStore.
type PostgresStoreOptions struct {
	// DSN is the lib/pq connection string.
	DSN string
	// TablePrefix is prepended to every table name. Defaults to
	// "calbridge_".
	TablePrefix string
}

// NewPostgresStore opens the database handle. The schema is created on
// first use.
func NewPostgresStore(opts PostgresStoreOptions) (*PostgresStore, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("%w: postgres store requires a DSN", ErrInvalidInput)
	}
	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "calbridge_"
	}
	if err := validateTablePrefix(prefix); err != nil {
		return nil, err
	}
	db, err := sqlOpenFunc("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return &PostgresStore{db: db, tablePrefix: prefix}, nil
}

func validateTablePrefix(prefix string) error {
	for _, r := range prefix {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return fmt.Errorf("%w: table prefix %q must be lowercase alphanumeric or underscore", ErrInvalidInput, prefix)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *PostgresStore) snapshotTable(b Backend) string {
	return quoteIdentifier(s.tablePrefix + string(b) + "_events")
}

func (s *PostgresStore) mappingTable() string {
	return quoteIdentifier(s.tablePrefix + "event_mappings")
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.createSchema(ctx)
	})
	return s.initErr
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	for _, b := range []Backend{BackendGoogle, BackendOutlook, BackendLegacy} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMPTZ,
			end_at TIMESTAMPTZ,
			all_day BOOLEAN NOT NULL DEFAULT FALSE,
			location TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			attendees TEXT NOT NULL DEFAULT '',
			modified TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.snapshotTable(b))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create snapshot table for %s: %w", b, err)
		}
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		google_id TEXT,
		outlook_id TEXT,
		legacy_id TEXT,
		origin TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, s.mappingTable())
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create mapping table: %w", err)
	}

	for _, col := range []string{"google_id", "outlook_id", "legacy_id"} {
		idx := quoteIdentifier(s.tablePrefix + "event_mappings_" + col + "_idx")
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, idx, s.mappingTable(), quoteIdentifier(col))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create mapping index on %s: %w", col, err)
		}
	}
	return nil
}

func mappingColumn(b Backend) (string, error) {
	switch b {
	case BackendGoogle:
		return "google_id", nil
	case BackendOutlook:
		return "outlook_id", nil
	case BackendLegacy:
		return "legacy_id", nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidInput, b)
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, googleID, outlookID, legacyID, origin string) error {
	if googleID == "" && outlookID == "" && legacyID == "" {
		return fmt.Errorf("%w: mapping upsert needs at least one native ID", ErrInvalidInput)
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// Locate every existing row the given IDs resolve to, in the fixed
	// google, outlook, legacy order. More than one row means the IDs
	// bridge previously separate links and the rows must be coalesced.
	var rowIDs []int64
	for _, probe := range []struct {
		col string
		id  string
	}{
		{"google_id", googleID},
		{"outlook_id", outlookID},
		{"legacy_id", legacyID},
	} {
		if probe.id == "" {
			continue
		}
		var rowID int64
		query := fmt.Sprintf(`SELECT id FROM %s WHERE %s = $1 LIMIT 1`, s.mappingTable(), quoteIdentifier(probe.col))
		err := s.db.QueryRowContext(ctx, query, probe.id).Scan(&rowID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("locate mapping row: %w", err)
		}
		seen := false
		for _, prior := range rowIDs {
			if prior == rowID {
				seen = true
				break
			}
		}
		if !seen {
			rowIDs = append(rowIDs, rowID)
		}
	}

	if len(rowIDs) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mapping upsert: %w", err)
		}
		defer tx.Rollback()

		primary := rowIDs[0]
		for _, extra := range rowIDs[1:] {
			stmt := fmt.Sprintf(`UPDATE %s p SET
				google_id = COALESCE(p.google_id, e.google_id),
				outlook_id = COALESCE(p.outlook_id, e.outlook_id),
				legacy_id = COALESCE(p.legacy_id, e.legacy_id)
				FROM %s e WHERE p.id = $1 AND e.id = $2`, s.mappingTable(), s.mappingTable())
			if _, err := tx.ExecContext(ctx, stmt, primary, extra); err != nil {
				return fmt.Errorf("coalesce mapping rows: %w", err)
			}
			stmt = fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.mappingTable())
			if _, err := tx.ExecContext(ctx, stmt, extra); err != nil {
				return fmt.Errorf("drop coalesced mapping row: %w", err)
			}
		}

		// Fill only the columns that are still NULL. Existing links are
		// never overwritten.
		stmt := fmt.Sprintf(`UPDATE %s SET
			google_id = COALESCE(google_id, NULLIF($1, '')),
			outlook_id = COALESCE(outlook_id, NULLIF($2, '')),
			legacy_id = COALESCE(legacy_id, NULLIF($3, '')),
			last_synced_at = NOW()
			WHERE id = $4`, s.mappingTable())
		if _, err := tx.ExecContext(ctx, stmt, googleID, outlookID, legacyID, primary); err != nil {
			return fmt.Errorf("fill mapping row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit mapping upsert: %w", err)
		}
		return nil
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (google_id, outlook_id, legacy_id, origin, last_synced_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), $4, NOW())`, s.mappingTable())
	if _, err := s.db.ExecContext(ctx, stmt, googleID, outlookID, legacyID, origin); err != nil {
		return fmt.Errorf("insert mapping row: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupMapping(ctx context.Context, backend Backend, nativeID string) (MappingRow, error) {
	if nativeID == "" {
		return MappingRow{}, fmt.Errorf("%w: lookup needs a native ID", ErrInvalidInput)
	}
	col, err := mappingColumn(backend)
	if err != nil {
		return MappingRow{}, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return MappingRow{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, COALESCE(google_id, ''), COALESCE(outlook_id, ''), COALESCE(legacy_id, ''), origin, last_synced_at
		FROM %s WHERE %s = $1 LIMIT 1`, s.mappingTable(), quoteIdentifier(col))
	var row MappingRow
	err = s.db.QueryRowContext(ctx, query, nativeID).Scan(
		&row.ID, &row.GoogleID, &row.OutlookID, &row.LegacyID, &row.Origin, &row.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MappingRow{}, ErrNotFound
	}
	if err != nil {
		return MappingRow{}, fmt.Errorf("lookup mapping: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) AllMappings(ctx context.Context) ([]MappingRow, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, COALESCE(google_id, ''), COALESCE(outlook_id, ''), COALESCE(legacy_id, ''), origin, last_synced_at
		FROM %s ORDER BY id`, s.mappingTable())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []MappingRow
	for rows.Next() {
		var row MappingRow
		if err := rows.Scan(&row.ID, &row.GoogleID, &row.OutlookID, &row.LegacyID, &row.Origin, &row.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RemoveMapping(ctx context.Context, googleID, outlookID, legacyID string) error {
	if googleID == "" && outlookID == "" && legacyID == "" {
		return nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE
		($1 <> '' AND google_id = $1) OR
		($2 <> '' AND outlook_id = $2) OR
		($3 <> '' AND legacy_id = $3)`, s.mappingTable())
	if _, err := s.db.ExecContext(ctx, stmt, googleID, outlookID, legacyID); err != nil {
		return fmt.Errorf("remove mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) StoreSnapshot(ctx context.Context, backend Backend, ev Event) error {
	if ev.NativeID == "" {
		return fmt.Errorf("%w: snapshot needs a native ID", ErrInvalidInput)
	}
	if _, err := mappingColumn(backend); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	stmt := fmt.Sprintf(`INSERT INTO %s (id, title, start_at, end_at, all_day, location, description, attendees, modified, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active', NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			all_day = EXCLUDED.all_day,
			location = EXCLUDED.location,
			description = EXCLUDED.description,
			attendees = EXCLUDED.attendees,
			modified = EXCLUDED.modified,
			status = 'active',
			updated_at = NOW()`, s.snapshotTable(backend))
	_, err := s.db.ExecContext(ctx, stmt,
		ev.NativeID, ev.Title, nullableTime(ev.StartsAt), nullableTime(ev.EndsAt), ev.AllDay,
		ev.Location, ev.Description, strings.Join(ev.Attendees, ","), ev.Modified)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSnapshot(ctx context.Context, backend Backend, nativeID string) error {
	if nativeID == "" {
		return nil
	}
	if _, err := mappingColumn(backend); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.snapshotTable(backend))
	if _, err := s.db.ExecContext(ctx, stmt, nativeID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error) {
	var counts PurgeCounts
	if err := s.ensureReady(ctx); err != nil {
		return counts, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*postgresOperationTimeout)
	defer cancel()

	// Mapping rows referencing an expiring snapshot go first, then the
	// snapshots themselves, then rows left without any live reference.
	for _, step := range []struct {
		backend Backend
		col     string
	}{
		{BackendGoogle, "google_id"},
		{BackendOutlook, "outlook_id"},
		{BackendLegacy, "legacy_id"},
	} {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (
			SELECT id FROM %s WHERE end_at IS NOT NULL AND end_at < $1)`,
			s.mappingTable(), quoteIdentifier(step.col), s.snapshotTable(step.backend))
		res, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return counts, fmt.Errorf("purge mappings for %s: %w", step.backend, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			counts.Mappings += int(n)
		}
	}

	for _, step := range []struct {
		backend Backend
		count   *int
	}{
		{BackendGoogle, &counts.Google},
		{BackendOutlook, &counts.Outlook},
		{BackendLegacy, &counts.Legacy},
	} {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE end_at IS NOT NULL AND end_at < $1`, s.snapshotTable(step.backend))
		res, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return counts, fmt.Errorf("purge snapshots for %s: %w", step.backend, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			*step.count = int(n)
		}
	}

	stmt := fmt.Sprintf(`DELETE FROM %s m WHERE
		(m.google_id IS NULL OR NOT EXISTS (SELECT 1 FROM %s g WHERE g.id = m.google_id)) AND
		(m.outlook_id IS NULL OR NOT EXISTS (SELECT 1 FROM %s o WHERE o.id = m.outlook_id)) AND
		(m.legacy_id IS NULL OR NOT EXISTS (SELECT 1 FROM %s l WHERE l.id = m.legacy_id))`,
		s.mappingTable(), s.snapshotTable(BackendGoogle), s.snapshotTable(BackendOutlook), s.snapshotTable(BackendLegacy))
	res, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return counts, fmt.Errorf("purge orphaned mappings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		counts.Mappings += int(n)
	}
	return counts, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
