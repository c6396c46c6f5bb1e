package calsync

import (
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
)

// BuildStoreFromDSN constructs a Store from a connection string.
// Supported schemes: memory:// (in-process, non-durable) and
// postgres:// / postgresql://.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store DSN", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store DSN: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(PostgresStoreOptions{DSN: dsn})
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}
