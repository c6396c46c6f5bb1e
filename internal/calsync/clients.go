package calsync

import (
	"context"
	"time"
)

// Backend clients as the reconciliation core consumes them. The real
// implementations live in internal/backend/...; tests use fakes.
//
// DeleteEvent returns gone=true when the event no longer exists on the
// backend afterwards, whether this call removed it or it was already
// absent.

type GoogleClient interface {
	ListEvents(ctx context.Context, from time.Time) ([]GoogleEvent, error)
	CreateEvent(ctx context.Context, ev GoogleEvent) (GoogleEvent, error)
	UpdateEvent(ctx context.Context, id string, ev GoogleEvent) (GoogleEvent, error)
	DeleteEvent(ctx context.Context, id string) (gone bool, err error)
}

type OutlookClient interface {
	ListEvents(ctx context.Context, from time.Time) ([]OutlookEvent, error)
	CreateEvent(ctx context.Context, ev OutlookEvent) (OutlookEvent, error)
	UpdateEvent(ctx context.Context, id string, ev OutlookEvent) (OutlookEvent, error)
	DeleteEvent(ctx context.Context, id string) (gone bool, err error)
}

// LegacyClient is the optional tertiary backend. A nil LegacyClient
// means the deployment runs with two backends; every consumer checks
// for nil explicitly.
type LegacyClient interface {
	ListEvents(ctx context.Context, from time.Time) ([]LegacyEvent, error)
	CreateEvent(ctx context.Context, ev LegacyEvent) (LegacyEvent, error)
	UpdateEvent(ctx context.Context, id string, ev LegacyEvent) (LegacyEvent, error)
	DeleteEvent(ctx context.Context, id string) (gone bool, err error)
}
