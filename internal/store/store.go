package store

import (
	"context"

	"github.com/harborline/merchcore/internal/model"
)

// Counts is read-side telemetry over the three core tables. Implementations
// return zeros rather than errors when a table does not exist yet, so
// dashboards stay alive before the first migration.
type Counts struct {
	Objects   int64 `json:"objects"`
	Events    int64 `json:"events"`
	Decisions int64 `json:"decisions"`
}

// Store defines the persistence interface for the decision core. Two
// implementations exist: an embedded SQLite store and a networked Postgres
// store, selected by configuration at startup.
type Store interface {
	// Objects
	PutObject(ctx context.Context, obj model.Object) error
	PutObjects(ctx context.Context, objs []model.Object) error
	GetObjects(ctx context.Context, objType string) ([]model.Object, error)

	// Events. PutEvents commits the given slice in a single transaction;
	// callers control batch sizing.
	PutEvents(ctx context.Context, events []model.Event) error
	GetEvents(ctx context.Context, eventType, targetID string, limit int) ([]model.Event, error)

	// Schema registry
	ReplaceSchema(ctx context.Context, entityType string, fields []model.SchemaField) error
	GetSchema(ctx context.Context, entityType string) ([]model.SchemaField, error)
	ListSchemas(ctx context.Context) (map[string][]model.SchemaField, error)
	DeleteSchema(ctx context.Context, entityType string) error

	// System config
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error

	// Policies
	GetPolicy(ctx context.Context, key, entityID string) (float64, bool, error)
	SetPolicy(ctx context.Context, p model.Policy) error
	ListPolicies(ctx context.Context) ([]model.Policy, error)

	// Ledger. Append-only: there are no update or delete methods.
	AppendLedger(ctx context.Context, e model.LedgerEntry) error
	RecentLedger(ctx context.Context, limit int) ([]model.LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, txID string) (*model.LedgerEntry, error)
	LedgerSummary(ctx context.Context) (map[int]int64, error)

	// Telemetry
	Counts(ctx context.Context) (Counts, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
