package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/harborline/merchcore/internal/db"
	"github.com/harborline/merchcore/internal/model"
)

// PostgresStore implements Store using pgxpool. It is the networked
// multi-client backend; conflicting writes are serialized by row-level
// locking inside Postgres.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS objects (
	obj_type   TEXT NOT NULL,
	obj_id     TEXT NOT NULL,
	name       TEXT,
	attributes JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (obj_type, obj_id)
);

CREATE TABLE IF NOT EXISTS events (
	event_id            TEXT PRIMARY KEY,
	event_type          TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	primary_target_id   TEXT NOT NULL,
	secondary_target_id TEXT,
	value               DOUBLE PRECISION,
	meta                JSONB,
	dedup_key           TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS schema_registry (
	id              BIGSERIAL PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	source_column   TEXT NOT NULL,
	anchor          TEXT,
	family          TEXT NOT NULL,
	is_pk           BOOLEAN NOT NULL DEFAULT FALSE,
	is_attribute    BOOLEAN NOT NULL DEFAULT TRUE,
	is_hierarchy    BOOLEAN NOT NULL DEFAULT FALSE,
	hierarchy_level INTEGER,
	formula         TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS system_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policy_store (
	entity_id  TEXT NOT NULL,
	policy_key TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, policy_key)
);

CREATE TABLE IF NOT EXISTS ledger (
	tx_id        TEXT PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	node_id      TEXT,
	decision     TEXT,
	quantity     DOUBLE PRECISION,
	rationale    TEXT,
	system_level INTEGER NOT NULL DEFAULT 2,
	status       TEXT NOT NULL,
	mechanism    TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_target ON events(primary_target_id);
CREATE INDEX IF NOT EXISTS idx_schema_entity ON schema_registry(entity_type);
CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger(timestamp);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Objects ---

const postgresObjectUpsert = `INSERT INTO objects (obj_type, obj_id, name, attributes)
	 VALUES ($1, $2, $3, $4)
	 ON CONFLICT (obj_type, obj_id) DO UPDATE SET name = EXCLUDED.name, attributes = EXCLUDED.attributes`

func (s *PostgresStore) PutObject(ctx context.Context, obj model.Object) error {
	attrs, err := json.Marshal(obj.Attributes)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal attributes for %s", obj.ID)
	}
	_, err = s.pool.Exec(ctx, postgresObjectUpsert, obj.Type, obj.ID, obj.Name, attrs)
	return eris.Wrapf(err, "postgres: put object %s", obj.ID)
}

func (s *PostgresStore) PutObjects(ctx context.Context, objs []model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(objs))
	for _, obj := range objs {
		attrs, err := json.Marshal(obj.Attributes)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal attributes for %s", obj.ID)
		}
		rows = append(rows, []any{obj.Type, obj.ID, obj.Name, attrs})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "objects",
		Columns:      []string{"obj_type", "obj_id", "name", "attributes"},
		ConflictKeys: []string{"obj_type", "obj_id"},
	}, rows)
	return err
}

func (s *PostgresStore) GetObjects(ctx context.Context, objType string) ([]model.Object, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT obj_type, obj_id, name, attributes, created_at FROM objects WHERE obj_type = $1`,
		objType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get objects %s", objType)
	}
	defer rows.Close()

	var objs []model.Object
	for rows.Next() {
		var o model.Object
		var attrs []byte
		if err := rows.Scan(&o.Type, &o.ID, &o.Name, &attrs, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan object")
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &o.Attributes); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal attributes for %s", o.ID)
			}
		}
		objs = append(objs, o)
	}
	return objs, eris.Wrap(rows.Err(), "postgres: iterate objects")
}

// --- Events ---

func (s *PostgresStore) PutEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows, err := eventUpsertRows(events)
	if err != nil {
		return err
	}
	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "events",
		Columns:      []string{"event_id", "event_type", "timestamp", "primary_target_id", "secondary_target_id", "value", "meta", "dedup_key"},
		ConflictKeys: []string{"event_id"},
	}, rows)
	return err
}

// eventUpsertRows builds the COPY rows for one batch, collapsing repeated
// event ids so the last occurrence wins. A single INSERT ... ON CONFLICT
// statement cannot touch the same row twice, and a file may legitimately
// carry corrections for the same logical fact.
func eventUpsertRows(events []model.Event) ([][]any, error) {
	rows := make([][]any, 0, len(events))
	seen := make(map[string]int, len(events))
	for _, ev := range events {
		meta, err := json.Marshal(ev.Meta)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal meta for %s", ev.ID)
		}
		row := []any{
			ev.ID, ev.Type, ev.Timestamp, ev.PrimaryTargetID,
			ev.SecondaryTargetID, ev.Value, meta, ev.DedupKey,
		}
		if i, ok := seen[ev.ID]; ok {
			rows[i] = row
			continue
		}
		seen[ev.ID] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, eventType, targetID string, limit int) ([]model.Event, error) {
	query := `SELECT event_id, event_type, timestamp, primary_target_id, secondary_target_id, value, meta, dedup_key
		 FROM events WHERE event_type = $1`
	args := []any{eventType}

	if targetID != "" {
		query += ` AND primary_target_id = $2`
		args = append(args, targetID)
	}
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get events %s", eventType)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var secondary *string
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &ev.PrimaryTargetID, &secondary, &ev.Value, &meta, &ev.DedupKey); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if secondary != nil {
			ev.SecondaryTargetID = *secondary
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal meta for %s", ev.ID)
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: iterate events")
}

// --- Schema registry ---

func (s *PostgresStore) ReplaceSchema(ctx context.Context, entityType string, fields []model.SchemaField) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace schema")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM schema_registry WHERE entity_type = $1`, entityType); err != nil {
		return eris.Wrapf(err, "postgres: clear schema %s", entityType)
	}
	for _, f := range fields {
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_registry (entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			entityType, f.SourceColumn, f.Anchor, string(f.Family),
			f.IsPrimaryKey, f.IsAttribute, f.IsHierarchy, f.HierarchyLevel, f.Formula,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert schema field %s.%s", entityType, f.SourceColumn)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace schema")
}

func (s *PostgresStore) GetSchema(ctx context.Context, entityType string) ([]model.SchemaField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula, created_at
		 FROM schema_registry WHERE entity_type = $1 ORDER BY id`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get schema %s", entityType)
	}
	defer rows.Close()
	return scanPgSchemaRows(rows)
}

func (s *PostgresStore) ListSchemas(ctx context.Context) (map[string][]model.SchemaField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula, created_at
		 FROM schema_registry ORDER BY entity_type, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list schemas")
	}
	defer rows.Close()

	fields, err := scanPgSchemaRows(rows)
	if err != nil {
		return nil, err
	}
	registry := make(map[string][]model.SchemaField)
	for _, f := range fields {
		registry[f.EntityType] = append(registry[f.EntityType], f)
	}
	return registry, nil
}

func (s *PostgresStore) DeleteSchema(ctx context.Context, entityType string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schema_registry WHERE entity_type = $1`, entityType)
	return eris.Wrapf(err, "postgres: delete schema %s", entityType)
}

// --- System config ---

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value *string
	err := s.pool.QueryRow(ctx,
		`SELECT config_value FROM system_config WHERE config_key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: get config %s", key)
	}
	if value == nil {
		return "", true, nil
	}
	return *value, true, nil
}

func (s *PostgresStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_config (config_key, config_value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (config_key) DO UPDATE SET config_value = EXCLUDED.config_value, updated_at = now()`,
		key, value,
	)
	return eris.Wrapf(err, "postgres: set config %s", key)
}

// --- Policies ---

func (s *PostgresStore) GetPolicy(ctx context.Context, key, entityID string) (float64, bool, error) {
	var value float64
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM policy_store WHERE policy_key = $1 AND entity_id = $2`,
		key, entityID,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: get policy %s/%s", entityID, key)
	}
	return value, true, nil
}

func (s *PostgresStore) SetPolicy(ctx context.Context, p model.Policy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policy_store (entity_id, policy_key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (entity_id, policy_key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		p.EntityID, p.Key, p.Value,
	)
	return eris.Wrapf(err, "postgres: set policy %s/%s", p.EntityID, p.Key)
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, policy_key, value FROM policy_store ORDER BY entity_id, policy_key`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list policies")
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.EntityID, &p.Key, &p.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		policies = append(policies, p)
	}
	return policies, eris.Wrap(rows.Err(), "postgres: iterate policies")
}

// --- Ledger ---

// ledgerColumns is the insert column order shared by AppendLedger and the
// COPY path.
var ledgerColumns = []string{
	"tx_id", "timestamp", "node_id", "decision", "quantity",
	"rationale", "system_level", "status", "mechanism",
}

// AppendLedger writes one audit row via the COPY protocol. The table is
// append-only and tx ids are freshly minted, so no conflict handling exists.
func (s *PostgresStore) AppendLedger(ctx context.Context, e model.LedgerEntry) error {
	_, err := db.CopyFrom(ctx, s.pool, "ledger", ledgerColumns, [][]any{{
		e.TxID, e.Timestamp, e.NodeID, e.Decision, e.Quantity,
		e.Rationale, e.SystemLevel, e.Status, e.Mechanism,
	}})
	return eris.Wrapf(err, "postgres: append ledger %s", e.TxID)
}

func (s *PostgresStore) RecentLedger(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tx_id, timestamp, node_id, decision, quantity, rationale, system_level, status, mechanism
		 FROM ledger ORDER BY timestamp DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent ledger")
	}
	defer rows.Close()
	return scanPgLedgerRows(rows)
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, txID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := s.pool.QueryRow(ctx,
		`SELECT tx_id, timestamp, node_id, decision, quantity, rationale, system_level, status, mechanism
		 FROM ledger WHERE tx_id = $1`,
		txID,
	).Scan(&e.TxID, &e.Timestamp, &e.NodeID, &e.Decision, &e.Quantity, &e.Rationale, &e.SystemLevel, &e.Status, &e.Mechanism)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ledger entry %s", txID)
	}
	return &e, nil
}

func (s *PostgresStore) LedgerSummary(ctx context.Context) (map[int]int64, error) {
	summary := map[int]int64{model.LevelAutonomous: 0, model.LevelHuman: 0, model.LevelEscalated: 0}

	rows, err := s.pool.Query(ctx,
		`SELECT system_level, COUNT(*) FROM ledger GROUP BY system_level`,
	)
	if err != nil {
		// Telemetry path: a missing table degrades to zeros.
		return summary, nil
	}
	defer rows.Close()

	for rows.Next() {
		var level int
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger summary")
		}
		summary[level] = count
	}
	return summary, eris.Wrap(rows.Err(), "postgres: iterate ledger summary")
}

// --- Telemetry ---

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	c.Objects = s.countOrZero(ctx, `SELECT COUNT(*) FROM objects`)
	c.Events = s.countOrZero(ctx, `SELECT COUNT(*) FROM events`)
	c.Decisions = s.countOrZero(ctx, `SELECT COUNT(*) FROM ledger`)
	return c, nil
}

func (s *PostgresStore) countOrZero(ctx context.Context, query string) int64 {
	var n int64
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0
	}
	return n
}

// --- scan helpers ---

func scanPgSchemaRows(rows pgx.Rows) ([]model.SchemaField, error) {
	var fields []model.SchemaField
	for rows.Next() {
		var f model.SchemaField
		var anchor, formula *string
		var level *int
		var family string
		if err := rows.Scan(&f.EntityType, &f.SourceColumn, &anchor, &family,
			&f.IsPrimaryKey, &f.IsAttribute, &f.IsHierarchy, &level, &formula, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan schema field")
		}
		if anchor != nil {
			f.Anchor = *anchor
		}
		if formula != nil {
			f.Formula = *formula
		}
		if level != nil {
			f.HierarchyLevel = *level
		}
		f.Family = model.Family(family)
		fields = append(fields, f)
	}
	return fields, eris.Wrap(rows.Err(), "postgres: iterate schema fields")
}

func scanPgLedgerRows(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.TxID, &e.Timestamp, &e.NodeID, &e.Decision, &e.Quantity,
			&e.Rationale, &e.SystemLevel, &e.Status, &e.Mechanism); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate ledger entries")
}
