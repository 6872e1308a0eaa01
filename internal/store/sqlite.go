package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/harborline/merchcore/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the embedded
// single-process backend; the database serializes conflicting writes itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS objects (
	obj_type   TEXT NOT NULL,
	obj_id     TEXT NOT NULL,
	name       TEXT,
	attributes TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (obj_type, obj_id)
);

CREATE TABLE IF NOT EXISTS events (
	event_id            TEXT PRIMARY KEY,
	event_type          TEXT NOT NULL,
	timestamp           TEXT NOT NULL,
	primary_target_id   TEXT NOT NULL,
	secondary_target_id TEXT,
	value               REAL,
	meta                TEXT,
	dedup_key           TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS schema_registry (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT NOT NULL,
	source_column   TEXT NOT NULL,
	anchor          TEXT,
	family          TEXT NOT NULL,
	is_pk           INTEGER NOT NULL DEFAULT 0,
	is_attribute    INTEGER NOT NULL DEFAULT 1,
	is_hierarchy    INTEGER NOT NULL DEFAULT 0,
	hierarchy_level INTEGER,
	formula         TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS system_config (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS policy_store (
	entity_id  TEXT NOT NULL,
	policy_key TEXT NOT NULL,
	value      REAL NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (entity_id, policy_key)
);

CREATE TABLE IF NOT EXISTS ledger (
	tx_id        TEXT PRIMARY KEY,
	timestamp    TEXT NOT NULL,
	node_id      TEXT,
	decision     TEXT,
	quantity     REAL,
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Objects ---

const sqliteObjectUpsert = `INSERT INTO objects (obj_type, obj_id, name, attributes)
	 VALUES (?, ?, ?, ?)
	 ON CONFLICT(obj_type, obj_id) DO UPDATE SET name = excluded.name, attributes = excluded.attributes`

func (s *SQLiteStore) PutObject(ctx context.Context, obj model.Object) error {
	attrs, err := json.Marshal(obj.Attributes)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal attributes for %s", obj.ID)
	}
	_, err = s.db.ExecContext(ctx, sqliteObjectUpsert, obj.Type, obj.ID, obj.Name, string(attrs))
	return eris.Wrapf(err, "sqlite: put object %s", obj.ID)
}

func (s *SQLiteStore) PutObjects(ctx context.Context, objs []model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin put objects")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteObjectUpsert)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare object upsert")
	}
	defer stmt.Close()

	for _, obj := range objs {
		attrs, err := json.Marshal(obj.Attributes)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal attributes for %s", obj.ID)
		}
		if _, err := stmt.ExecContext(ctx, obj.Type, obj.ID, obj.Name, string(attrs)); err != nil {
			return eris.Wrapf(err, "sqlite: put object %s", obj.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit put objects")
}

func (s *SQLiteStore) GetObjects(ctx context.Context, objType string) ([]model.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT obj_type, obj_id, name, attributes, created_at FROM objects WHERE obj_type = ?`,
		objType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get objects %s", objType)
	}
	defer rows.Close()

	var objs []model.Object
	for rows.Next() {
		var o model.Object
		var attrs sql.NullString
		if err := rows.Scan(&o.Type, &o.ID, &o.Name, &attrs, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan object")
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &o.Attributes); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal attributes for %s", o.ID)
			}
		}
		objs = append(objs, o)
	}
	return objs, eris.Wrap(rows.Err(), "sqlite: iterate objects")
}

// --- Events ---

func (s *SQLiteStore) PutEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin put events")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (event_id, event_type, timestamp, primary_target_id, secondary_target_id, value, meta, dedup_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			value = excluded.value,
			meta = excluded.meta,
			secondary_target_id = excluded.secondary_target_id`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare event upsert")
	}
	defer stmt.Close()

	for _, ev := range events {
		meta, err := json.Marshal(ev.Meta)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal meta for %s", ev.ID)
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID, ev.Type, ev.Timestamp, ev.PrimaryTargetID,
			ev.SecondaryTargetID, ev.Value, string(meta), ev.DedupKey,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: put event %s", ev.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit put events")
}

func (s *SQLiteStore) GetEvents(ctx context.Context, eventType, targetID string, limit int) ([]model.Event, error) {
	query := `SELECT event_id, event_type, timestamp, primary_target_id, secondary_target_id, value, meta, dedup_key
		 FROM events WHERE event_type = ?`
	args := []any{eventType}

	if targetID != "" {
		query += ` AND primary_target_id = ?`
		args = append(args, targetID)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get events %s", eventType)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var secondary, meta sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &ev.PrimaryTargetID, &secondary, &ev.Value, &meta, &ev.DedupKey); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.SecondaryTargetID = secondary.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Meta); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal meta for %s", ev.ID)
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

// --- Schema registry ---

func (s *SQLiteStore) ReplaceSchema(ctx context.Context, entityType string, fields []model.SchemaField) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace schema")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_registry WHERE entity_type = ?`, entityType); err != nil {
		return eris.Wrapf(err, "sqlite: clear schema %s", entityType)
	}
	for _, f := range fields {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_registry (entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entityType, f.SourceColumn, f.Anchor, string(f.Family),
			f.IsPrimaryKey, f.IsAttribute, f.IsHierarchy, f.HierarchyLevel, f.Formula,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert schema field %s.%s", entityType, f.SourceColumn)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace schema")
}

func (s *SQLiteStore) GetSchema(ctx context.Context, entityType string) ([]model.SchemaField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula, created_at
		 FROM schema_registry WHERE entity_type = ? ORDER BY id`,
		entityType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get schema %s", entityType)
	}
	defer rows.Close()
	return scanSchemaRows(rows)
}

func (s *SQLiteStore) ListSchemas(ctx context.Context) (map[string][]model.SchemaField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, source_column, anchor, family, is_pk, is_attribute, is_hierarchy, hierarchy_level, formula, created_at
		 FROM schema_registry ORDER BY entity_type, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list schemas")
	}
	defer rows.Close()

	fields, err := scanSchemaRows(rows)
	if err != nil {
		return nil, err
	}
	registry := make(map[string][]model.SchemaField)
	for _, f := range fields {
		registry[f.EntityType] = append(registry[f.EntityType], f)
	}
	return registry, nil
}

func (s *SQLiteStore) DeleteSchema(ctx context.Context, entityType string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schema_registry WHERE entity_type = ?`, entityType)
	return eris.Wrapf(err, "sqlite: delete schema %s", entityType)
}

// --- System config ---

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT config_value FROM system_config WHERE config_key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: get config %s", key)
	}
	return value.String, true, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (config_key, config_value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(config_key) DO UPDATE SET config_value = excluded.config_value, updated_at = datetime('now')`,
		key, value,
	)
	return eris.Wrapf(err, "sqlite: set config %s", key)
}

// --- Policies ---

func (s *SQLiteStore) GetPolicy(ctx context.Context, key, entityID string) (float64, bool, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM policy_store WHERE policy_key = ? AND entity_id = ?`,
		key, entityID,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: get policy %s/%s", entityID, key)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetPolicy(ctx context.Context, p model.Policy) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_store (entity_id, policy_key, value, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(entity_id, policy_key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		p.EntityID, p.Key, p.Value,
	)
	return eris.Wrapf(err, "sqlite: set policy %s/%s", p.EntityID, p.Key)
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, policy_key, value FROM policy_store ORDER BY entity_id, policy_key`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list policies")
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.EntityID, &p.Key, &p.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		policies = append(policies, p)
	}
	return policies, eris.Wrap(rows.Err(), "sqlite: iterate policies")
}

// --- Ledger ---

func (s *SQLiteStore) AppendLedger(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (tx_id, timestamp, node_id, decision, quantity, rationale, system_level, status, mechanism)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TxID, e.Timestamp, e.NodeID, e.Decision, e.Quantity, e.Rationale, e.SystemLevel, e.Status, e.Mechanism,
	)
	return eris.Wrapf(err, "sqlite: append ledger %s", e.TxID)
}

func (s *SQLiteStore) RecentLedger(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_id, timestamp, node_id, decision, quantity, rationale, system_level, status, mechanism
		 FROM ledger ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent ledger")
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, txID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_id, timestamp, node_id, decision, quantity, rationale, system_level, status, mechanism
		 FROM ledger WHERE tx_id = ?`,
		txID,
	).Scan(&e.TxID, &e.Timestamp, &e.NodeID, &e.Decision, &e.Quantity, &e.Rationale, &e.SystemLevel, &e.Status, &e.Mechanism)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get ledger entry %s", txID)
	}
	return &e, nil
}

func (s *SQLiteStore) LedgerSummary(ctx context.Context) (map[int]int64, error) {
	summary := map[int]int64{model.LevelAutonomous: 0, model.LevelHuman: 0, model.LevelEscalated: 0}

	rows, err := s.db.QueryContext(ctx,
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
			return nil, eris.Wrap(err, "sqlite: scan ledger summary")
		}
		summary[level] = count
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: iterate ledger summary")
}

// --- Telemetry ---

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	c.Objects = s.countOrZero(ctx, `SELECT COUNT(*) FROM objects`)
	c.Events = s.countOrZero(ctx, `SELECT COUNT(*) FROM events`)
	c.Decisions = s.countOrZero(ctx, `SELECT COUNT(*) FROM ledger`)
	return c, nil
}

// countOrZero runs a COUNT query, treating any failure (typically a missing
// table on a fresh database) as zero. Only acceptable for read telemetry.
func (s *SQLiteStore) countOrZero(ctx context.Context, query string) int64 {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0
	}
	return n
}

// --- scan helpers ---

func scanSchemaRows(rows *sql.Rows) ([]model.SchemaField, error) {
	var fields []model.SchemaField
	for rows.Next() {
		var f model.SchemaField
		var anchor, formula sql.NullString
		var level sql.NullInt64
		var family string
		if err := rows.Scan(&f.EntityType, &f.SourceColumn, &anchor, &family,
			&f.IsPrimaryKey, &f.IsAttribute, &f.IsHierarchy, &level, &formula, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan schema field")
		}
		f.Anchor = anchor.String
		f.Family = model.Family(family)
		f.HierarchyLevel = int(level.Int64)
		f.Formula = formula.String
		fields = append(fields, f)
	}
	return fields, eris.Wrap(rows.Err(), "store: iterate schema fields")
}

func scanLedgerRows(rows *sql.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.TxID, &e.Timestamp, &e.NodeID, &e.Decision, &e.Quantity,
			&e.Rationale, &e.SystemLevel, &e.Status, &e.Mechanism); err != nil {
			return nil, eris.Wrap(err, "store: scan ledger entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "store: iterate ledger entries")
}
