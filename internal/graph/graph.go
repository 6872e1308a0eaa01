package graph

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

// Sentinel errors for schema governance failures.
var (
	// ErrSystemLocked is returned when a structural mutation is attempted
	// after the one-way lock has been engaged.
	ErrSystemLocked = eris.New("graph: system is locked")

	// ErrConstitutionalViolation is returned when a schema registration is
	// missing mandatory anchor mappings for its entity type. Nothing is
	// written in that case.
	ErrConstitutionalViolation = eris.New("graph: constitutional violation")
)

// lockKey is the system_config key recording the one-way lock.
const lockKey = "system_locked"

// batchSize is the number of events committed per store transaction.
const batchSize = 2000

// Graph is the service layer over the backing store: object and event
// access plus schema-registry governance.
type Graph struct {
	store store.Store
}

// New creates a Graph over the given store.
func New(s store.Store) *Graph {
	return &Graph{store: s}
}

// Store exposes the underlying store for subsystems (policy, ledger) that
// share the same backend.
func (g *Graph) Store() store.Store {
	return g.store
}

// --- Objects ---

func (g *Graph) PutObject(ctx context.Context, obj model.Object) error {
	if obj.ID == "" || obj.Type == "" {
		return eris.New("graph: object requires id and type")
	}
	return g.store.PutObject(ctx, obj)
}

func (g *Graph) PutObjects(ctx context.Context, objs []model.Object) error {
	for i := 0; i < len(objs); i += batchSize {
		end := i + batchSize
		if end > len(objs) {
			end = len(objs)
		}
		if err := g.store.PutObjects(ctx, objs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) GetObjects(ctx context.Context, objType string) ([]model.Object, error) {
	return g.store.GetObjects(ctx, objType)
}

// --- Events ---

// PutEvents writes events in fixed-size batches, one store transaction per
// batch. A batch either lands whole or not at all; re-submitting after a
// partial failure is safe because writes are keyed by dedup_key.
func (g *Graph) PutEvents(ctx context.Context, events []model.Event) error {
	for i := 0; i < len(events); i += batchSize {
		end := i + batchSize
		if end > len(events) {
			end = len(events)
		}
		if err := g.store.PutEvents(ctx, events[i:end]); err != nil {
			return eris.Wrapf(err, "graph: put events batch %d", i/batchSize)
		}
	}
	return nil
}

func (g *Graph) GetEvents(ctx context.Context, eventType, targetID string, limit int) ([]model.Event, error) {
	return g.store.GetEvents(ctx, eventType, targetID, limit)
}

// --- Schema governance ---

// RegisterSchema validates a proposed schema against the constitution and,
// if valid, atomically replaces the registered schema for that entity type.
// A rejected registration leaves the registry untouched.
func (g *Graph) RegisterSchema(ctx context.Context, entityType string, fields []model.SchemaField) error {
	locked, err := g.IsSystemLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return eris.Wrapf(ErrSystemLocked, "register schema %s", entityType)
	}

	if std, ok := model.Constitution[entityType]; ok {
		mapped := make(map[string]bool, len(fields))
		for _, f := range fields {
			if f.Anchor != "" {
				mapped[f.Anchor] = true
			}
		}
		var missing []string
		for _, anchor := range std.MandatoryMappings {
			if !mapped[anchor] {
				missing = append(missing, anchor)
			}
		}
		if len(missing) > 0 {
			zap.L().Warn("schema registration rejected",
				zap.String("entity_type", entityType),
				zap.Strings("missing_anchors", missing),
			)
			return eris.Wrapf(ErrConstitutionalViolation,
				"entity %s missing mandatory anchors %v", entityType, missing)
		}
	}

	for i := range fields {
		fields[i].EntityType = entityType
	}
	if err := g.store.ReplaceSchema(ctx, entityType, fields); err != nil {
		return err
	}
	zap.L().Info("schema registered",
		zap.String("entity_type", entityType),
		zap.Int("fields", len(fields)),
	)
	return nil
}

// DeleteSchema removes the registered schema for an entity type. Refused
// once the system is locked.
func (g *Graph) DeleteSchema(ctx context.Context, entityType string) error {
	locked, err := g.IsSystemLocked(ctx)
	if err != nil {
		return err
	}
	if locked {
		return eris.Wrapf(ErrSystemLocked, "delete schema %s", entityType)
	}
	return g.store.DeleteSchema(ctx, entityType)
}

// LockSystem engages the one-way structural lock. There is deliberately no
// unlock operation.
func (g *Graph) LockSystem(ctx context.Context) error {
	if err := g.store.SetConfig(ctx, lockKey, "true"); err != nil {
		return eris.Wrap(err, "graph: lock system")
	}
	zap.L().Info("system locked; structural mutations disabled")
	return nil
}

func (g *Graph) IsSystemLocked(ctx context.Context) (bool, error) {
	val, ok, err := g.store.GetConfig(ctx, lockKey)
	if err != nil {
		return false, eris.Wrap(err, "graph: read lock state")
	}
	return ok && val == "true", nil
}

// --- Registry views ---

func (g *Graph) GetSchema(ctx context.Context, entityType string) ([]model.SchemaField, error) {
	return g.store.GetSchema(ctx, entityType)
}

// GetFullRegistry returns every registered schema keyed by entity type.
func (g *Graph) GetFullRegistry(ctx context.Context) (map[string][]model.SchemaField, error) {
	return g.store.ListSchemas(ctx)
}

// GetAnchorMap returns anchor -> source column for an entity type. Consumers
// rename raw columns to anchors before analytics so everything downstream
// speaks one vocabulary.
func (g *Graph) GetAnchorMap(ctx context.Context, entityType string) (map[string]string, error) {
	fields, err := g.store.GetSchema(ctx, entityType)
	if err != nil {
		return nil, err
	}
	anchors := make(map[string]string)
	for _, f := range fields {
		if f.Anchor != "" {
			anchors[f.Anchor] = f.SourceColumn
		}
	}
	return anchors, nil
}

// GetHierarchyDefinition returns the hierarchy columns of an entity type
// ordered by level, shallowest first.
func (g *Graph) GetHierarchyDefinition(ctx context.Context, entityType string) ([]model.SchemaField, error) {
	fields, err := g.store.GetSchema(ctx, entityType)
	if err != nil {
		return nil, err
	}
	var levels []model.SchemaField
	for _, f := range fields {
		if f.IsHierarchy {
			levels = append(levels, f)
		}
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].HierarchyLevel < levels[j].HierarchyLevel
	})
	return levels, nil
}

// GetStructure infers the live attribute shape of an object type from a
// sample of stored objects. Best effort: it reports keys observed in the
// sample, not a guarantee about every row.
func (g *Graph) GetStructure(ctx context.Context, objType string) ([]string, error) {
	objs, err := g.store.GetObjects(ctx, objType)
	if err != nil {
		return nil, err
	}
	const sampleSize = 100
	if len(objs) > sampleSize {
		objs = objs[:sampleSize]
	}
	seen := map[string]bool{"id": true, "type": true, "name": true}
	keys := []string{"id", "type", "name"}
	for _, o := range objs {
		for k := range o.Attributes {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys[3:])
	return keys, nil
}

// Stats returns read-side telemetry counts. Degrades to zeros on an
// unmigrated store rather than failing.
func (g *Graph) Stats(ctx context.Context) (store.Counts, error) {
	return g.store.Counts(ctx)
}
