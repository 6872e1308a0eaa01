package graph

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func productFields() []model.SchemaField {
	return []model.SchemaField{
		{SourceColumn: "sku", Anchor: model.AnchorProductID, Family: model.FamilyIntrinsic, IsPrimaryKey: true},
		{SourceColumn: "desc", Anchor: model.AnchorProductName, Family: model.FamilyIntrinsic},
		{SourceColumn: "dept", Family: model.FamilyIntrinsic, IsHierarchy: true, HierarchyLevel: 1},
		{SourceColumn: "class", Family: model.FamilyIntrinsic, IsHierarchy: true, HierarchyLevel: 2},
	}
}

func TestRegisterSchema_AbstentionGuard(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// Missing the mandatory product-name anchor.
	err := g.RegisterSchema(ctx, "PRODUCT", []model.SchemaField{
		{SourceColumn: "sku", Anchor: model.AnchorProductID, Family: model.FamilyIntrinsic},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConstitutionalViolation)
	assert.Contains(t, err.Error(), model.AnchorProductName)

	// Nothing was written.
	fields, err := g.GetSchema(ctx, "PRODUCT")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestRegisterSchema_Valid(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RegisterSchema(ctx, "PRODUCT", productFields()))

	fields, err := g.GetSchema(ctx, "PRODUCT")
	require.NoError(t, err)
	assert.Len(t, fields, 4)
	assert.Equal(t, "PRODUCT", fields[0].EntityType)
}

func TestRegisterSchema_UnknownEntityTypeUnconstrained(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// Entity types outside the constitution have no mandatory anchors.
	err := g.RegisterSchema(ctx, "SUPPLIER", []model.SchemaField{
		{SourceColumn: "supplier_id", Family: model.FamilyIntrinsic},
	})
	require.NoError(t, err)
}

func TestLockSystem_OneWay(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	locked, err := g.IsSystemLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, g.RegisterSchema(ctx, "PRODUCT", productFields()))
	require.NoError(t, g.LockSystem(ctx))

	locked, err = g.IsSystemLocked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	err = g.RegisterSchema(ctx, "PRODUCT", productFields())
	assert.ErrorIs(t, err, ErrSystemLocked)

	err = g.DeleteSchema(ctx, "PRODUCT")
	assert.ErrorIs(t, err, ErrSystemLocked)

	// The registered schema survives the refused mutations.
	fields, err := g.GetSchema(ctx, "PRODUCT")
	require.NoError(t, err)
	assert.Len(t, fields, 4)
}

func TestGetAnchorMap(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RegisterSchema(ctx, "PRODUCT", productFields()))

	anchors, err := g.GetAnchorMap(ctx, "PRODUCT")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		model.AnchorProductID:   "sku",
		model.AnchorProductName: "desc",
	}, anchors)
}

func TestGetHierarchyDefinition_Ordered(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// Register with levels out of order.
	fields := productFields()
	fields[2], fields[3] = fields[3], fields[2]
	require.NoError(t, g.RegisterSchema(ctx, "PRODUCT", fields))

	levels, err := g.GetHierarchyDefinition(ctx, "PRODUCT")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "dept", levels[0].SourceColumn)
	assert.Equal(t, "class", levels[1].SourceColumn)
}

func TestPutEvents_Batching(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	// More events than one store batch.
	events := make([]model.Event, 0, 2100)
	for i := 0; i < 2100; i++ {
		events = append(events, model.Event{
			ID:              "e" + strconv.Itoa(i),
			Type:            model.EventSalesQty,
			PrimaryTargetID: "SKU-1",
			Timestamp:       "2026-08-01",
			DedupKey:        "k" + strconv.Itoa(i),
		})
	}
	require.NoError(t, g.PutEvents(ctx, events))

	counts, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2100), counts.Events)
}

func TestGetStructure(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.PutObject(ctx, model.Object{
		ID: "SKU-1", Type: model.ObjectProduct, Name: "Widget",
		Attributes: map[string]any{"brand": "Acme", "color": "red"},
	}))
	require.NoError(t, g.PutObject(ctx, model.Object{
		ID: "SKU-2", Type: model.ObjectProduct, Name: "Gadget",
		Attributes: map[string]any{"brand": "Blore", "weight": 2.5},
	}))

	keys, err := g.GetStructure(ctx, model.ObjectProduct)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "type", "name"}, keys[:3])
	assert.ElementsMatch(t, []string{"brand", "color", "weight"}, keys[3:])
}
