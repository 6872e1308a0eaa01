package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *graph.Graph) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	g := graph.New(st)
	return New(g, 2, 0), g // tiny batch size to exercise flushing
}

func TestIngestObjects(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	csv := strings.Join([]string{
		"Product_ID,Description,Brand,Dept",
		"SKU-1,Widget,Acme,Tools",
		"SKU-2,Gadget,Blore,Tools",
		",Orphan,NoBrand,Tools", // empty id, skipped
		"SKU-3,Sprocket,Acme,Parts",
	}, "\n")

	res, err := eng.IngestObjects(ctx, strings.NewReader(csv), ObjectMapping{
		Type:       model.ObjectProduct,
		IDColumn:   "product id",
		NameColumn: "description",
	})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res.Status)
	assert.Equal(t, 3, res.Count)

	objs, err := g.GetObjects(ctx, model.ObjectProduct)
	require.NoError(t, err)
	require.Len(t, objs, 3)
	for _, o := range objs {
		if o.ID == "SKU-1" {
			assert.Equal(t, "Widget", o.Name)
			assert.Equal(t, "Acme", o.Attributes["brand"])
			assert.Equal(t, "Tools", o.Attributes["dept"])
		}
	}
}

func TestIngestObjects_MissingIDColumn(t *testing.T) {
	eng, _ := newTestEngine(t)

	csv := "name,price\nWidget,9.99\n"
	_, err := eng.IngestObjects(context.Background(), strings.NewReader(csv), ObjectMapping{
		Type:     model.ObjectProduct,
		IDColumn: "sku",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMappingFailed)
}

func TestIngestEvents_Idempotent(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	csv := strings.Join([]string{
		"sku;qty;sold_on;store",
		"SKU-1;10;2026-08-01;S1",
		"SKU-1;4;08/02/2026;S1",
		"SKU-2;$7;2026-08-01;S2",
	}, "\n")

	mapping := EventMapping{
		Type:           model.EventSalesQty,
		TargetColumn:   "sku",
		DateColumn:     "sold on",
		ValueColumn:    "qty",
		LocationColumn: "store",
	}

	res, err := eng.IngestEvents(ctx, strings.NewReader(csv), mapping)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Empty(t, res.Errors)

	// Re-ingesting the same file produces the same rows, not duplicates.
	res, err = eng.IngestEvents(ctx, strings.NewReader(csv), mapping)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)

	events, err := g.GetEvents(ctx, model.EventSalesQty, "", 100)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	for _, ev := range events {
		assert.True(t, strings.HasPrefix(ev.ID, "EVT_"))
		if ev.PrimaryTargetID == "SKU-2" {
			assert.Equal(t, 7.0, ev.Value)
			assert.Equal(t, "2026-08-01", ev.Timestamp)
			assert.Equal(t, "S2", ev.SecondaryTargetID)
		}
	}
}

func TestIngestEvents_LastWriteWinsWithinOneFile(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	// A correction later in the same file: both rows map to the same
	// dedup key, and the later quantity must land.
	csv := strings.Join([]string{
		"sku,qty,sold_on",
		"ABC123,10,2024-01-05",
		"ABC123,12,2024-01-05",
	}, "\n")

	res, err := eng.IngestEvents(ctx, strings.NewReader(csv), EventMapping{
		Type:         model.EventSalesQty,
		TargetColumn: "sku",
		DateColumn:   "sold_on",
		ValueColumn:  "qty",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	events, err := g.GetEvents(ctx, model.EventSalesQty, "ABC123", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 12.0, events[0].Value)
}

func TestIngestEvents_BadDateSkipsRow(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	csv := strings.Join([]string{
		"sku,qty,sold_on",
		"SKU-1,10,2026-08-01",
		"SKU-2,5,someday",
		"SKU-3,2,2026-08-02",
	}, "\n")

	res, err := eng.IngestEvents(ctx, strings.NewReader(csv), EventMapping{
		Type:         model.EventSalesQty,
		TargetColumn: "sku",
		DateColumn:   "sold_on",
		ValueColumn:  "qty",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "someday")

	events, err := g.GetEvents(ctx, model.EventSalesQty, "", 100)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestIngestEvents_DefaultsToGlobalScope(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	csv := "sku,qty,sold_on\nSKU-1,3,2026-08-01\n"
	_, err := eng.IngestEvents(ctx, strings.NewReader(csv), EventMapping{
		Type:         model.EventSalesQty,
		TargetColumn: "sku",
		DateColumn:   "sold_on",
		ValueColumn:  "qty",
	})
	require.NoError(t, err)

	events, err := g.GetEvents(ctx, model.EventSalesQty, "SKU-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	// GLOBAL scope events carry no secondary target.
	assert.Empty(t, events[0].SecondaryTargetID)
	assert.Equal(t, DedupKey(model.EventSalesQty, "SKU-1", model.GlobalScope, "2026-08-01"), events[0].DedupKey)
}

func TestIngestEvents_UnresolvedOptionalColumnWarns(t *testing.T) {
	eng, g := newTestEngine(t)
	ctx := context.Background()

	// A typo in a declared optional column must not pass silently: the
	// rows still land with the fallbacks, but the result says why.
	csv := "sku,qty,sold_on\nSKU-1,10,2026-08-01\n"
	res, err := eng.IngestEvents(ctx, strings.NewReader(csv), EventMapping{
		Type:           model.EventSalesQty,
		TargetColumn:   "sku",
		DateColumn:     "sold_on",
		ValueColumn:    "qtty",
		LocationColumn: "warehouse",
	})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res.Status)
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], `"qtty"`)
	assert.Contains(t, res.Errors[1], `"warehouse"`)

	events, err := g.GetEvents(ctx, model.EventSalesQty, "SKU-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0.0, events[0].Value)
	assert.Empty(t, events[0].SecondaryTargetID)
}

func TestIngestObjects_UnresolvedNameColumnWarns(t *testing.T) {
	eng, _ := newTestEngine(t)

	csv := "sku,desc\nSKU-1,Widget\n"
	res, err := eng.IngestObjects(context.Background(), strings.NewReader(csv), ObjectMapping{
		Type:       model.ObjectProduct,
		IDColumn:   "sku",
		NameColumn: "description",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `"description"`)
}

func TestIngestEvents_ErrorsCapped(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	lines := []string{"sku,qty,sold_on"}
	for i := 0; i < 10; i++ {
		lines = append(lines, "SKU-1,1,notadate")
	}
	res, err := eng.IngestEvents(ctx, strings.NewReader(strings.Join(lines, "\n")), EventMapping{
		Type:         model.EventSalesQty,
		TargetColumn: "sku",
		DateColumn:   "sold_on",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Len(t, res.Errors, 5)
}
