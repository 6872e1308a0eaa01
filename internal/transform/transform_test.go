package transform

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

func newTestTransform(t *testing.T) (*Engine, *graph.Graph) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	g := graph.New(st)
	return New(g), g
}

func seedSeries(t *testing.T, g *graph.Graph, eventType string, rows map[string]float64) {
	t.Helper()
	events := make([]model.Event, 0, len(rows))
	for key, v := range rows {
		parts := strings.SplitN(key, "/", 2)
		events = append(events, model.Event{
			ID:              "EVT_" + eventType + key,
			Type:            eventType,
			PrimaryTargetID: parts[0],
			Value:           v,
			Timestamp:       parts[1],
			DedupKey:        eventType + "|" + key,
		})
	}
	require.NoError(t, g.PutEvents(context.Background(), events))
}

func TestDeriveMetric_SeriesJoin(t *testing.T) {
	e, g := newTestTransform(t)
	ctx := context.Background()

	seedSeries(t, g, "SALES_QTY", map[string]float64{
		"SKU-1/2026-08-01": 10,
		"SKU-1/2026-08-02": 4,
		"SKU-2/2026-08-01": 6,
	})
	seedSeries(t, g, "PRICE", map[string]float64{
		"SKU-1/2026-08-01": 2.5,
		"SKU-1/2026-08-02": 3,
		// No SKU-2 price: that row drops out of the inner join.
	})

	res, err := e.DeriveMetric(ctx, "SALES_REV", "SALES_QTY", OpMultiply, "PRICE")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsGenerated)

	derived, err := g.GetEvents(ctx, "SALES_REV", "SKU-1", 10)
	require.NoError(t, err)
	require.Len(t, derived, 2)
	byDate := map[string]model.Event{}
	for _, ev := range derived {
		byDate[ev.Timestamp] = ev
		assert.True(t, strings.HasPrefix(ev.ID, "CALC_"))
		assert.Equal(t, "DERIVED", ev.Meta["source"])
		assert.Equal(t, "SALES_QTY MULTIPLY PRICE", ev.Meta["formula"])
	}
	assert.Equal(t, 25.0, byDate["2026-08-01"].Value)
	assert.Equal(t, 12.0, byDate["2026-08-02"].Value)
}

func TestDeriveMetric_Scalar(t *testing.T) {
	e, g := newTestTransform(t)
	ctx := context.Background()

	seedSeries(t, g, "SALES_QTY", map[string]float64{
		"SKU-1/2026-08-01": 10,
	})

	res, err := e.DeriveMetric(ctx, "SALES_UPLIFT", "SALES_QTY", OpMultiply, "1.2")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsGenerated)

	derived, err := g.GetEvents(ctx, "SALES_UPLIFT", "SKU-1", 10)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.InDelta(t, 12.0, derived[0].Value, 1e-9)
}

func TestDeriveMetric_DivideByZero(t *testing.T) {
	e, g := newTestTransform(t)
	ctx := context.Background()

	seedSeries(t, g, "MARGIN", map[string]float64{"SKU-1/2026-08-01": 5})
	seedSeries(t, g, "REVENUE", map[string]float64{"SKU-1/2026-08-01": 0})

	_, err := e.DeriveMetric(ctx, "MARGIN_PCT", "MARGIN", OpDivide, "REVENUE")
	require.NoError(t, err)

	derived, err := g.GetEvents(ctx, "MARGIN_PCT", "SKU-1", 10)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, 0.0, derived[0].Value)
}

func TestDeriveMetric_Idempotent(t *testing.T) {
	e, g := newTestTransform(t)
	ctx := context.Background()

	seedSeries(t, g, "SALES_QTY", map[string]float64{"SKU-1/2026-08-01": 10})

	_, err := e.DeriveMetric(ctx, "SALES_X2", "SALES_QTY", OpAdd, "SALES_QTY")
	require.NoError(t, err)
	_, err = e.DeriveMetric(ctx, "SALES_X2", "SALES_QTY", OpAdd, "SALES_QTY")
	require.NoError(t, err)

	derived, err := g.GetEvents(ctx, "SALES_X2", "", 10)
	require.NoError(t, err)
	assert.Len(t, derived, 1)
	assert.Equal(t, 20.0, derived[0].Value)
}

func TestDeriveMetric_Errors(t *testing.T) {
	e, g := newTestTransform(t)
	ctx := context.Background()

	_, err := e.DeriveMetric(ctx, "X", "MISSING", OpAdd, "1")
	assert.ErrorIs(t, err, ErrNoSourceData)

	seedSeries(t, g, "SALES_QTY", map[string]float64{"SKU-1/2026-08-01": 10})
	_, err = e.DeriveMetric(ctx, "X", "SALES_QTY", "MODULO", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid operator")
}
