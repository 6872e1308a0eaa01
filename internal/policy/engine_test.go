package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/merchcore/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func TestFetchPolicy_Cascade(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Tier 3: compiled default.
	v, err := e.FetchPolicy(ctx, KeyMaxAutoSpend, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, v)

	// Tier 2: GLOBAL row shadows the default.
	require.NoError(t, e.SetPolicy(ctx, KeyMaxAutoSpend, "", 8000))
	v, err = e.FetchPolicy(ctx, KeyMaxAutoSpend, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 8000.0, v)

	// Tier 1: entity row shadows GLOBAL.
	require.NoError(t, e.SetPolicy(ctx, KeyMaxAutoSpend, "SKU-1", 1000))
	v, err = e.FetchPolicy(ctx, KeyMaxAutoSpend, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)

	// Other entities still see GLOBAL.
	v, err = e.FetchPolicy(ctx, KeyMaxAutoSpend, "SKU-2")
	require.NoError(t, err)
	assert.Equal(t, 8000.0, v)
}

func TestFetchPolicy_UnknownKey(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.FetchPolicy(context.Background(), "NOT_A_KEY", "")
	require.Error(t, err)
}

func TestValidateAction_Order(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// 200 units at the 50.0 default unit cost = 10000 > 5000 cap.
	verdict, err := e.ValidateAction(ctx, ActionOrder, 200, "SKU-1", nil)
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Reason, KeyMaxAutoSpend)

	// Explicit unit cost brings it under the cap.
	verdict, err = e.ValidateAction(ctx, ActionOrder, 200, "SKU-1", map[string]float64{"unit_cost": 10})
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
}

func TestValidateAction_Hike(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// 10.00 -> 10.50 is a 5% hike, inside the 10% ceiling.
	verdict, err := e.ValidateAction(ctx, ActionHike, 10.50, "SKU-1", map[string]float64{"current_price": 10})
	require.NoError(t, err)
	assert.True(t, verdict.Approved)

	// 10.00 -> 12.00 is 20%, rejected.
	verdict, err = e.ValidateAction(ctx, ActionHike, 12, "SKU-1", map[string]float64{"current_price": 10})
	require.NoError(t, err)
	assert.False(t, verdict.Approved)

	// Without a current price the hike cannot be assessed.
	verdict, err = e.ValidateAction(ctx, ActionHike, 12, "SKU-1", nil)
	require.NoError(t, err)
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Reason, "current_price")
}

func TestValidateAction_Markdown(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	verdict, err := e.ValidateAction(ctx, ActionMarkdown, 30, "SKU-1", nil)
	require.NoError(t, err)
	assert.True(t, verdict.Approved)

	verdict, err = e.ValidateAction(ctx, ActionMarkdown, 55, "SKU-1", nil)
	require.NoError(t, err)
	assert.False(t, verdict.Approved)

	// Entity-specific depth overrides.
	require.NoError(t, e.SetPolicy(ctx, KeyMaxMarkdownDepth, "SKU-1", 60))
	verdict, err = e.ValidateAction(ctx, ActionMarkdown, 55, "SKU-1", nil)
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
}

func TestValidateAction_UnknownActionApproved(t *testing.T) {
	e := newTestEngine(t)

	verdict, err := e.ValidateAction(context.Background(), "TELEPORT", 1, "SKU-1", nil)
	require.NoError(t, err)
	assert.True(t, verdict.Approved)
	assert.Contains(t, verdict.Reason, "TELEPORT")
}

func TestGetAllPolicies_Provenance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SetPolicy(ctx, KeyMaxAutoSpend, "", 8000))
	require.NoError(t, e.SetPolicy(ctx, KeyMinMarginPct, "SKU-1", 25))

	policies, err := e.GetAllPolicies(ctx)
	require.NoError(t, err)

	bySource := map[string]int{}
	var globalSpend float64
	for _, p := range policies {
		bySource[p.Source]++
		if p.EntityID == "GLOBAL" && p.Key == KeyMaxAutoSpend {
			globalSpend = p.Value
			assert.Equal(t, SourceDatabase, p.Source)
		}
	}
	assert.Equal(t, 8000.0, globalSpend)
	assert.Equal(t, 2, bySource[SourceDatabase])
	// Defaults fill in for the keys with no GLOBAL row (MIN_MARGIN_PCT has
	// only an entity row, so its GLOBAL default still appears).
	assert.Equal(t, 4, bySource[SourceDefault])
}

func TestProfitValidator(t *testing.T) {
	v := NewProfitValidator(0.0003, 0.15)

	// Healthy margin over a short hold.
	verdict := v.Validate(1500, 1000, 30)
	assert.True(t, verdict.Approved)

	// Negative economic profit.
	verdict = v.Validate(900, 1000, 30)
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Reason, "destroys value")

	// Positive but below the hurdle rate.
	verdict = v.Validate(1100, 1000, 30)
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Reason, "inefficient capital")

	// Zero cost: ROI defined as zero, below hurdle unless profit negative.
	verdict = v.Validate(100, 0, 10)
	assert.False(t, verdict.Approved)
}
