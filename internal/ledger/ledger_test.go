package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st)
}

func TestLogExecution(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	txID, err := l.LogExecution(ctx, Execution{
		NodeID:      "SKU-1",
		Decision:    "REPLENISH",
		Quantity:    40,
		Rationale:   "stock below cover",
		SystemLevel: model.LevelAutonomous,
		Status:      "EXECUTED",
		Mechanism:   "AGENT_BATCH",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(txID, "TX-"))
	assert.Len(t, txID, 11)

	entry, err := l.GetTransaction(ctx, txID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "REPLENISH", entry.Decision)
	assert.Equal(t, model.LevelAutonomous, entry.SystemLevel)
}

func TestLogExecution_DefaultLevel(t *testing.T) {
	l := newTestLedger(t)

	txID, err := l.LogExecution(context.Background(), Execution{
		NodeID: "SKU-1", Decision: "MANUAL_ADJUST", Status: "EXECUTED",
	})
	require.NoError(t, err)

	entry, err := l.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, model.LevelHuman, entry.SystemLevel)
}

func TestGetRecentLogs_NewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.LogExecution(ctx, Execution{
			NodeID: "SKU-1", Decision: "REPLENISH", Status: "EXECUTED",
		})
		require.NoError(t, err)
	}

	logs, err := l.GetRecentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.GreaterOrEqual(t, logs[0].Timestamp, logs[1].Timestamp)
	assert.GreaterOrEqual(t, logs[1].Timestamp, logs[2].Timestamp)
}

func TestLogExecution_OrderWithinOneSecond(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Timestamps are minted with a fixed-width fraction; trimmed trailing
	// zeros would make "10:00:00.5Z" sort after "10:00:00.51Z" and break
	// newest-first reads for entries born in the same second.
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := l.LogExecution(ctx, Execution{
			NodeID: "SKU-1", Decision: "REPLENISH", Status: "EXECUTED",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	logs, err := l.GetRecentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i, entry := range logs {
		assert.Equal(t, ids[len(ids)-1-i], entry.TxID)
		assert.Len(t, entry.Timestamp, len("2026-08-25T10:00:00.000000000Z"))
	}
}

func TestGetStats_UnmigratedStore(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	l := New(st)

	// No migration has run; stats must report zeros, not errors.
	counts, err := l.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, counts)

	summary, err := l.GetDailySummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DailySummary{}, summary)
}

func TestGetDailySummary_AutonomyMix(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	levels := []model.SystemLevel{
		model.LevelAutonomous, model.LevelAutonomous, model.LevelAutonomous,
		model.LevelHuman,
		model.LevelEscalated, model.LevelEscalated,
	}
	for _, lvl := range levels {
		_, err := l.LogExecution(ctx, Execution{
			NodeID: "SKU-1", Decision: "REPLENISH", SystemLevel: lvl, Status: "EXECUTED",
		})
		require.NoError(t, err)
	}

	summary, err := l.GetDailySummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, DailySummary{Total: 6, Autonomous: 3, Human: 1, Escalated: 2}, summary)
}
