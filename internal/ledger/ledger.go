package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

// timeLayout is fixed-width (no trailing-zero trimming) so the stored TEXT
// column sorts lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the durable system of record for executed decisions. Rows are
// append-only; there is no update or delete path.
type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Execution describes one decision being recorded.
type Execution struct {
	NodeID      string
	Decision    string
	Quantity    float64
	Rationale   string
	SystemLevel model.SystemLevel
	Status      string
	Mechanism   string
}

// LogExecution appends one immutable audit row and returns its transaction id.
func (l *Ledger) LogExecution(ctx context.Context, ex Execution) (string, error) {
	if ex.SystemLevel == 0 {
		ex.SystemLevel = model.LevelHuman
	}
	entry := model.LedgerEntry{
		TxID:        "TX-" + strings.ToUpper(uuid.New().String()[:8]),
		Timestamp:   time.Now().UTC().Format(timeLayout),
		NodeID:      ex.NodeID,
		Decision:    ex.Decision,
		Quantity:    ex.Quantity,
		Rationale:   ex.Rationale,
		SystemLevel: ex.SystemLevel,
		Status:      ex.Status,
		Mechanism:   ex.Mechanism,
	}
	if err := l.store.AppendLedger(ctx, entry); err != nil {
		return "", eris.Wrap(err, "ledger: log execution")
	}
	zap.L().Info("execution recorded",
		zap.String("tx_id", entry.TxID),
		zap.String("decision", entry.Decision),
		zap.String("node_id", entry.NodeID),
		zap.Int("system_level", entry.SystemLevel),
	)
	return entry.TxID, nil
}

// GetRecentLogs returns audit rows newest first.
func (l *Ledger) GetRecentLogs(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	return l.store.RecentLedger(ctx, limit)
}

// GetTransaction looks up one audit row; nil when the id is unknown.
func (l *Ledger) GetTransaction(ctx context.Context, txID string) (*model.LedgerEntry, error) {
	return l.store.GetLedgerEntry(ctx, txID)
}

// GetStats returns object/event/decision counts. A store with no tables yet
// reports zeros rather than an error, so dashboards render before the first
// migration.
func (l *Ledger) GetStats(ctx context.Context) (store.Counts, error) {
	return l.store.Counts(ctx)
}

// DailySummary reports the autonomy mix: how many recorded decisions each
// system level produced.
type DailySummary struct {
	Total      int64 `json:"total"`
	Autonomous int64 `json:"autonomous"` // level 1
	Human      int64 `json:"human"`      // level 2
	Escalated  int64 `json:"escalated"`  // level 3
}

// GetDailySummary aggregates ledger rows by system level.
func (l *Ledger) GetDailySummary(ctx context.Context) (DailySummary, error) {
	byLevel, err := l.store.LedgerSummary(ctx)
	if err != nil {
		return DailySummary{}, err
	}
	s := DailySummary{
		Autonomous: byLevel[model.LevelAutonomous],
		Human:      byLevel[model.LevelHuman],
		Escalated:  byLevel[model.LevelEscalated],
	}
	s.Total = s.Autonomous + s.Human + s.Escalated
	return s, nil
}
