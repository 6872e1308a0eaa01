package agency

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/ledger"
	"github.com/harborline/merchcore/internal/model"
)

// Agent stages approved decision packages and executes them exactly once.
// The queue and executed-hash set are in-memory staging only; the ledger is
// the durable system of record. A process restart loses pending packages but
// never an executed one.
type Agent struct {
	graph  *graph.Graph
	ledger *ledger.Ledger

	mu       sync.Mutex
	queue    []*model.DecisionPackage
	executed map[string]bool
	history  []*model.DecisionPackage
}

func New(g *graph.Graph, l *ledger.Ledger) *Agent {
	return &Agent{
		graph:    g,
		ledger:   l,
		executed: make(map[string]bool),
	}
}

// QueueDecision stages a package for the next batch. A package whose hash
// has already been executed is skipped and reported, not treated as an
// error: replay is an expected condition, not a fault.
func (a *Agent) QueueDecision(pkg *model.DecisionPackage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.executed[pkg.Hash] {
		pkg.Status = model.PackageSkipped
		zap.L().Warn("replay blocked",
			zap.String("package_id", pkg.ID),
			zap.String("hash", pkg.Hash[:12]),
		)
		return false
	}
	pkg.Status = model.PackagePending
	a.queue = append(a.queue, pkg)
	return true
}

// ExecuteBatch drains the queue once. Each package is re-checked against the
// executed-hash set under the lock (a package queued twice before the first
// execution must still execute once), dispatched by action type, and
// recorded in the ledger. Failures are recorded in history, never dropped.
// The queue is cleared at the end regardless of outcome.
func (a *Agent) ExecuteBatch(ctx context.Context) []*model.DecisionPackage {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]*model.DecisionPackage, 0, len(a.queue))
	for _, pkg := range a.queue {
		if a.executed[pkg.Hash] {
			pkg.Status = model.PackageSkipped
			results = append(results, pkg)
			a.history = append(a.history, pkg)
			continue
		}

		if err := a.dispatch(ctx, pkg); err != nil {
			pkg.Status = model.PackageFailed
			zap.L().Error("package execution failed",
				zap.String("package_id", pkg.ID),
				zap.String("action", pkg.Action),
				zap.Error(err),
			)
		} else {
			pkg.Status = model.PackageExecuted
			a.executed[pkg.Hash] = true
		}
		results = append(results, pkg)
		a.history = append(a.history, pkg)
	}
	a.queue = nil
	return results
}

// dispatch routes one package to its side effects: a graph event describing
// the physical change plus a ledger row describing the decision.
func (a *Agent) dispatch(ctx context.Context, pkg *model.DecisionPackage) error {
	var eventType string
	switch pkg.Action {
	case model.ActionReplenish:
		eventType = model.EventReceiptsQty
	case model.ActionPriceChange:
		eventType = model.EventPrice
	default:
		return eris.Errorf("agency: no dispatch rule for action %s", pkg.Action)
	}

	ev := model.Event{
		ID:              "EVT_" + pkg.Hash[:12],
		Type:            eventType,
		PrimaryTargetID: pkg.TargetID,
		Value:           pkg.Quantity,
		Timestamp:       pkg.Timestamp[:10],
		Meta:            map[string]any{"package_id": pkg.ID, "reason": pkg.Reason},
		DedupKey:        pkg.Hash,
	}
	if err := a.graph.PutEvents(ctx, []model.Event{ev}); err != nil {
		return eris.Wrapf(err, "agency: emit %s event for %s", eventType, pkg.TargetID)
	}

	_, err := a.ledger.LogExecution(ctx, ledger.Execution{
		NodeID:      pkg.TargetID,
		Decision:    pkg.Action,
		Quantity:    pkg.Quantity,
		Rationale:   pkg.Reason,
		SystemLevel: model.LevelAutonomous,
		Status:      string(model.PackageExecuted),
		Mechanism:   "AGENT_BATCH",
	})
	return err
}

// Queue returns a snapshot of pending packages.
func (a *Agent) Queue() []*model.DecisionPackage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.DecisionPackage, len(a.queue))
	copy(out, a.queue)
	return out
}

// History returns a snapshot of every package that has been through a batch.
func (a *Agent) History() []*model.DecisionPackage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.DecisionPackage, len(a.history))
	copy(out, a.history)
	return out
}
