package transform

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/ingest"
	"github.com/harborline/merchcore/internal/model"
)

// Supported operators for DeriveMetric. Symbol aliases are accepted.
const (
	OpAdd      = "ADD"
	OpSubtract = "SUBTRACT"
	OpMultiply = "MULTIPLY"
	OpDivide   = "DIVIDE"
)

// ErrNoSourceData is returned when metric A has no events to derive from.
var ErrNoSourceData = eris.New("transform: source metric has no events")

// Result reports one derivation run.
type Result struct {
	TargetMetric  string `json:"target_metric"`
	RowsGenerated int    `json:"rows_generated"`
}

// Engine derives new event series from existing ones, e.g.
// SALES_REV = SALES_QTY MULTIPLY PRICE.
type Engine struct {
	graph *graph.Graph
}

func New(g *graph.Graph) *Engine {
	return &Engine{graph: g}
}

// readLimit bounds how many source events one derivation considers.
const readLimit = 100000

// DeriveMetric computes target = a op b over the event graph. metricB may be
// an event type, joined with metric A on (timestamp, target), or a numeric
// literal applied as a scalar. Results are written back as derived events
// under the usual dedup-key discipline, so re-deriving overwrites.
func (e *Engine) DeriveMetric(ctx context.Context, targetMetric, metricA, op, metricB string) (*Result, error) {
	evsA, err := e.graph.GetEvents(ctx, metricA, "", readLimit)
	if err != nil {
		return nil, err
	}
	if len(evsA) == 0 {
		return nil, eris.Wrapf(ErrNoSourceData, "metric %s", metricA)
	}

	type pair struct{ a, b float64 }
	type seriesKey struct{ timestamp, target string }
	joined := make(map[seriesKey]pair)
	var order []seriesKey

	if scalar, errConv := strconv.ParseFloat(metricB, 64); errConv == nil {
		for _, ev := range evsA {
			k := seriesKey{ev.Timestamp, ev.PrimaryTargetID}
			if _, ok := joined[k]; !ok {
				order = append(order, k)
			}
			joined[k] = pair{a: ev.Value, b: scalar}
		}
	} else {
		evsB, err := e.graph.GetEvents(ctx, metricB, "", readLimit)
		if err != nil {
			return nil, err
		}
		bVals := make(map[seriesKey]float64, len(evsB))
		for _, ev := range evsB {
			bVals[seriesKey{ev.Timestamp, ev.PrimaryTargetID}] = ev.Value
		}
		// Inner join: rows without a counterpart in B are dropped.
		for _, ev := range evsA {
			k := seriesKey{ev.Timestamp, ev.PrimaryTargetID}
			b, ok := bVals[k]
			if !ok {
				continue
			}
			if _, seen := joined[k]; !seen {
				order = append(order, k)
			}
			joined[k] = pair{a: ev.Value, b: b}
		}
	}

	apply, err := operator(op)
	if err != nil {
		return nil, err
	}

	derived := make([]model.Event, 0, len(order))
	formula := fmt.Sprintf("%s %s %s", metricA, op, metricB)
	for _, k := range order {
		p := joined[k]
		key := ingest.DedupKey(targetMetric, k.target, model.GlobalScope, k.timestamp)
		derived = append(derived, model.Event{
			ID:              "CALC_" + key[:12],
			Type:            targetMetric,
			PrimaryTargetID: k.target,
			Value:           apply(p.a, p.b),
			Timestamp:       k.timestamp,
			Meta:            map[string]any{"source": "DERIVED", "formula": formula},
			DedupKey:        key,
		})
	}

	if len(derived) > 0 {
		if err := e.graph.PutEvents(ctx, derived); err != nil {
			return nil, err
		}
	}
	zap.L().Info("metric derived",
		zap.String("target", targetMetric),
		zap.String("formula", formula),
		zap.Int("rows", len(derived)),
	)
	return &Result{TargetMetric: targetMetric, RowsGenerated: len(derived)}, nil
}

func operator(op string) (func(a, b float64) float64, error) {
	switch op {
	case OpAdd, "+":
		return func(a, b float64) float64 { return a + b }, nil
	case OpSubtract, "-":
		return func(a, b float64) float64 { return a - b }, nil
	case OpMultiply, "*":
		return func(a, b float64) float64 { return a * b }, nil
	case OpDivide, "/":
		return func(a, b float64) float64 {
			if b == 0 {
				return 0
			}
			return a / b
		}, nil
	default:
		return nil, eris.Errorf("transform: invalid operator %s (use ADD, SUBTRACT, MULTIPLY, DIVIDE)", op)
	}
}
