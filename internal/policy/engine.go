package policy

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/store"
)

// Compiled defaults, the final tier of the policy cascade.
const (
	KeyMaxAutoSpend     = "MAX_AUTO_SPEND"
	KeyMinMarginPct     = "MIN_MARGIN_PCT"
	KeyMaxPriceHikePct  = "MAX_PRICE_HIKE_PCT"
	KeyMaxMarkdownDepth = "MAX_MARKDOWN_DEPTH"
	KeySystem3Trigger   = "SYSTEM_3_TRIGGER"
)

// Defaults maps policy keys to their compiled fallback values.
var Defaults = map[string]float64{
	KeyMaxAutoSpend:     5000,
	KeyMinMarginPct:     20,
	KeyMaxPriceHikePct:  10,
	KeyMaxMarkdownDepth: 40,
	KeySystem3Trigger:   60,
}

// defaultUnitCost is assumed for ORDER validation when the caller supplies
// no unit_cost in context.
const defaultUnitCost = 50.0

// Action types the engine knows how to validate.
const (
	ActionOrder    = "ORDER"
	ActionHike     = "HIKE"
	ActionMarkdown = "MARKDOWN"
)

// Provenance tags on policy reads.
const (
	SourceDatabase = "DATABASE"
	SourceDefault  = "CODE_DEFAULT"
)

// Verdict is the outcome of validating one proposed action.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Engine resolves guardrail values and validates proposed actions against
// them. Resolution cascades entity-specific -> GLOBAL -> compiled default.
type Engine struct {
	store store.Store
}

func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// FetchPolicy resolves one guardrail value through the three-tier cascade.
// The tiers are strictly ordered, never unioned: an entity-specific row
// shadows GLOBAL, which shadows the compiled default.
func (e *Engine) FetchPolicy(ctx context.Context, key, entityID string) (float64, error) {
	if entityID != "" && entityID != model.GlobalScope {
		if v, ok, err := e.store.GetPolicy(ctx, key, entityID); err != nil {
			return 0, err
		} else if ok {
			return v, nil
		}
	}
	if v, ok, err := e.store.GetPolicy(ctx, key, model.GlobalScope); err != nil {
		return 0, err
	} else if ok {
		return v, nil
	}
	if v, ok := Defaults[key]; ok {
		return v, nil
	}
	return 0, eris.Errorf("policy: unknown key %s", key)
}

// ValidateAction answers whether a proposed action sits inside the safety
// envelope for its target entity.
//
// Context keys: ORDER reads "unit_cost" (default 50); HIKE reads
// "current_price" (required to compute the change percentage).
func (e *Engine) ValidateAction(ctx context.Context, actionType string, value float64, entityID string, actx map[string]float64) (Verdict, error) {
	switch actionType {
	case ActionOrder:
		unitCost := defaultUnitCost
		if c, ok := actx["unit_cost"]; ok && c > 0 {
			unitCost = c
		}
		cost := value * unitCost
		cap, err := e.FetchPolicy(ctx, KeyMaxAutoSpend, entityID)
		if err != nil {
			return Verdict{}, err
		}
		if cost > cap {
			return Verdict{Approved: false, Reason: fmt.Sprintf(
				"estimated cost %.2f exceeds %s %.2f", cost, KeyMaxAutoSpend, cap)}, nil
		}
		return Verdict{Approved: true, Reason: fmt.Sprintf("estimated cost %.2f within spend cap", cost)}, nil

	case ActionHike:
		current, ok := actx["current_price"]
		if !ok || current <= 0 {
			return Verdict{Approved: false, Reason: "current_price required to validate a price hike"}, nil
		}
		pct := (value - current) / current * 100
		cap, err := e.FetchPolicy(ctx, KeyMaxPriceHikePct, entityID)
		if err != nil {
			return Verdict{}, err
		}
		if pct > cap {
			return Verdict{Approved: false, Reason: fmt.Sprintf(
				"price hike %.1f%% exceeds %s %.1f%%", pct, KeyMaxPriceHikePct, cap)}, nil
		}
		return Verdict{Approved: true, Reason: fmt.Sprintf("price hike %.1f%% within ceiling", pct)}, nil

	case ActionMarkdown:
		cap, err := e.FetchPolicy(ctx, KeyMaxMarkdownDepth, entityID)
		if err != nil {
			return Verdict{}, err
		}
		if value > cap {
			return Verdict{Approved: false, Reason: fmt.Sprintf(
				"markdown %.1f%% exceeds %s %.1f%%", value, KeyMaxMarkdownDepth, cap)}, nil
		}
		return Verdict{Approved: true, Reason: fmt.Sprintf("markdown %.1f%% within depth limit", value)}, nil

	default:
		// Permissive by default for unrecognized actions. The warning keeps
		// the gap visible in operations.
		zap.L().Warn("unrecognized action type approved by default",
			zap.String("action_type", actionType),
			zap.String("entity_id", entityID),
		)
		return Verdict{Approved: true, Reason: fmt.Sprintf("no rule for action type %s", actionType)}, nil
	}
}

// SetPolicy writes one guardrail row.
func (e *Engine) SetPolicy(ctx context.Context, key, entityID string, value float64) error {
	if entityID == "" {
		entityID = model.GlobalScope
	}
	return e.store.SetPolicy(ctx, model.Policy{EntityID: entityID, Key: key, Value: value})
}

// GetAllPolicies returns every stored policy tagged DATABASE, plus compiled
// defaults (tagged CODE_DEFAULT) for any key with no GLOBAL row.
func (e *Engine) GetAllPolicies(ctx context.Context) ([]model.Policy, error) {
	stored, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	globalKeys := make(map[string]bool)
	out := make([]model.Policy, 0, len(stored)+len(Defaults))
	for _, p := range stored {
		p.Source = SourceDatabase
		if p.EntityID == model.GlobalScope {
			globalKeys[p.Key] = true
		}
		out = append(out, p)
	}
	for _, key := range []string{KeyMaxAutoSpend, KeyMinMarginPct, KeyMaxPriceHikePct, KeyMaxMarkdownDepth, KeySystem3Trigger} {
		if !globalKeys[key] {
			out = append(out, model.Policy{
				EntityID: model.GlobalScope,
				Key:      key,
				Value:    Defaults[key],
				Source:   SourceDefault,
			})
		}
	}
	return out, nil
}
