package policy

import "fmt"

// ProfitValidator is the economic screen applied after the guardrail rules:
// an action can be inside every policy cap and still destroy value once the
// cost of tied-up capital is charged against it.
type ProfitValidator struct {
	// DailyWACC is the daily cost of capital applied to cash held in
	// inventory for the action's duration.
	DailyWACC float64
	// HurdleROI is the minimum acceptable return on invested cost.
	HurdleROI float64
}

// NewProfitValidator applies defaults for unset rates.
func NewProfitValidator(dailyWACC, hurdleROI float64) *ProfitValidator {
	if dailyWACC <= 0 {
		dailyWACC = 0.0003
	}
	if hurdleROI <= 0 {
		hurdleROI = 0.15
	}
	return &ProfitValidator{DailyWACC: dailyWACC, HurdleROI: hurdleROI}
}

// Validate computes economic profit and ROI for a proposed action.
// revenueImpact and costImpact are totals over the action's life;
// durationDays is how long the invested cost is tied up.
func (v *ProfitValidator) Validate(revenueImpact, costImpact float64, durationDays int) Verdict {
	grossProfit := revenueImpact - costImpact
	capitalCost := costImpact * v.DailyWACC * float64(durationDays)
	economicProfit := grossProfit - capitalCost

	roi := 0.0
	if costImpact > 0 {
		roi = economicProfit / costImpact
	}

	if economicProfit < 0 {
		return Verdict{Approved: false, Reason: fmt.Sprintf(
			"destroys value: economic loss %.2f (capital cost %.2f)", -economicProfit, capitalCost)}
	}
	if roi < v.HurdleROI {
		return Verdict{Approved: false, Reason: fmt.Sprintf(
			"inefficient capital: ROI %.1f%% below hurdle %.0f%%", roi*100, v.HurdleROI*100)}
	}
	return Verdict{Approved: true, Reason: fmt.Sprintf(
		"accretive: ROI %.1f%%, adds %.2f value", roi*100, economicProfit)}
}
