package model

// SystemLevel identifies the tier that produced a decision.
type SystemLevel = int

const (
	LevelAutonomous SystemLevel = 1
	LevelHuman      SystemLevel = 2
	LevelEscalated  SystemLevel = 3
)

// LedgerEntry is one append-only audit row. Entries are never updated or
// deleted once written.
type LedgerEntry struct {
	TxID        string      `json:"tx_id"`
	Timestamp   string      `json:"timestamp"`
	NodeID      string      `json:"node_id"`
	Decision    string      `json:"decision"`
	Quantity    float64     `json:"quantity"`
	Rationale   string      `json:"rationale"`
	SystemLevel SystemLevel `json:"system_level"`
	Status      string      `json:"status"`
	Mechanism   string      `json:"mechanism"`
}

// Policy is one guardrail row: (entity_id, key) -> numeric value, with
// entity_id "GLOBAL" acting as the fallback tier.
type Policy struct {
	EntityID string  `json:"entity_id"`
	Key      string  `json:"key"`
	Value    float64 `json:"value"`
	Source   string  `json:"source,omitempty"` // DATABASE or CODE_DEFAULT, set on reads
}
