package model

import "time"

// ObjectType names a noun partition in the graph store.
type ObjectType = string

const (
	ObjectProduct  ObjectType = "PRODUCT"
	ObjectLocation ObjectType = "LOCATION"
	ObjectCustomer ObjectType = "CUSTOMER"
)

// Common event types. Event types are open-ended; these are the ones the
// core itself emits or queries by name.
const (
	EventSalesQty    = "SALES_QTY"
	EventPrice       = "PRICE"
	EventInvSnapshot = "INV_SNAPSHOT"
	EventReceiptsQty = "RECEIPTS_QTY"
	EventCompPrice   = "COMP_PRICE"
)

// GlobalScope is the sentinel location for events that are not tied to a
// specific store or region.
const GlobalScope = "GLOBAL"

// Object is a noun entity (product, location, customer). Attributes are kept
// nested; use Flatten for the boundary representation.
type Object struct {
	ID         string         `json:"id"`
	Type       ObjectType     `json:"type"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Flatten merges attributes into a single map alongside the core fields.
// Core fields win on key collision. This is the only place attribute
// flattening happens; storage and services always use the nested form.
func (o Object) Flatten() map[string]any {
	out := make(map[string]any, len(o.Attributes)+4)
	for k, v := range o.Attributes {
		out[k] = v
	}
	out["id"] = o.ID
	out["type"] = o.Type
	out["name"] = o.Name
	out["created_at"] = o.CreatedAt
	return out
}

// Event is a verb entity, immutable once written. DedupKey is derived from
// (type, target, location, date) and makes ingestion idempotent: the same
// logical fact always maps to the same row.
type Event struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	PrimaryTargetID   string         `json:"target_id"`
	SecondaryTargetID string         `json:"secondary_target_id,omitempty"`
	Value             float64        `json:"value"`
	Timestamp         string         `json:"timestamp"`
	Meta              map[string]any `json:"meta,omitempty"`
	DedupKey          string         `json:"dedup_key"`
}
