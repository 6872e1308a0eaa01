package model

import "time"

// Family classifies what kind of fact a field represents.
type Family string

const (
	FamilyIntrinsic     Family = "INTRINSIC"     // what it IS (brand, category)
	FamilyState         Family = "STATE"         // what it HAS (price, inventory)
	FamilyPerformance   Family = "PERFORMANCE"   // what it DID (sales, margin)
	FamilyEnvironmental Family = "ENVIRONMENTAL" // what happened TO it (weather, comp price)
)

// Semantic anchors. A client's raw column is mapped to one of these so every
// downstream consumer speaks a single vocabulary regardless of source naming.
const (
	AnchorProductID   = "ANCHOR_PRODUCT_ID"
	AnchorProductName = "ANCHOR_PRODUCT_NAME"
	AnchorCategory    = "ANCHOR_CATEGORY"
	AnchorRetailPrice = "ANCHOR_RETAIL_PRICE"
	AnchorStockOnHand = "ANCHOR_STOCK_ON_HAND"
	AnchorSalesQty    = "ANCHOR_SALES_QTY"
	AnchorSalesVal    = "ANCHOR_SALES_VAL"
	AnchorDate        = "ANCHOR_DATE"
	AnchorSignalType  = "ANCHOR_SIGNAL_TYPE"
	AnchorValue       = "ANCHOR_VALUE"
)

// EntityStandard declares the constitutional requirements for one entity type.
type EntityStandard struct {
	Families          []Family
	MandatoryMappings []string
}

// Constitution lists, per entity type, the anchors that must be mapped before
// the type becomes usable. Registration of a schema missing any of these is
// rejected (the abstention guard).
var Constitution = map[string]EntityStandard{
	"PRODUCT": {
		Families:          []Family{FamilyIntrinsic},
		MandatoryMappings: []string{AnchorProductID, AnchorProductName},
	},
	"INVENTORY": {
		Families:          []Family{FamilyState},
		MandatoryMappings: []string{AnchorProductID, AnchorStockOnHand, AnchorDate},
	},
	"PRICING": {
		Families:          []Family{FamilyState},
		MandatoryMappings: []string{AnchorProductID, AnchorRetailPrice, AnchorDate},
	},
	"TRANSACTION": {
		Families:          []Family{FamilyPerformance},
		MandatoryMappings: []string{AnchorProductID, AnchorSalesQty, AnchorDate},
	},
	"EXTERNAL_SIGNAL": {
		Families:          []Family{FamilyEnvironmental},
		MandatoryMappings: []string{AnchorDate, AnchorSignalType, AnchorValue},
	},
}

// SchemaField declares how one source column maps into the system.
type SchemaField struct {
	EntityType     string    `json:"entity_type"`
	SourceColumn   string    `json:"name"`
	Anchor         string    `json:"generic_anchor,omitempty"`
	Family         Family    `json:"family_type"`
	IsPrimaryKey   bool      `json:"is_pk"`
	IsAttribute    bool      `json:"is_attribute"`
	IsHierarchy    bool      `json:"is_hierarchy"`
	HierarchyLevel int       `json:"hierarchy_level,omitempty"`
	Formula        string    `json:"formula,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}
