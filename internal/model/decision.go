package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PackageStatus is the lifecycle state of a decision package.
type PackageStatus string

const (
	PackagePending  PackageStatus = "PENDING"
	PackageExecuted PackageStatus = "EXECUTED"
	PackageFailed   PackageStatus = "FAILED"
	PackageSkipped  PackageStatus = "SKIPPED"
)

// Actions dispatched by the execution agent.
const (
	ActionReplenish   = "REPLENISH"
	ActionPriceChange = "PRICE_CHANGE"
)

// DecisionPackage is a content-addressed unit of intended action. The hash
// covers action, target, quantity, timestamp and nonce: two packages with
// identical business content issued at different instants hash differently,
// while the executed-hash set blocks replay of the same package.
type DecisionPackage struct {
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Nonce     string        `json:"nonce"`
	Action    string        `json:"action"`
	TargetID  string        `json:"target_id"`
	Quantity  float64       `json:"quantity"`
	Reason    string        `json:"reason"`
	Status    PackageStatus `json:"status"`
	Hash      string        `json:"hash"`
}

// NewDecisionPackage builds a pending package with a fresh nonce and hash.
func NewDecisionPackage(action, targetID string, quantity float64, reason string) *DecisionPackage {
	nonce := uuid.New()
	pkg := &DecisionPackage{
		ID:        "PKG-" + strings.ToUpper(uuid.New().String()[:8]),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Nonce:     hex.EncodeToString(nonce[:])[:12],
		Action:    action,
		TargetID:  targetID,
		Quantity:  quantity,
		Reason:    reason,
		Status:    PackagePending,
	}
	pkg.Hash = pkg.ComputeHash()
	return pkg
}

// ComputeHash digests the replay-relevant fields. Exposed so tests can
// construct deliberate hash collisions.
func (p *DecisionPackage) ComputeHash() string {
	payload := fmt.Sprintf("%s%s%v%s%s", p.Action, p.TargetID, p.Quantity, p.Timestamp, p.Nonce)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
