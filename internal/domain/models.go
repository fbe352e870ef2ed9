// Package domain holds the shared types that flow between the core
// components: accounts, systems, investments, the position ledger and the
// per-run transient price/allocation data.
package domain

import "time"

// CredentialType scopes an account to a paper or live broker connection.
type CredentialType string

const (
	CredentialPaper CredentialType = "paper"
	CredentialLive  CredentialType = "live"
)

// UnallocatedBucket is the sentinel bucket id for shares no system claims.
const UnallocatedBucket = "unallocated"

// Bucket identifies a position-ledger row owner: either a real system or
// the unallocated sentinel. Never mix the sentinel string with a real
// system id outside the storage boundary.
type Bucket struct {
	SystemID      string
	IsUnallocated bool
}

// SystemBucket builds a Bucket pointing at a real system.
func SystemBucket(systemID string) Bucket { return Bucket{SystemID: systemID} }

// Unallocated is the shared sentinel bucket value.
var Unallocated = Bucket{IsUnallocated: true}

// ID returns the storage-layer string for this bucket.
func (b Bucket) ID() string {
	if b.IsUnallocated {
		return UnallocatedBucket
	}
	return b.SystemID
}

// BucketFromID translates a storage-layer bucket id back into a Bucket.
func BucketFromID(id string) Bucket {
	if id == UnallocatedBucket {
		return Unallocated
	}
	return SystemBucket(id)
}

// PayloadNode is one node of a system's opaque strategy tree. A node is
// either a leaf holding a position list, or a branch recursing into named
// child slots. Ticker extraction is a depth-first walk over this shape.
type PayloadNode struct {
	Positions []string               `json:"positions,omitempty"`
	Children  map[string][]PayloadNode `json:"children,omitempty"`
}

// IsLeaf reports whether this node carries positions directly.
func (n PayloadNode) IsLeaf() bool {
	return n.Children == nil
}

// System is a globally-identified, cross-user-shared allocation strategy.
type System struct {
	ID      string
	Payload PayloadNode
}

// WeightMode determines how Investment.Amount is interpreted.
type WeightMode string

const (
	WeightDollars WeightMode = "dollars"
	WeightPercent WeightMode = "percent"
)

// Investment is a user's declared commitment to a system under one
// credential type. At most one row exists per (user, credential, system).
type Investment struct {
	UserID         string
	CredentialType CredentialType
	SystemID       string
	Amount         float64
	WeightMode     WeightMode
}

// Dollars resolves the investment to a dollar amount against total equity.
func (inv Investment) Dollars(totalEquity float64) float64 {
	if inv.WeightMode == WeightPercent {
		return totalEquity * inv.Amount / 100
	}
	return inv.Amount
}

// LedgerEntry attributes broker-held shares of one ticker to one bucket
// (a system, or the UNALLOCATED sentinel) for one account.
type LedgerEntry struct {
	UserID         string
	CredentialType CredentialType
	Bucket         Bucket
	Ticker         string
	Shares         float64
	AvgPrice       float64
	UpdatedAt      time.Time
}

// ShareEpsilon is the tolerance below which a share count is treated as
// zero; rows at or below it are purged rather than persisted.
const ShareEpsilon = 1e-4

// WeightEpsilon is the tolerance for weight-sum invariants (Σ weight_i = 1).
const WeightEpsilon = 1e-9

// Account identifies one (user, credential_type) execution unit.
type Account struct {
	UserID         string
	CredentialType CredentialType
}

// ExecutionPhase is the lifecycle stage of one execution record.
type ExecutionPhase string

const (
	PhaseWarmup    ExecutionPhase = "warmup"
	PhaseExecution ExecutionPhase = "execution"
	PhaseCompleted ExecutionPhase = "completed"
	PhaseFailed    ExecutionPhase = "failed"
)

// ExecutionTotals summarizes one execution record's scale.
type ExecutionTotals struct {
	Users   int `json:"users"`
	Systems int `json:"systems"`
	Tickers int `json:"tickers"`
	Trades  int `json:"trades"`
}

// ExecutionRecord is the top-level lifecycle row for one scheduled or
// manually-triggered run.
type ExecutionRecord struct {
	ExecutionID string
	Phase       ExecutionPhase
	StartedAt   time.Time
	CompletedAt *time.Time
	Totals      ExecutionTotals
	Errors      []string
}

// QueueStatus is the lifecycle state of one execution-queue row.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueExecuting QueueStatus = "executing"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// QueueRow is one user's randomized execution slot within an execution.
type QueueRow struct {
	ExecutionID    string
	UserID         string
	CredentialType CredentialType
	Position       int
	Status         QueueStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// PairedTicker is one (a, b) netting pair from trading settings.
type PairedTicker struct {
	A string `json:"a"`
	B string `json:"b"`
}

// CashReserveMode determines how TradingSettings.CashReserveAmount is read.
type CashReserveMode string

const (
	ReserveDollars CashReserveMode = "dollars"
	ReservePercent CashReserveMode = "percent"
)

// OrderType is the order style a user has configured.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// TradingSettings holds one user's per-run configuration knobs (spec.md §3).
type TradingSettings struct {
	Enabled               bool
	MinutesBeforeClose    int
	OrderType             OrderType
	LimitPercent          float64
	MaxAllocationPercent  float64
	FallbackTicker        string
	CashReserveMode       CashReserveMode
	CashReserveAmount     float64
	PairedTickers         []PairedTicker
	MarketHoursCheckHour  int
}

// DefaultTradingSettings mirrors the defaults spec.md calls out explicitly.
func DefaultTradingSettings() TradingSettings {
	return TradingSettings{
		Enabled:              false,
		MinutesBeforeClose:   10,
		OrderType:             OrderMarket,
		MaxAllocationPercent: 99,
		CashReserveMode:      ReserveDollars,
		MarketHoursCheckHour: 4,
	}
}

// Reserve computes the cash reserve in dollars against total equity.
func (t TradingSettings) Reserve(totalEquity float64) float64 {
	if t.CashReserveMode == ReservePercent {
		return totalEquity * t.CashReserveAmount / 100
	}
	return t.CashReserveAmount
}
