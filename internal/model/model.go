// Package model defines the core domain types shared across the battle engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a battle position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Tier classifies a battle. Primary battles are system-sponsored and
// recurring; Secondary battles are user-created markets. Tier is derived
// from sponsor identity at creation; a Primary battle is never downgraded.
type Tier string

const (
	TierPrimary   Tier = "PRIMARY"
	TierSecondary Tier = "SECONDARY"
)

// Status is the battle lifecycle state. Settled and Cancelled are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Winner of a settled battle.
type Winner string

const (
	WinnerNone  Winner = ""
	WinnerLong  Winner = "LONG"
	WinnerShort Winner = "SHORT"
	WinnerDraw  Winner = "DRAW"
)

// Liquidation reasons recorded on a dead position.
const (
	LiquidationInsolvent   = "insolvent"
	LiquidationMissedProof = "missed_proof"
)

// Position is one side's leveraged stake in a battle. Collateral and entry
// price are immutable after entry; leverage only ever increases (escalation);
// Alive flips to false exactly once and never back.
type Position struct {
	Side          Side            `json:"side"`
	Sponsor       string          `json:"sponsor"` // wallet address
	Collateral    decimal.Decimal `json:"collateral"`
	Leverage      decimal.Decimal `json:"leverage"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Alive         bool            `json:"alive"`
	LastProofTime time.Time       `json:"last_proof_time"`
	LiquidatedAt  *time.Time      `json:"liquidated_at,omitempty"`
	Reason        string          `json:"liquidation_reason,omitempty"`
}

// Battle is the authoritative aggregate for one battle. PositionB is nil
// while a Secondary lobby is waiting for an opponent.
type Battle struct {
	ID              string          `json:"id" db:"id"`
	Tier            Tier            `json:"tier" db:"tier"`
	PositionA       *Position       `json:"position_a"`
	PositionB       *Position       `json:"position_b,omitempty"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	ActivatedAt     time.Time       `json:"activated_at,omitzero" db:"activated_at"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	Status          Status          `json:"status" db:"status"`
	Winner          Winner          `json:"winner,omitempty" db:"winner"`
	EscalationLevel int             `json:"escalation_level" db:"escalation_level"`
	LongPool        decimal.Decimal `json:"long_pool" db:"long_pool"`
	ShortPool       decimal.Decimal `json:"short_pool" db:"short_pool"`
	TotalPool       decimal.Decimal `json:"total_pool" db:"total_pool"`
	SettlementRef   string          `json:"settlement_ref,omitempty" db:"settlement_ref"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// PositionBySide returns the position holding the given side, or nil.
func (b *Battle) PositionBySide(side Side) *Position {
	if b.PositionA != nil && b.PositionA.Side == side {
		return b.PositionA
	}
	if b.PositionB != nil && b.PositionB.Side == side {
		return b.PositionB
	}
	return nil
}

// Funded reports whether both positions exist.
func (b *Battle) Funded() bool {
	return b.PositionA != nil && b.PositionB != nil
}

// Bet is a pari-mutuel wager on one side of a battle. It references the
// battle by id only — a bet never keeps a battle alive. Created once on
// placement, mutated exactly once at settlement, never deleted.
type Bet struct {
	ID       string          `json:"id" db:"id"`
	BattleID string          `json:"battle_id" db:"battle_id"`
	Bettor   string          `json:"bettor" db:"bettor"`
	Side     Side            `json:"side" db:"side"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	PlacedAt time.Time       `json:"placed_at" db:"placed_at"`
	Settled  bool            `json:"settled" db:"settled"`
	Won      bool            `json:"won" db:"won"`
	Payout   decimal.Decimal `json:"payout" db:"payout"`
}

// BattleProjection is the read-side cache shape. It is derived from the
// authoritative ledger and must be fully reconstructible from it; nothing
// here is canonical.
type BattleProjection struct {
	ID              string          `json:"id" db:"id"`
	Tier            Tier            `json:"tier" db:"tier"`
	Status          Status          `json:"status" db:"status"`
	LongWallet      string          `json:"long_wallet" db:"long_wallet"`
	ShortWallet     string          `json:"short_wallet" db:"short_wallet"`
	LongAlive       bool            `json:"long_alive" db:"long_alive"`
	ShortAlive      bool            `json:"short_alive" db:"short_alive"`
	Winner          Winner          `json:"winner" db:"winner"`
	LongPool        decimal.Decimal `json:"long_pool" db:"long_pool"`
	ShortPool       decimal.Decimal `json:"short_pool" db:"short_pool"`
	TotalPool       decimal.Decimal `json:"total_pool" db:"total_pool"`
	EscalationLevel int             `json:"escalation_level" db:"escalation_level"`
	SettlementRef   string          `json:"settlement_ref" db:"settlement_ref"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Project builds the cache projection of a battle.
func Project(b *Battle, now time.Time) *BattleProjection {
	p := &BattleProjection{
		ID:              b.ID,
		Tier:            b.Tier,
		Status:          b.Status,
		Winner:          b.Winner,
		LongPool:        b.LongPool,
		ShortPool:       b.ShortPool,
		TotalPool:       b.TotalPool,
		EscalationLevel: b.EscalationLevel,
		SettlementRef:   b.SettlementRef,
		UpdatedAt:       now,
	}
	if long := b.PositionBySide(SideLong); long != nil {
		p.LongWallet = long.Sponsor
		p.LongAlive = long.Alive
	}
	if short := b.PositionBySide(SideShort); short != nil {
		p.ShortWallet = short.Sponsor
		p.ShortAlive = short.Alive
	}
	return p
}

// SameWallet compares two wallet addresses case-insensitively. Hex addresses
// differ only in checksum casing; never compare them with ==.
func SameWallet(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
