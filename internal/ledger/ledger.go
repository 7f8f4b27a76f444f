// Package ledger defines the authoritative ledger surface for battles and
// provides two implementations: an in-process ledger that embeds the battle
// state machine (the execution-environment stand-in, also used by tests),
// and a read-only EVM adapter used by the reconciler in production.
//
// The ledger serializes all mutations per battle; no two mutations on the
// same battle interleave. Battles proceed fully in parallel with no shared
// mutable state between them.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

var (
	// ErrBattleNotFound is returned when no battle exists for the id.
	ErrBattleNotFound = errors.New("ledger: battle not found")

	// ErrUnavailable wraps transient transport failures against a remote
	// ledger. Callers retry; they never assume success.
	ErrUnavailable = errors.New("ledger: authoritative ledger unavailable")
)

// Reader is the authoritative read surface. The reconciler depends on this
// and nothing more.
type Reader interface {
	// GetBattle returns the full current battle state, including both
	// positions and the winner if settled.
	GetBattle(ctx context.Context, id string) (*model.Battle, error)
}

// Ledger is the full authoritative surface: reads plus the serialized,
// atomic mutations of the battle lifecycle.
type Ledger interface {
	Reader

	// ListBattles returns snapshots of every battle.
	ListBattles(ctx context.Context) ([]model.Battle, error)

	// GetBets returns snapshots of a battle's bets.
	GetBets(ctx context.Context, battleID string) ([]model.Bet, error)

	// CreateLobby opens a battle with one funded side.
	CreateLobby(ctx context.Context, sponsor string, side model.Side, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error)

	// CreateFunded opens a battle with both sides funded atomically.
	CreateFunded(ctx context.Context, longSponsor, shortSponsor string, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error)

	// Join funds the opposing side of a pending lobby.
	Join(ctx context.Context, battleID, sponsor string, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error)

	// SubmitProof submits a solvency proof for one side.
	SubmitProof(ctx context.Context, battleID string, side model.Side, claimedPrice decimal.Decimal, proofHash string) (*model.Battle, []model.Event, error)

	// PlaceBet records a wager on one side.
	PlaceBet(ctx context.Context, battleID, bettor string, side model.Side, amount decimal.Decimal) (*model.Bet, *model.Battle, []model.Event, error)

	// Settle ends a battle at the final reference price.
	Settle(ctx context.Context, battleID string, finalPrice decimal.Decimal) (*model.Battle, []model.Event, error)

	// Check runs the clock tick against one battle.
	Check(ctx context.Context, battleID string) (*model.Battle, []model.Event, error)
}
