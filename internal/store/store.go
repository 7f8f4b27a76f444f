// Package store defines the read-side cache for battle projections and bets.
// Implementations include PostgreSQL (persistent projection), Redis
// (read-through cache), and in-memory (for testing).
//
// Everything here is derived state. The authoritative ledger owns the
// canonical fields; the cache must be fully reconstructible from it and is
// never consulted to decide a battle.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
)

// ErrNotFound is returned when no cached record exists for the id.
var ErrNotFound = errors.New("store: not found")

// Store is the cache persistence interface.
type Store interface {
	// SaveBattle upserts a battle projection.
	SaveBattle(ctx context.Context, p *model.BattleProjection) error

	// GetBattle retrieves a projection by battle id.
	GetBattle(ctx context.Context, id string) (*model.BattleProjection, error)

	// ListBattles returns all cached projections.
	ListBattles(ctx context.Context) ([]model.BattleProjection, error)

	// ListTerminal returns projections whose status is Settled or
	// Cancelled. The reconciler scans these.
	ListTerminal(ctx context.Context) ([]model.BattleProjection, error)

	// SaveBet upserts one bet row.
	SaveBet(ctx context.Context, bet *model.Bet) error

	// GetBetsByBattle returns all cached bets for a battle.
	GetBetsByBattle(ctx context.Context, battleID string) ([]model.Bet, error)

	// SettleBets marks every bet of a battle settled in one atomic step:
	// winner-side bets pay amount × payoutRatio truncated at
	// pool.PayoutScale, losing bets pay zero, and a Draw refunds every
	// stake. Returns the updated bets.
	SettleBets(ctx context.Context, battleID string, winner model.Winner, payoutRatio decimal.Decimal, settlementRef string) ([]model.Bet, error)
}

// settleBet applies the settlement rule to a single bet. Shared by the
// memory and postgres implementations so both derive identical rows from
// (winner, payoutRatio).
func settleBet(bet model.Bet, winner model.Winner, payoutRatio decimal.Decimal) model.Bet {
	bet.Settled = true
	switch {
	case winner == model.WinnerDraw:
		bet.Won = false
		bet.Payout = bet.Amount
	case model.Winner(bet.Side) == winner:
		bet.Won = true
		// The ratio carries the division's rounding; truncating the product
		// keeps the row at or below the exact pari-mutuel share.
		bet.Payout = bet.Amount.Mul(payoutRatio).RoundDown(pool.PayoutScale)
	default:
		bet.Won = false
		bet.Payout = decimal.Zero
	}
	return bet
}
