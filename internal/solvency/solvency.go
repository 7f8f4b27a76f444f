// Package solvency implements the liquidation evaluator for leveraged
// battle positions.
//
// A position's equity is its collateral plus signed leveraged P&L against a
// reference price. The evaluator decides solvency from the adverse price move
// relative to the elimination threshold: a position survives while the move
// against it stays strictly below the threshold. At the 10x base leverage
// this coincides with a 5% maintenance margin on the health ratio.
//
// All arithmetic uses shopspring/decimal — never float64 for money. Given the
// same inputs the result is reproducible bit for bit; there are no side
// effects and no clocks in this package.
package solvency

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

var (
	// ErrInvalidPrice is returned when the reference price is not positive.
	// A zero entry or reference price would make equity unbounded.
	ErrInvalidPrice = errors.New("solvency: reference price must be positive")

	// ErrInvalidPosition is returned for a position with non-positive
	// collateral, leverage, or entry price.
	ErrInvalidPosition = errors.New("solvency: position has non-positive collateral, leverage, or entry price")
)

// Defaults observed across primary battles.
var (
	// DefaultMaintenanceMargin is the minimum health ratio at base leverage.
	DefaultMaintenanceMargin = decimal.NewFromFloat(0.05)

	// DefaultEliminationThreshold is the adverse price move, as a fraction
	// of entry price, at which a position is liquidated.
	DefaultEliminationThreshold = decimal.NewFromFloat(0.095)
)

// Evaluator decides position solvency against a reference price. It is
// stateless — positions are passed as arguments, not stored.
type Evaluator struct {
	maintenanceMargin    decimal.Decimal
	eliminationThreshold decimal.Decimal
}

// NewEvaluator creates an evaluator with explicit margins. Non-positive
// inputs fall back to the defaults.
func NewEvaluator(maintenanceMargin, eliminationThreshold decimal.Decimal) *Evaluator {
	if maintenanceMargin.LessThanOrEqual(decimal.Zero) {
		maintenanceMargin = DefaultMaintenanceMargin
	}
	if eliminationThreshold.LessThanOrEqual(decimal.Zero) {
		eliminationThreshold = DefaultEliminationThreshold
	}
	return &Evaluator{
		maintenanceMargin:    maintenanceMargin,
		eliminationThreshold: eliminationThreshold,
	}
}

// EliminationThreshold returns the configured threshold.
func (e *Evaluator) EliminationThreshold() decimal.Decimal {
	return e.eliminationThreshold
}

// PnL computes the signed leveraged profit and loss of a position at the
// reference price:
//
//	long:  collateral * leverage * (ref - entry) / entry
//	short: collateral * leverage * (entry - ref) / entry
func PnL(pos *model.Position, refPrice decimal.Decimal) (decimal.Decimal, error) {
	if err := validate(pos, refPrice); err != nil {
		return decimal.Zero, err
	}
	move := refPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if pos.Side == model.SideShort {
		move = move.Neg()
	}
	return pos.Collateral.Mul(pos.Leverage).Mul(move), nil
}

// HealthRatio computes equity / collateral. 1.0 means no change; 0 means the
// collateral is wiped out. Used for the end-of-battle comparison between two
// surviving positions.
func HealthRatio(pos *model.Position, refPrice decimal.Decimal) (decimal.Decimal, error) {
	pnl, err := PnL(pos, refPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.Collateral.Add(pnl).Div(pos.Collateral), nil
}

// AdverseMove returns the price move from entry in the direction that hurts
// the position, as a non-negative fraction of the entry price. A favorable
// move returns zero.
func AdverseMove(pos *model.Position, refPrice decimal.Decimal) (decimal.Decimal, error) {
	if err := validate(pos, refPrice); err != nil {
		return decimal.Zero, err
	}
	move := refPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	if pos.Side == model.SideLong {
		move = move.Neg()
	}
	if move.IsNegative() {
		return decimal.Zero, nil
	}
	return move, nil
}

// IsSolvent reports whether the position survives at the reference price.
// Solvent iff the adverse move is strictly less than the elimination
// threshold; a move of exactly the threshold liquidates.
func (e *Evaluator) IsSolvent(pos *model.Position, refPrice decimal.Decimal) (bool, error) {
	adverse, err := AdverseMove(pos, refPrice)
	if err != nil {
		return false, err
	}
	return adverse.LessThan(e.eliminationThreshold), nil
}

func validate(pos *model.Position, refPrice decimal.Decimal) error {
	if refPrice.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidPrice
	}
	if pos == nil ||
		pos.Collateral.LessThanOrEqual(decimal.Zero) ||
		pos.Leverage.LessThanOrEqual(decimal.Zero) ||
		pos.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidPosition
	}
	return nil
}
