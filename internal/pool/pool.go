// Package pool implements the pari-mutuel betting pool for battles.
//
// Stakes accumulate per side while a battle accepts bets; at settlement the
// losing side's stakes fund the winning side's payouts via a single payout
// ratio. The pool is stateless in the LMSR-calculator style: stakes and bets
// are passed as arguments, configuration lives on the Pool.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pool

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

var (
	// ErrInsufficientBet is returned when the amount is zero, negative, or
	// below the configured minimum.
	ErrInsufficientBet = errors.New("pool: bet amount below minimum")

	// ErrBettingClosed is returned when the battle no longer accepts bets.
	ErrBettingClosed = errors.New("pool: betting is closed for this battle")

	// ErrStakeLimitExceeded is returned when a bet would push a bettor's
	// exposure or a side's aggregate stake beyond the configured limits.
	ErrStakeLimitExceeded = errors.New("pool: stake limit exceeded")

	// ErrInvalidSplit is returned when the prize split shares and protocol
	// fee do not sum to exactly 100% of the pool.
	ErrInvalidSplit = errors.New("pool: prize split must sum to 100% of the pool net of fee")
)

// DefaultPayoutRatio is applied only when the winning side received no bets
// at all, to avoid division by zero. With no winning bets there is nobody to
// pay, so the ratio is informational.
var DefaultPayoutRatio = decimal.NewFromFloat(1.8)

// Split fixes how the collateral pot divides at settlement. Shares are
// fractions of the pot net of the protocol fee and must sum to 1.
type Split struct {
	SponsorShare decimal.Decimal // winning position's sponsor
	BettorShare  decimal.Decimal // winning bettors, pro-rata
	ProtocolFee  decimal.Decimal // fraction of the pot taken off the top
}

// DefaultSplit is the observed production split: 75% sponsor, 25% bettors,
// no protocol fee.
func DefaultSplit() Split {
	return Split{
		SponsorShare: decimal.NewFromFloat(0.75),
		BettorShare:  decimal.NewFromFloat(0.25),
		ProtocolFee:  decimal.Zero,
	}
}

// Validate checks the split covers the pot exactly.
func (s Split) Validate() error {
	one := decimal.NewFromInt(1)
	if s.SponsorShare.IsNegative() || s.BettorShare.IsNegative() ||
		s.ProtocolFee.IsNegative() || s.ProtocolFee.GreaterThanOrEqual(one) {
		return ErrInvalidSplit
	}
	if !s.SponsorShare.Add(s.BettorShare).Equal(one) {
		return ErrInvalidSplit
	}
	return nil
}

// Pool validates bets and computes pari-mutuel payouts.
type Pool struct {
	minBet       decimal.Decimal
	maxPerBettor decimal.Decimal // zero disables the limit
	maxPerSide   decimal.Decimal // zero disables the limit
	split        Split
}

// New creates a pool with the given minimum bet, per-bettor and per-side
// stake limits (zero disables a limit), and prize split. The split is
// validated by the caller at startup.
func New(minBet, maxPerBettor, maxPerSide decimal.Decimal, split Split) *Pool {
	return &Pool{
		minBet:       minBet,
		maxPerBettor: maxPerBettor,
		maxPerSide:   maxPerSide,
		split:        split,
	}
}

// Split returns the configured prize split.
func (p *Pool) Split() Split { return p.split }

// SideStakes sums the stakes per side across a battle's bets.
func SideStakes(bets []model.Bet) (long, short decimal.Decimal) {
	for _, b := range bets {
		if b.Side == model.SideLong {
			long = long.Add(b.Amount)
		} else {
			short = short.Add(b.Amount)
		}
	}
	return long, short
}

// ValidateBet checks amount and stake limits against the battle's existing
// bets. Status and timing guards belong to the battle state machine.
func (p *Pool) ValidateBet(bettor string, side model.Side, amount decimal.Decimal, existing []model.Bet) error {
	if amount.LessThanOrEqual(decimal.Zero) || amount.LessThan(p.minBet) {
		return ErrInsufficientBet
	}

	bettorTotal := amount
	sideTotal := amount
	for _, b := range existing {
		if model.SameWallet(b.Bettor, bettor) {
			bettorTotal = bettorTotal.Add(b.Amount)
		}
		if b.Side == side {
			sideTotal = sideTotal.Add(b.Amount)
		}
	}

	if p.maxPerBettor.IsPositive() && bettorTotal.GreaterThan(p.maxPerBettor) {
		return ErrStakeLimitExceeded
	}
	if p.maxPerSide.IsPositive() && sideTotal.GreaterThan(p.maxPerSide) {
		return ErrStakeLimitExceeded
	}
	return nil
}

// PayoutScale fixes the decimal places of settled payouts. Residual division
// is truncated, never rounded, so distributed totals can only undershoot the
// pot they come from.
const PayoutScale int32 = 8

// PayoutRatio computes the pari-mutuel ratio for the winning side:
//
//	ratio = (winningSidePool + losingSidePool) / winningSidePool
//
// The ratio is informational (events, cache rows); settled payouts come from
// BetPayout on the raw stakes, because a truncated ratio multiplied back out
// can leak past the bet pot. DefaultPayoutRatio is returned only when the
// winning side has no stake.
func PayoutRatio(longStake, shortStake decimal.Decimal, winner model.Winner) decimal.Decimal {
	winning := longStake
	if winner == model.WinnerShort {
		winning = shortStake
	}
	if !winning.IsPositive() {
		return DefaultPayoutRatio
	}
	return longStake.Add(shortStake).Div(winning)
}

// BetPayout computes one winning bet's payout from the raw stakes:
//
//	payout = amount × (longStake + shortStake) / winningStake
//
// multiplied before dividing, so whole-number payouts stay exact; any
// residual is truncated at PayoutScale. Summed over the winning side the
// payouts never exceed the bet pot.
func BetPayout(amount, longStake, shortStake, winningStake decimal.Decimal) decimal.Decimal {
	if !winningStake.IsPositive() {
		return decimal.Zero
	}
	q, _ := amount.Mul(longStake.Add(shortStake)).QuoRem(winningStake, PayoutScale)
	return q
}

// ProRataShare allocates stake/total of a pot, truncated at PayoutScale.
// The allocated shares never sum past the pot.
func ProRataShare(pot, stake, total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	q, _ := pot.Mul(stake).QuoRem(total, PayoutScale)
	return q
}

// PrizeSplit divides the collateral pot: the protocol fee comes off the top,
// then the remainder splits between the winning sponsor and the winning
// bettors' bonus tranche. With no winning bets the bettor tranche folds into
// the sponsor prize so nothing leaks.
func (p *Pool) PrizeSplit(collateralPot decimal.Decimal, hasWinningBets bool) (sponsor, bettorBonus, fee decimal.Decimal) {
	fee = collateralPot.Mul(p.split.ProtocolFee)
	net := collateralPot.Sub(fee)
	sponsor = net.Mul(p.split.SponsorShare)
	bettorBonus = net.Sub(sponsor) // remainder, no rounding leakage
	if !hasWinningBets {
		sponsor = sponsor.Add(bettorBonus)
		bettorBonus = decimal.Zero
	}
	return sponsor, bettorBonus, fee
}
