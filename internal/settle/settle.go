// Package settle implements the settlement resolver: the single place where
// a battle's final state becomes a winner decision and a full set of bet
// settlements.
//
// The resolver is pure. It never mutates the battle or the bets it is given;
// it returns an Outcome describing every state change and every domain event,
// and the state machine applies them in one atomic step. Tie-breaks are
// symmetric and decided here, not patched after the fact: both positions
// down in the same evaluation is a Draw, and exactly equal health ratios at
// expiry is a Draw. A Draw refunds every bet and returns each sponsor's own
// collateral.
package settle

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/solvency"
)

// ErrMissingPosition is returned when a battle reaches settlement without
// both positions funded. Lobbies that never filled are cancelled, not
// settled, so this indicates a caller bug.
var ErrMissingPosition = errors.New("settle: battle is missing a funded position")

// Outcome is the complete result of settling one battle. Applying it is
// all-or-nothing: there is no partial settlement across a battle's bets.
type Outcome struct {
	Winner          model.Winner
	PayoutRatio     decimal.Decimal
	SettlementRef   string
	LiquidatedSides []model.Side // positions the final evaluation killed
	Bets            []model.Bet  // settled copies of every outstanding bet
	SponsorPrize    decimal.Decimal
	SponsorWallet   string
	BettorBonuses   map[string]decimal.Decimal // bonus tranche, pro-rata
	SponsorRefunds  map[string]decimal.Decimal // draw only: own collateral back
	ProtocolFee     decimal.Decimal
	Events          []model.Event
}

// TotalPaid sums every distribution in the outcome. It can never exceed the
// battle's total pool.
func (o *Outcome) TotalPaid() decimal.Decimal {
	total := o.SponsorPrize.Add(o.ProtocolFee)
	for _, b := range o.Bets {
		total = total.Add(b.Payout)
	}
	for _, bonus := range o.BettorBonuses {
		total = total.Add(bonus)
	}
	for _, refund := range o.SponsorRefunds {
		total = total.Add(refund)
	}
	return total
}

// Resolve decides the winner and settles all bets. finalPrice is only
// consulted when both positions are still alive; it is the settling
// evaluation's reference price.
//
// Decision order:
//  1. exactly one position alive → that side wins
//  2. both dead → Draw
//  3. both alive → liquidation check at finalPrice; one insolvent → the
//     other wins; both insolvent in this same evaluation → Draw
//  4. both survive → higher health ratio wins; exactly equal → Draw
func Resolve(
	b *model.Battle,
	bets []model.Bet,
	finalPrice decimal.Decimal,
	eval *solvency.Evaluator,
	pl *pool.Pool,
	settlementRef string,
	now time.Time,
) (*Outcome, error) {
	long := b.PositionBySide(model.SideLong)
	short := b.PositionBySide(model.SideShort)
	if long == nil || short == nil {
		return nil, ErrMissingPosition
	}

	out := &Outcome{
		SettlementRef:  settlementRef,
		BettorBonuses:  make(map[string]decimal.Decimal),
		SponsorRefunds: make(map[string]decimal.Decimal),
	}

	winner, liquidated, err := decideWinner(long, short, finalPrice, eval)
	if err != nil {
		return nil, err
	}
	out.Winner = winner
	out.LiquidatedSides = liquidated

	for _, side := range liquidated {
		ev := model.NewEvent(model.EventAgentLiquidated, b.ID, now)
		ev.Side = side
		ev.Fields["reason"] = model.LiquidationInsolvent
		ev.Fields["price"] = finalPrice.String()
		out.Events = append(out.Events, ev)
	}

	longStake, shortStake := pool.SideStakes(bets)
	collateralPot := long.Collateral.Add(short.Collateral)

	if winner == model.WinnerDraw {
		settleDraw(out, bets, long, short)
	} else {
		settleWin(out, bets, longStake, shortStake, collateralPot, long, short, pl)
	}

	ended := model.NewEvent(model.EventBattleEnded, b.ID, now)
	ended.Winner = out.Winner
	ended.Fields["payout_ratio"] = out.PayoutRatio.String()
	ended.Fields["sponsor_prize"] = out.SponsorPrize.String()
	ended.Fields["settlement_ref"] = settlementRef
	out.Events = append(out.Events, ended)

	return out, nil
}

func decideWinner(
	long, short *model.Position,
	finalPrice decimal.Decimal,
	eval *solvency.Evaluator,
) (model.Winner, []model.Side, error) {
	switch {
	case long.Alive && !short.Alive:
		return model.WinnerLong, nil, nil
	case short.Alive && !long.Alive:
		return model.WinnerShort, nil, nil
	case !long.Alive && !short.Alive:
		return model.WinnerDraw, nil, nil
	}

	// Both alive: a settling evaluation at the final price.
	longOK, err := eval.IsSolvent(long, finalPrice)
	if err != nil {
		return model.WinnerNone, nil, err
	}
	shortOK, err := eval.IsSolvent(short, finalPrice)
	if err != nil {
		return model.WinnerNone, nil, err
	}

	switch {
	case longOK && !shortOK:
		return model.WinnerLong, []model.Side{model.SideShort}, nil
	case shortOK && !longOK:
		return model.WinnerShort, []model.Side{model.SideLong}, nil
	case !longOK && !shortOK:
		return model.WinnerDraw, []model.Side{model.SideLong, model.SideShort}, nil
	}

	longHealth, err := solvency.HealthRatio(long, finalPrice)
	if err != nil {
		return model.WinnerNone, nil, err
	}
	shortHealth, err := solvency.HealthRatio(short, finalPrice)
	if err != nil {
		return model.WinnerNone, nil, err
	}

	switch longHealth.Cmp(shortHealth) {
	case 1:
		return model.WinnerLong, nil, nil
	case -1:
		return model.WinnerShort, nil, nil
	default:
		return model.WinnerDraw, nil, nil
	}
}

// settleDraw refunds every bet and each sponsor's own collateral. Refunds
// sum to exactly the total pool.
func settleDraw(out *Outcome, bets []model.Bet, long, short *model.Position) {
	out.PayoutRatio = decimal.Zero
	for _, bet := range bets {
		settled := bet
		settled.Settled = true
		settled.Won = false
		settled.Payout = bet.Amount
		out.Bets = append(out.Bets, settled)
	}
	out.SponsorRefunds[long.Sponsor] = out.SponsorRefunds[long.Sponsor].Add(long.Collateral)
	out.SponsorRefunds[short.Sponsor] = out.SponsorRefunds[short.Sponsor].Add(short.Collateral)
}

func settleWin(
	out *Outcome,
	bets []model.Bet,
	longStake, shortStake, collateralPot decimal.Decimal,
	long, short *model.Position,
	pl *pool.Pool,
) {
	winSide := model.SideLong
	winPos := long
	winningStake := longStake
	if out.Winner == model.WinnerShort {
		winSide = model.SideShort
		winPos = short
		winningStake = shortStake
	}

	ratio := pool.PayoutRatio(longStake, shortStake, out.Winner)
	out.PayoutRatio = ratio

	sponsor, bonusPot, fee := pl.PrizeSplit(collateralPot, winningStake.IsPositive())
	out.SponsorPrize = sponsor
	out.SponsorWallet = winPos.Sponsor
	out.ProtocolFee = fee

	for _, bet := range bets {
		settled := bet
		settled.Settled = true
		if bet.Side == winSide {
			settled.Won = true
			settled.Payout = pool.BetPayout(bet.Amount, longStake, shortStake, winningStake)
			if bonusPot.IsPositive() {
				bonus := pool.ProRataShare(bonusPot, bet.Amount, winningStake)
				out.BettorBonuses[bet.Bettor] = out.BettorBonuses[bet.Bettor].Add(bonus)
			}
		} else {
			settled.Won = false
			settled.Payout = decimal.Zero
		}
		out.Bets = append(out.Bets, settled)
	}
}
