package settle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/solvency"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func defaultEval() *solvency.Evaluator {
	return solvency.NewEvaluator(decimal.Zero, decimal.Zero)
}

func defaultPool() *pool.Pool {
	return pool.New(d(1), decimal.Zero, decimal.Zero, pool.DefaultSplit())
}

func testBattle(longAlive, shortAlive bool) *model.Battle {
	return &model.Battle{
		ID:     "battle-1",
		Tier:   model.TierSecondary,
		Status: model.StatusActive,
		PositionA: &model.Position{
			Side:       model.SideLong,
			Sponsor:    "0xlong",
			Collateral: d(100),
			Leverage:   d(10),
			EntryPrice: d(3000),
			Alive:      longAlive,
		},
		PositionB: &model.Position{
			Side:       model.SideShort,
			Sponsor:    "0xshort",
			Collateral: d(100),
			Leverage:   d(10),
			EntryPrice: d(3000),
			Alive:      shortAlive,
		},
	}
}

func testBets() []model.Bet {
	return []model.Bet{
		{ID: "bet-1", BattleID: "battle-1", Bettor: "0xb1", Side: model.SideLong, Amount: d(60)},
		{ID: "bet-2", BattleID: "battle-1", Bettor: "0xb2", Side: model.SideShort, Amount: d(40)},
	}
}

// --- Winner decision tests ---

func TestResolve_SurvivorWins(t *testing.T) {
	b := testBattle(true, false)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Winner != model.WinnerLong {
		t.Errorf("sole survivor should win, got %s", out.Winner)
	}
	if len(out.LiquidatedSides) != 0 {
		t.Errorf("no new liquidations expected, got %v", out.LiquidatedSides)
	}
}

func TestResolve_BothDeadIsDraw(t *testing.T) {
	b := testBattle(false, false)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Winner != model.WinnerDraw {
		t.Errorf("both dead should be a draw, got %s", out.Winner)
	}
}

func TestResolve_FinalEvaluationLiquidates(t *testing.T) {
	// Both alive, final price -9.5% from entry: long crosses the threshold,
	// short wins, and the resolver reports the liquidation.
	b := testBattle(true, true)

	out, err := Resolve(b, testBets(), d(2715), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Winner != model.WinnerShort {
		t.Errorf("expected short to win, got %s", out.Winner)
	}
	if len(out.LiquidatedSides) != 1 || out.LiquidatedSides[0] != model.SideLong {
		t.Errorf("expected long liquidated, got %v", out.LiquidatedSides)
	}

	var liquidationEvents int
	for _, ev := range out.Events {
		if ev.Type == model.EventAgentLiquidated {
			liquidationEvents++
			if ev.Side != model.SideLong {
				t.Errorf("liquidation event for wrong side: %s", ev.Side)
			}
		}
	}
	if liquidationEvents != 1 {
		t.Errorf("expected 1 liquidation event, got %d", liquidationEvents)
	}
}

func TestResolve_EqualHealthIsDraw(t *testing.T) {
	// Both alive at the entry price: both healths are exactly 1.
	b := testBattle(true, true)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Winner != model.WinnerDraw {
		t.Errorf("exactly equal health should be a draw, got %s", out.Winner)
	}
}

func TestResolve_HigherHealthWins(t *testing.T) {
	// Small favorable move for the long, within everyone's threshold.
	b := testBattle(true, true)

	out, err := Resolve(b, testBets(), d(3030), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Winner != model.WinnerLong {
		t.Errorf("higher health should win, got %s", out.Winner)
	}
}

func TestResolve_MissingPosition(t *testing.T) {
	b := testBattle(true, true)
	b.PositionB = nil

	if _, err := Resolve(b, nil, d(3000), defaultEval(), defaultPool(), "ref-1", now); err != ErrMissingPosition {
		t.Errorf("expected ErrMissingPosition, got %v", err)
	}
}

// --- Bet settlement tests ---

func TestResolve_PariMutuelPayouts(t *testing.T) {
	// 60 on Long, 40 on Short, Long wins: ratio 100/60, long bettor gets 100.
	b := testBattle(true, false)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := d(100).Div(d(60))
	if !out.PayoutRatio.Equal(expected) {
		t.Errorf("expected ratio %s, got %s", expected, out.PayoutRatio)
	}

	for _, bet := range out.Bets {
		if !bet.Settled {
			t.Errorf("bet %s left unsettled", bet.ID)
		}
		switch bet.ID {
		case "bet-1":
			// Settled from the raw stakes: 60 × 100/60 = 100 exactly, with
			// no residue from the rounded ratio.
			if !bet.Won || !bet.Payout.Equal(d(100)) {
				t.Errorf("long bettor should win exactly 100, got won=%v payout=%s", bet.Won, bet.Payout)
			}
		case "bet-2":
			if bet.Won || !bet.Payout.IsZero() {
				t.Errorf("short bettor should lose, got won=%v payout=%s", bet.Won, bet.Payout)
			}
		}
	}
}

func TestResolve_PrizeSplit(t *testing.T) {
	// Collateral pot 200 splits 75/25 between the winning sponsor and the
	// winning bettors.
	b := testBattle(true, false)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SponsorWallet != "0xlong" {
		t.Errorf("expected winning sponsor 0xlong, got %s", out.SponsorWallet)
	}
	if !out.SponsorPrize.Equal(d(150)) {
		t.Errorf("expected sponsor prize 150, got %s", out.SponsorPrize)
	}
	if !out.BettorBonuses["0xb1"].Equal(d(50)) {
		t.Errorf("sole winning bettor should take the whole bonus 50, got %s",
			out.BettorBonuses["0xb1"])
	}
}

func TestResolve_NoWinningBetsFoldsBonus(t *testing.T) {
	b := testBattle(true, false)
	bets := []model.Bet{
		{ID: "bet-2", BattleID: "battle-1", Bettor: "0xb2", Side: model.SideShort, Amount: d(40)},
	}

	out, err := Resolve(b, bets, d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.PayoutRatio.Equal(pool.DefaultPayoutRatio) {
		t.Errorf("empty winning side should use the default ratio, got %s", out.PayoutRatio)
	}
	if !out.SponsorPrize.Equal(d(200)) {
		t.Errorf("sponsor should take the whole pot, got %s", out.SponsorPrize)
	}
	if len(out.BettorBonuses) != 0 {
		t.Errorf("no bonuses expected, got %v", out.BettorBonuses)
	}
}

func TestResolve_DrawRefundsEverything(t *testing.T) {
	b := testBattle(false, false)

	out, err := Resolve(b, testBets(), d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, bet := range out.Bets {
		if bet.Won {
			t.Errorf("draw should mark bet %s as not won", bet.ID)
		}
		if !bet.Payout.Equal(bet.Amount) {
			t.Errorf("draw should refund bet %s exactly: %s != %s", bet.ID, bet.Payout, bet.Amount)
		}
	}
	if !out.SponsorRefunds["0xlong"].Equal(d(100)) || !out.SponsorRefunds["0xshort"].Equal(d(100)) {
		t.Errorf("each sponsor should get their own collateral back, got %v", out.SponsorRefunds)
	}
}

// --- Conservation ---

func TestResolve_TotalPaidNeverExceedsPool(t *testing.T) {
	cases := []struct {
		name       string
		longAlive  bool
		shortAlive bool
		finalPrice float64
	}{
		{"long wins", true, false, 3000},
		{"short wins", false, true, 3000},
		{"draw both dead", false, false, 3000},
		{"final liquidation", true, true, 2715},
		{"equal health draw", true, true, 3000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testBattle(tc.longAlive, tc.shortAlive)
			bets := testBets()
			longStake, shortStake := pool.SideStakes(bets)
			totalPool := longStake.Add(shortStake).Add(d(200)) // + collateral

			out, err := Resolve(b, bets, d(tc.finalPrice), defaultEval(), defaultPool(), "ref-1", now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.TotalPaid().GreaterThan(totalPool) {
				t.Errorf("total paid %s exceeds pool %s", out.TotalPaid(), totalPool)
			}
		})
	}
}

func TestResolve_RepeatingRatioStaysInsidePool(t *testing.T) {
	// Three equal winning bets against one loser make the exact share 4/3,
	// an infinite decimal expansion. Every payout and bonus truncates, so
	// nothing can leak past the pool.
	b := testBattle(true, false)
	bets := []model.Bet{
		{ID: "bet-1", BattleID: "battle-1", Bettor: "0xb1", Side: model.SideLong, Amount: d(1)},
		{ID: "bet-2", BattleID: "battle-1", Bettor: "0xb2", Side: model.SideLong, Amount: d(1)},
		{ID: "bet-3", BattleID: "battle-1", Bettor: "0xb3", Side: model.SideLong, Amount: d(1)},
		{ID: "bet-4", BattleID: "battle-1", Bettor: "0xb4", Side: model.SideShort, Amount: d(1)},
	}
	totalPool := d(4).Add(d(200)) // bets + collateral

	out, err := Resolve(b, bets, d(3000), defaultEval(), defaultPool(), "ref-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	betPot := decimal.Zero
	for _, bet := range out.Bets {
		if bet.Won && !bet.Payout.Equal(d(1.33333333)) {
			t.Errorf("bet %s should pay 4/3 truncated, got %s", bet.ID, bet.Payout)
		}
		betPot = betPot.Add(bet.Payout)
	}
	if betPot.GreaterThan(d(4)) {
		t.Errorf("bet payouts %s exceed the bet pot 4", betPot)
	}

	bonuses := decimal.Zero
	for _, bonus := range out.BettorBonuses {
		bonuses = bonuses.Add(bonus)
	}
	if bonuses.GreaterThan(d(50)) {
		t.Errorf("bonuses %s exceed the bonus tranche 50", bonuses)
	}
	if out.TotalPaid().GreaterThan(totalPool) {
		t.Errorf("total paid %s exceeds pool %s", out.TotalPaid(), totalPool)
	}
}

func TestResolve_InputsNotMutated(t *testing.T) {
	b := testBattle(true, false)
	bets := testBets()

	if _, err := Resolve(b, bets, d(3000), defaultEval(), defaultPool(), "ref-1", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bet := range bets {
		if bet.Settled || !bet.Payout.IsZero() {
			t.Errorf("resolver mutated input bet %s", bet.ID)
		}
	}
	if b.Winner != model.WinnerNone || b.Status != model.StatusActive {
		t.Error("resolver mutated the battle")
	}
}
