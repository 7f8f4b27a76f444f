package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/cadence"
	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/solvency"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SystemSponsors = []string{"0xSysLong", "0xSysShort"}
	eng, err := New(cfg,
		solvency.NewEvaluator(decimal.Zero, decimal.Zero),
		pool.New(d(1), decimal.Zero, decimal.Zero, pool.DefaultSplit()))
	if err != nil {
		t.Fatalf("engine config rejected: %v", err)
	}
	return eng
}

func newActiveBattle(t *testing.T, eng *Engine) *Battle {
	t.Helper()
	bt, _, err := eng.CreateFunded("0xlong", "0xshort", d(100), d(3000), t0)
	if err != nil {
		t.Fatalf("create funded failed: %v", err)
	}
	return bt
}

// --- Creation and tier classification ---

func TestCreateFunded_StartsActive(t *testing.T) {
	eng := newTestEngine(t)
	bt, events, err := eng.CreateFunded("0xlong", "0xshort", d(100), d(3000), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bt.B.Status != model.StatusActive {
		t.Errorf("funded battle should start Active, got %s", bt.B.Status)
	}
	if bt.B.Tier != model.TierSecondary {
		t.Errorf("unknown sponsors should classify Secondary, got %s", bt.B.Tier)
	}
	if !bt.B.TotalPool.Equal(d(200)) {
		t.Errorf("total pool should hold both collaterals, got %s", bt.B.TotalPool)
	}
	if len(events) != 2 || events[0].Type != model.EventBattleCreated || events[1].Type != model.EventBattleActivated {
		t.Errorf("expected created+activated events, got %v", events)
	}
}

func TestCreateFunded_SystemSponsorsArePrimary(t *testing.T) {
	eng := newTestEngine(t)
	bt, _, err := eng.CreateFunded("0xsyslong", "0xSysShort", d(100), d(3000), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Wallet matching is case-insensitive; tier is fixed at creation.
	if bt.B.Tier != model.TierPrimary {
		t.Errorf("system sponsors should classify Primary, got %s", bt.B.Tier)
	}
}

func TestCreateFunded_SelfMatch(t *testing.T) {
	eng := newTestEngine(t)
	if _, _, err := eng.CreateFunded("0xsame", "0xSAME", d(100), d(3000), t0); err != ErrSelfMatch {
		t.Errorf("expected ErrSelfMatch, got %v", err)
	}
}

func TestCreateLobby_PendingUntilJoined(t *testing.T) {
	eng := newTestEngine(t)
	bt, _, err := eng.CreateLobby("0xalice", model.SideLong, d(100), d(3000), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bt.B.Status != model.StatusPending {
		t.Errorf("lobby should be Pending, got %s", bt.B.Status)
	}

	events, err := eng.Join(bt, "0xbob", d(100), d(3000), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if bt.B.Status != model.StatusActive {
		t.Errorf("joined battle should be Active, got %s", bt.B.Status)
	}
	if bt.B.PositionB.Side != model.SideShort {
		t.Errorf("joiner should take the opposite side, got %s", bt.B.PositionB.Side)
	}
	// The creator's proof clock restarts at activation.
	if !bt.B.PositionA.LastProofTime.Equal(t0.Add(time.Minute)) {
		t.Error("creator's proof clock should reset when the battle activates")
	}
	if len(events) != 1 || events[0].Type != model.EventBattleActivated {
		t.Errorf("expected activated event, got %v", events)
	}
}

func TestJoin_SelfMatchAndDoubleJoin(t *testing.T) {
	eng := newTestEngine(t)
	bt, _, _ := eng.CreateLobby("0xalice", model.SideLong, d(100), d(3000), t0)

	if _, err := eng.Join(bt, "0xALICE", d(100), d(3000), t0); err != ErrSelfMatch {
		t.Errorf("expected ErrSelfMatch, got %v", err)
	}
	if _, err := eng.Join(bt, "0xbob", d(100), d(3000), t0); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := eng.Join(bt, "0xcarol", d(100), d(3000), t0); err != ErrAlreadyFunded {
		t.Errorf("expected ErrAlreadyFunded, got %v", err)
	}
}

func TestCreateLobby_Validation(t *testing.T) {
	eng := newTestEngine(t)
	if _, _, err := eng.CreateLobby("0xalice", "SIDEWAYS", d(100), d(3000), t0); err != ErrInvalidSide {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
	if _, _, err := eng.CreateLobby("0xalice", model.SideLong, d(0), d(3000), t0); err != ErrInvalidStake {
		t.Errorf("expected ErrInvalidStake, got %v", err)
	}
}

// --- Betting ---

func TestPlaceBet_AccumulatesPools(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, _, err := eng.PlaceBet(bt, "0xb1", model.SideLong, d(60), t0.Add(time.Minute)); err != nil {
		t.Fatalf("bet failed: %v", err)
	}
	if _, _, err := eng.PlaceBet(bt, "0xb2", model.SideShort, d(40), t0.Add(time.Minute)); err != nil {
		t.Fatalf("bet failed: %v", err)
	}

	if !bt.B.LongPool.Equal(d(60)) || !bt.B.ShortPool.Equal(d(40)) {
		t.Errorf("expected pools 60/40, got %s/%s", bt.B.LongPool, bt.B.ShortPool)
	}
	if !bt.B.TotalPool.Equal(d(300)) { // 200 collateral + 100 bets
		t.Errorf("expected total pool 300, got %s", bt.B.TotalPool)
	}
}

func TestPlaceBet_ClosedAtEndTime(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, _, err := eng.PlaceBet(bt, "0xb1", model.SideLong, d(10), bt.B.EndTime); err != pool.ErrBettingClosed {
		t.Errorf("expected ErrBettingClosed at endTime, got %v", err)
	}
}

func TestPlaceBet_ClosedAfterSettlement(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, err := eng.Settle(bt, d(3030), bt.B.EndTime); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if _, _, err := eng.PlaceBet(bt, "0xb1", model.SideLong, d(10), bt.B.EndTime.Add(-time.Minute)); err != pool.ErrBettingClosed {
		t.Errorf("expected ErrBettingClosed on settled battle, got %v", err)
	}
}

// --- Proof submission ---

func TestSubmitProof_AcceptedAdvancesClock(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	at := t0.Add(30 * time.Second)
	events, err := eng.SubmitProof(bt, model.SideLong, d(2990), "0xproof", at)
	if err != nil {
		t.Fatalf("proof rejected: %v", err)
	}
	if !bt.B.PositionA.LastProofTime.Equal(at) {
		t.Error("accepted proof should advance LastProofTime")
	}
	if len(events) != 1 || events[0].Type != model.EventProofSubmitted {
		t.Errorf("expected proof_submitted event, got %v", events)
	}
}

func TestSubmitProof_TimingRejections(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, err := eng.SubmitProof(bt, model.SideLong, d(3000), "0xproof", t0.Add(10*time.Second)); err != cadence.ErrProofTooEarly {
		t.Errorf("expected ErrProofTooEarly, got %v", err)
	}
	if _, err := eng.SubmitProof(bt, model.SideLong, d(3000), "0xproof", t0.Add(45*time.Second)); err != cadence.ErrProofTimeout {
		t.Errorf("expected ErrProofTimeout, got %v", err)
	}
}

func TestSubmitProof_InvalidInputs(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	at := t0.Add(30 * time.Second)

	if _, err := eng.SubmitProof(bt, model.SideLong, d(3000), "", at); err != ErrInvalidProof {
		t.Errorf("expected ErrInvalidProof for empty hash, got %v", err)
	}
	if _, err := eng.SubmitProof(bt, model.SideLong, d(0), "0xproof", at); err != ErrInvalidProof {
		t.Errorf("expected ErrInvalidProof for zero price, got %v", err)
	}
}

func TestSubmitProof_InsolventLiquidatesAndSettles(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	eng.PlaceBet(bt, "0xb1", model.SideLong, d(60), t0.Add(time.Second))
	eng.PlaceBet(bt, "0xb2", model.SideShort, d(40), t0.Add(time.Second))

	// A truthful proof at -9.5% liquidates the long on the spot and the
	// battle settles immediately with the short as winner.
	events, err := eng.SubmitProof(bt, model.SideLong, d(2715), "0xproof", t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bt.B.PositionA.Alive {
		t.Error("insolvent position should be liquidated")
	}
	if bt.B.PositionA.Reason != model.LiquidationInsolvent {
		t.Errorf("expected insolvent reason, got %s", bt.B.PositionA.Reason)
	}
	if bt.B.Status != model.StatusSettled || bt.B.Winner != model.WinnerShort {
		t.Errorf("expected settled with short winner, got %s/%s", bt.B.Status, bt.B.Winner)
	}
	if bt.B.SettlementRef == "" {
		t.Error("settlement should record a reference")
	}

	var sawLiquidation, sawEnded bool
	for _, ev := range events {
		switch ev.Type {
		case model.EventAgentLiquidated:
			sawLiquidation = true
		case model.EventBattleEnded:
			sawEnded = true
		}
	}
	if !sawLiquidation || !sawEnded {
		t.Errorf("expected liquidation and ended events, got %v", events)
	}

	// Winning short bettor gets stake * 100/40.
	for _, bet := range bt.Bets {
		if bet.Bettor == "0xb2" {
			if !bet.Won || !bet.Payout.Equal(d(40).Mul(d(100).Div(d(40)))) {
				t.Errorf("short bettor should win 100, got won=%v payout=%s", bet.Won, bet.Payout)
			}
		}
	}
}

func TestSubmitProof_HonoredAfterEndTimeWhileActive(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	end := bt.B.EndTime

	// Nothing settled the battle at endTime; the long's cadence window
	// opens just after it.
	bt.B.PositionA.LastProofTime = end.Add(-10 * time.Second)

	events, err := eng.SubmitProof(bt, model.SideLong, d(2990), "0xproof", end.Add(25*time.Second))
	if err != nil {
		t.Fatalf("in-window proof after endTime rejected: %v", err)
	}
	if len(events) != 1 || events[0].Type != model.EventProofSubmitted {
		t.Errorf("expected proof_submitted event, got %v", events)
	}
	if bt.B.Status != model.StatusActive {
		t.Errorf("solvent proof should leave the battle active, got %s", bt.B.Status)
	}
}

func TestSubmitProof_InsolventAfterEndTimeSettlesByLiquidation(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	end := bt.B.EndTime
	bt.B.PositionA.LastProofTime = end.Add(-10 * time.Second)

	// The liquidation verdict takes precedence over a time-based health
	// comparison: the long dies at -9.5% even though the clock has run out.
	if _, err := eng.SubmitProof(bt, model.SideLong, d(2715), "0xproof", end.Add(25*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bt.B.Status != model.StatusSettled || bt.B.Winner != model.WinnerShort {
		t.Errorf("expected liquidation settlement with short winner, got %s/%s", bt.B.Status, bt.B.Winner)
	}
	if bt.B.PositionA.Reason != model.LiquidationInsolvent {
		t.Errorf("expected insolvent reason, got %s", bt.B.PositionA.Reason)
	}
}

func TestSubmitProof_NeverAcceptedForDeadPosition(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	bt.B.PositionA.Alive = false
	bt.B.Status = model.StatusActive // keep the battle itself open

	if _, err := eng.SubmitProof(bt, model.SideLong, d(3000), "0xproof", t0.Add(30*time.Second)); err != cadence.ErrPositionDead {
		t.Errorf("expected ErrPositionDead, got %v", err)
	}
}

// --- Settlement ---

func TestSettle_BeforeEndTimeRejected(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, err := eng.Settle(bt, d(3030), t0.Add(time.Minute)); err != ErrBattleNotEnded {
		t.Errorf("expected ErrBattleNotEnded, got %v", err)
	}
}

func TestSettle_EqualHealthIsDraw(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	eng.PlaceBet(bt, "0xb1", model.SideLong, d(60), t0.Add(time.Second))
	eng.PlaceBet(bt, "0xb2", model.SideShort, d(40), t0.Add(time.Second))

	// Final price back at entry: both health ratios are exactly equal.
	if _, err := eng.Settle(bt, d(3000), bt.B.EndTime); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if bt.B.Winner != model.WinnerDraw {
		t.Errorf("equal health should be a draw, got %s", bt.B.Winner)
	}
	// Draw refunds every bet exactly.
	for _, bet := range bt.Bets {
		if bet.Won || !bet.Payout.Equal(bet.Amount) {
			t.Errorf("draw should refund bet %s, got won=%v payout=%s", bet.ID, bet.Won, bet.Payout)
		}
	}
}

func TestSettle_Twice(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, err := eng.Settle(bt, d(3030), bt.B.EndTime); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	winner := bt.B.Winner
	ref := bt.B.SettlementRef

	if _, err := eng.Settle(bt, d(2000), bt.B.EndTime.Add(time.Hour)); err != ErrBattleSettled {
		t.Errorf("expected ErrBattleSettled, got %v", err)
	}
	// The recorded winner is immutable.
	if bt.B.Winner != winner || bt.B.SettlementRef != ref {
		t.Error("settled outcome must not change on a second attempt")
	}
}

func TestSettle_PayoutsNeverExceedPool(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	eng.PlaceBet(bt, "0xb1", model.SideLong, d(60), t0.Add(time.Second))
	eng.PlaceBet(bt, "0xb2", model.SideShort, d(40), t0.Add(time.Second))
	totalPool := bt.B.TotalPool

	if _, err := eng.Settle(bt, d(3030), bt.B.EndTime); err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	paid := decimal.Zero
	for _, bet := range bt.Bets {
		paid = paid.Add(bet.Payout)
	}
	if paid.GreaterThan(totalPool) {
		t.Errorf("bet payouts %s exceed total pool %s", paid, totalPool)
	}
}

// --- Clock checks ---

func TestCheck_EscalationMonotonicAndCapped(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	// Keep proofs current so forfeiture does not fire.
	bt.B.PositionA.LastProofTime = t0.Add(10 * time.Minute)
	bt.B.PositionB.LastProofTime = t0.Add(10 * time.Minute)

	prev := 0
	for _, offset := range []time.Duration{
		90 * time.Second, 2 * time.Minute, 5 * time.Minute, time.Hour,
	} {
		if _, err := eng.Check(bt, t0.Add(offset)); err != nil {
			t.Fatalf("check failed at +%s: %v", offset, err)
		}
		if bt.B.EscalationLevel < prev {
			t.Errorf("escalation level decreased: %d -> %d", prev, bt.B.EscalationLevel)
		}
		prev = bt.B.EscalationLevel
	}
	if max := len(DefaultConfig().LeverageSchedule) - 1; bt.B.EscalationLevel != max {
		t.Errorf("level should cap at %d, got %d", max, bt.B.EscalationLevel)
	}
}

func TestCheck_EscalationRaisesLeverage(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	bt.B.PositionA.LastProofTime = t0.Add(10 * time.Minute)
	bt.B.PositionB.LastProofTime = t0.Add(10 * time.Minute)

	events, err := eng.Check(bt, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.EscalationLevel != 2 {
		t.Fatalf("expected level 2 after 2 intervals, got %d", bt.B.EscalationLevel)
	}
	if !bt.B.PositionA.Leverage.Equal(d(25)) {
		t.Errorf("expected leverage 25 at level 2, got %s", bt.B.PositionA.Leverage)
	}
	// Catch-up emits one event per level crossed.
	var escalations int
	for _, ev := range events {
		if ev.Type == model.EventBattleEscalated {
			escalations++
		}
	}
	if escalations != 2 {
		t.Errorf("expected 2 escalation events, got %d", escalations)
	}
}

func TestCheck_EscalationStartsAtActivation(t *testing.T) {
	eng := newTestEngine(t)
	bt, _, _ := eng.CreateLobby("0xalice", model.SideLong, d(100), d(3000), t0)

	// The lobby waits four minutes before an opponent shows up.
	joined := t0.Add(4 * time.Minute)
	if _, err := eng.Join(bt, "0xbob", d(100), d(3000), joined); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// Keep proofs current so forfeiture does not fire.
	bt.B.PositionA.LastProofTime = joined.Add(10 * time.Minute)
	bt.B.PositionB.LastProofTime = joined.Add(10 * time.Minute)

	if _, err := eng.Check(bt, joined.Add(time.Second)); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.EscalationLevel != 0 {
		t.Fatalf("time spent waiting for an opponent must not escalate, got level %d", bt.B.EscalationLevel)
	}
	if !bt.B.PositionA.Leverage.Equal(d(10)) {
		t.Errorf("expected base leverage 10, got %s", bt.B.PositionA.Leverage)
	}

	// One full interval after activation: exactly one level.
	if _, err := eng.Check(bt, joined.Add(61*time.Second)); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.EscalationLevel != 1 {
		t.Errorf("expected level 1 one interval after activation, got %d", bt.B.EscalationLevel)
	}
}

func TestCheck_MissedProofForfeits(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	eng.PlaceBet(bt, "0xb1", model.SideLong, d(60), t0.Add(time.Second))

	// Short keeps proving; long goes silent past interval+grace.
	bt.B.PositionB.LastProofTime = t0.Add(50 * time.Second)

	events, err := eng.Check(bt, t0.Add(46*time.Second))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.PositionA.Alive {
		t.Fatal("silent position should be forfeited")
	}
	if bt.B.PositionA.Reason != model.LiquidationMissedProof {
		t.Errorf("expected missed_proof reason, got %s", bt.B.PositionA.Reason)
	}
	if bt.B.Status != model.StatusSettled || bt.B.Winner != model.WinnerShort {
		t.Errorf("forfeiture should settle with short winner, got %s/%s", bt.B.Status, bt.B.Winner)
	}

	var sawForfeit bool
	for _, ev := range events {
		if ev.Type == model.EventAgentLiquidated && ev.Fields["reason"] == model.LiquidationMissedProof {
			sawForfeit = true
		}
	}
	if !sawForfeit {
		t.Errorf("expected a missed_proof liquidation event, got %v", events)
	}
}

func TestCheck_BothMissedIsDraw(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)

	if _, err := eng.Check(bt, t0.Add(time.Minute)); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.Winner != model.WinnerDraw {
		t.Errorf("both sides missing in the same check should draw, got %s", bt.B.Winner)
	}
}

func TestCheck_TerminalIsNoOp(t *testing.T) {
	eng := newTestEngine(t)
	bt := newActiveBattle(t, eng)
	if _, err := eng.Settle(bt, d(3030), bt.B.EndTime); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	winner := bt.B.Winner

	events, err := eng.Check(bt, bt.B.EndTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("terminal check errored: %v", err)
	}
	if events != nil {
		t.Errorf("terminal check should emit nothing, got %v", events)
	}
	if bt.B.Winner != winner {
		t.Error("terminal check mutated the battle")
	}
}

func TestCheck_LobbyCancelsAfterDeadline(t *testing.T) {
	eng := newTestEngine(t)
	bt, _, _ := eng.CreateLobby("0xalice", model.SideLong, d(100), d(3000), t0)
	eng.PlaceBet(bt, "0xb1", model.SideLong, d(10), t0.Add(time.Second))

	// Before the deadline: nothing happens.
	if events, _ := eng.Check(bt, t0.Add(4*time.Minute)); events != nil {
		t.Errorf("lobby should survive before the deadline, got %v", events)
	}

	events, err := eng.Check(bt, t0.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if bt.B.Status != model.StatusCancelled {
		t.Errorf("expired lobby should cancel, got %s", bt.B.Status)
	}
	if len(events) != 1 || events[0].Type != model.EventBattleCancelled {
		t.Errorf("expected cancelled event, got %v", events)
	}
	// Bets are refunded in full.
	for _, bet := range bt.Bets {
		if !bet.Settled || !bet.Payout.Equal(bet.Amount) {
			t.Errorf("cancelled lobby should refund bet %s", bet.ID)
		}
	}
}
