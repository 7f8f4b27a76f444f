// Package engine implements the battle state machine: lifecycle transitions
// (Pending → Active → Settled | Cancelled), proof handling, leverage
// escalation, forfeiture, and settlement.
//
// The engine is written to be invoked one event at a time per battle — the
// authoritative ledger serializes mutations per battle — and takes every
// timestamp as an explicit argument, never reading the wall clock itself.
// Transitions return domain events; the engine never touches transport,
// storage, or logging.
package engine

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/cadence"
	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/settle"
	"github.com/duelarena/battle-engine/internal/solvency"
)

var (
	// ErrBattleNotActive is returned for proofs or settlement against a
	// battle that has not started.
	ErrBattleNotActive = errors.New("engine: battle is not active")

	// ErrBattleSettled is returned for any mutation of a terminal battle.
	// Callers can distinguish "already done" from "succeeded now".
	ErrBattleSettled = errors.New("engine: battle already settled or cancelled")

	// ErrBattleNotEnded is returned for time-based settlement before endTime
	// while both positions are alive.
	ErrBattleNotEnded = errors.New("engine: battle has not ended")

	// ErrInvalidProof is returned for a proof with an empty attestation hash
	// or non-positive claimed price.
	ErrInvalidProof = errors.New("engine: invalid proof")

	// ErrInvalidSide is returned for an unknown side.
	ErrInvalidSide = errors.New("engine: invalid side")

	// ErrInvalidStake is returned when a position is created with
	// non-positive collateral or entry price.
	ErrInvalidStake = errors.New("engine: collateral and entry price must be positive")

	// ErrSelfMatch is returned when a sponsor tries to take both sides of
	// the same battle.
	ErrSelfMatch = errors.New("engine: sponsor already holds the opposing position")

	// ErrAlreadyFunded is returned when joining a battle that is not
	// waiting for an opponent.
	ErrAlreadyFunded = errors.New("engine: battle is not waiting for an opponent")
)

// Config holds the battle timing and leverage parameters.
type Config struct {
	ProofInterval      time.Duration
	GraceWindow        time.Duration
	EscalationInterval time.Duration
	LeverageSchedule   []decimal.Decimal
	BattleDuration     time.Duration
	LobbyDeadline      time.Duration // Pending secondary battles cancel after this
	SystemSponsors     []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProofInterval:      30 * time.Second,
		GraceWindow:        15 * time.Second,
		EscalationInterval: 60 * time.Second,
		LeverageSchedule: []decimal.Decimal{
			decimal.NewFromInt(10),
			decimal.NewFromInt(15),
			decimal.NewFromInt(25),
			decimal.NewFromInt(50),
			decimal.NewFromInt(100),
		},
		BattleDuration: 10 * time.Minute,
		LobbyDeadline:  5 * time.Minute,
	}
}

// Validate checks the config is usable: positive intervals and a
// non-decreasing leverage schedule.
func (c Config) Validate() error {
	if c.ProofInterval <= 0 || c.GraceWindow <= 0 || c.EscalationInterval <= 0 ||
		c.BattleDuration <= 0 || c.LobbyDeadline <= 0 {
		return errors.New("engine: intervals must be positive")
	}
	if len(c.LeverageSchedule) == 0 {
		return errors.New("engine: leverage schedule must not be empty")
	}
	prev := decimal.Zero
	for _, lev := range c.LeverageSchedule {
		if lev.LessThanOrEqual(decimal.Zero) || lev.LessThan(prev) {
			return errors.New("engine: leverage schedule must be positive and non-decreasing")
		}
		prev = lev
	}
	return nil
}

// Battle is the engine's aggregate: the authoritative battle state plus its
// outstanding bets. The ledger owns exactly one per battle id.
type Battle struct {
	B    *model.Battle
	Bets []model.Bet
}

// Engine drives battle transitions. It holds configuration only; all battle
// state lives in the aggregates it is handed.
type Engine struct {
	cfg     Config
	tracker *cadence.Tracker
	eval    *solvency.Evaluator
	pool    *pool.Pool
}

// New creates an engine. The config, evaluator, and pool are shared across
// battles; they are read-only after construction.
func New(cfg Config, eval *solvency.Evaluator, pl *pool.Pool) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		tracker: cadence.NewTracker(cfg.ProofInterval, cfg.GraceWindow),
		eval:    eval,
		pool:    pl,
	}, nil
}

// Tracker exposes the proof cadence tracker (used by status endpoints).
func (e *Engine) Tracker() *cadence.Tracker { return e.tracker }

// classify derives the tier from sponsor identity. Primary iff every funded
// sponsor is a known system sponsor; never set directly by callers.
func (e *Engine) classify(sponsors ...string) model.Tier {
	if len(sponsors) == 0 {
		return model.TierSecondary
	}
	for _, s := range sponsors {
		known := false
		for _, sys := range e.cfg.SystemSponsors {
			if model.SameWallet(s, sys) {
				known = true
				break
			}
		}
		if !known {
			return model.TierSecondary
		}
	}
	return model.TierPrimary
}

func (e *Engine) newPosition(side model.Side, sponsor string, collateral, entryPrice decimal.Decimal, now time.Time) *model.Position {
	return &model.Position{
		Side:          side,
		Sponsor:       sponsor,
		Collateral:    collateral,
		Leverage:      e.cfg.LeverageSchedule[0],
		EntryPrice:    entryPrice,
		Alive:         true,
		LastProofTime: now,
	}
}

// CreateLobby opens a battle with one funded side, waiting for an opponent.
// endTime is fixed now; the clock starts when the opponent joins.
func (e *Engine) CreateLobby(sponsor string, side model.Side, collateral, entryPrice decimal.Decimal, now time.Time) (*Battle, []model.Event, error) {
	if !side.Valid() {
		return nil, nil, ErrInvalidSide
	}
	if collateral.LessThanOrEqual(decimal.Zero) || entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidStake
	}

	b := &model.Battle{
		ID:        uuid.New().String(),
		Tier:      e.classify(sponsor),
		PositionA: e.newPosition(side, sponsor, collateral, entryPrice, now),
		StartTime: now,
		EndTime:   now.Add(e.cfg.BattleDuration),
		Status:    model.StatusPending,
		TotalPool: collateral,
		CreatedAt: now,
	}

	ev := model.NewEvent(model.EventBattleCreated, b.ID, now)
	ev.Side = side
	ev.Fields["tier"] = string(b.Tier)
	ev.Fields["sponsor"] = sponsor

	return &Battle{B: b}, []model.Event{ev}, nil
}

// CreateFunded opens a battle with both sides funded atomically; it starts
// Active immediately. This is how the scheduler creates Primary battles.
func (e *Engine) CreateFunded(longSponsor, shortSponsor string, collateral, entryPrice decimal.Decimal, now time.Time) (*Battle, []model.Event, error) {
	if collateral.LessThanOrEqual(decimal.Zero) || entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, nil, ErrInvalidStake
	}
	if model.SameWallet(longSponsor, shortSponsor) {
		return nil, nil, ErrSelfMatch
	}

	b := &model.Battle{
		ID:          uuid.New().String(),
		Tier:        e.classify(longSponsor, shortSponsor),
		PositionA:   e.newPosition(model.SideLong, longSponsor, collateral, entryPrice, now),
		PositionB:   e.newPosition(model.SideShort, shortSponsor, collateral, entryPrice, now),
		StartTime:   now,
		ActivatedAt: now,
		EndTime:     now.Add(e.cfg.BattleDuration),
		Status:      model.StatusActive,
		TotalPool:   collateral.Add(collateral),
		CreatedAt:   now,
	}

	created := model.NewEvent(model.EventBattleCreated, b.ID, now)
	created.Fields["tier"] = string(b.Tier)
	activated := model.NewEvent(model.EventBattleActivated, b.ID, now)

	return &Battle{B: b}, []model.Event{created, activated}, nil
}

// Join funds the opposing side of a pending lobby and activates the battle.
// Both positions' proof clocks start at activation.
func (e *Engine) Join(bt *Battle, sponsor string, collateral, entryPrice decimal.Decimal, now time.Time) ([]model.Event, error) {
	if bt.B.Status.Terminal() {
		return nil, ErrBattleSettled
	}
	if bt.B.Status != model.StatusPending || bt.B.Funded() {
		return nil, ErrAlreadyFunded
	}
	if collateral.LessThanOrEqual(decimal.Zero) || entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidStake
	}
	if model.SameWallet(bt.B.PositionA.Sponsor, sponsor) {
		return nil, ErrSelfMatch
	}

	bt.B.PositionB = e.newPosition(bt.B.PositionA.Side.Opposite(), sponsor, collateral, entryPrice, now)
	bt.B.PositionA.LastProofTime = now
	bt.B.Status = model.StatusActive
	bt.B.ActivatedAt = now
	bt.B.TotalPool = bt.B.TotalPool.Add(collateral)

	ev := model.NewEvent(model.EventBattleActivated, bt.B.ID, now)
	ev.Side = bt.B.PositionB.Side
	ev.Fields["sponsor"] = sponsor
	return []model.Event{ev}, nil
}

// PlaceBet records a pari-mutuel wager. Bets are accepted while the battle
// is Pending or Active and before endTime; settlement closes betting.
func (e *Engine) PlaceBet(bt *Battle, bettor string, side model.Side, amount decimal.Decimal, now time.Time) (*model.Bet, []model.Event, error) {
	if bt.B.Status.Terminal() || !now.Before(bt.B.EndTime) {
		return nil, nil, pool.ErrBettingClosed
	}
	if !side.Valid() {
		return nil, nil, ErrInvalidSide
	}
	if err := e.pool.ValidateBet(bettor, side, amount, bt.Bets); err != nil {
		return nil, nil, err
	}

	bet := model.Bet{
		ID:       uuid.New().String(),
		BattleID: bt.B.ID,
		Bettor:   bettor,
		Side:     side,
		Amount:   amount,
		PlacedAt: now,
		Payout:   decimal.Zero,
	}
	bt.Bets = append(bt.Bets, bet)

	if side == model.SideLong {
		bt.B.LongPool = bt.B.LongPool.Add(amount)
	} else {
		bt.B.ShortPool = bt.B.ShortPool.Add(amount)
	}
	bt.B.TotalPool = bt.B.TotalPool.Add(amount)

	ev := model.NewEvent(model.EventBetPlaced, bt.B.ID, now)
	ev.Side = side
	ev.Fields["bettor"] = bettor
	ev.Fields["amount"] = amount.String()
	return &bet, []model.Event{ev}, nil
}

// SubmitProof processes a solvency proof for one side. An accepted proof
// advances the position's proof clock and runs the liquidation check against
// the claimed price; an insolvent result liquidates the position and settles
// the battle immediately. A proof that lands inside its cadence window is
// honored even if endTime has passed, as long as the battle is still
// recorded Active.
func (e *Engine) SubmitProof(bt *Battle, side model.Side, claimedPrice decimal.Decimal, proofHash string, now time.Time) ([]model.Event, error) {
	if bt.B.Status.Terminal() {
		return nil, ErrBattleSettled
	}
	if bt.B.Status != model.StatusActive {
		return nil, ErrBattleNotActive
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if proofHash == "" || claimedPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidProof
	}

	pos := bt.B.PositionBySide(side)
	if err := e.tracker.Validate(pos, now); err != nil {
		return nil, err
	}

	solvent, err := e.eval.IsSolvent(pos, claimedPrice)
	if err != nil {
		return nil, err
	}

	pos.LastProofTime = now

	ev := model.NewEvent(model.EventProofSubmitted, bt.B.ID, now)
	ev.Side = side
	ev.Fields["claimed_price"] = claimedPrice.String()
	ev.Fields["proof_hash"] = proofHash
	events := []model.Event{ev}

	if solvent {
		return events, nil
	}

	kill(pos, model.LiquidationInsolvent, now)
	liq := model.NewEvent(model.EventAgentLiquidated, bt.B.ID, now)
	liq.Side = side
	liq.Fields["reason"] = model.LiquidationInsolvent
	liq.Fields["price"] = claimedPrice.String()
	events = append(events, liq)

	settled, err := e.settle(bt, claimedPrice, now)
	if err != nil {
		return nil, err
	}
	return append(events, settled...), nil
}

// Settle ends a battle at the final reference price. Before endTime it is
// rejected with ErrBattleNotEnded while both positions are alive; a battle
// with a dead position settles immediately regardless of the clock.
func (e *Engine) Settle(bt *Battle, finalPrice decimal.Decimal, now time.Time) ([]model.Event, error) {
	if bt.B.Status.Terminal() {
		return nil, ErrBattleSettled
	}
	if bt.B.Status != model.StatusActive {
		return nil, ErrBattleNotActive
	}
	if finalPrice.LessThanOrEqual(decimal.Zero) {
		return nil, solvency.ErrInvalidPrice
	}
	bothAlive := bt.B.PositionA.Alive && bt.B.PositionB.Alive
	if bothAlive && now.Before(bt.B.EndTime) {
		return nil, ErrBattleNotEnded
	}
	return e.settle(bt, finalPrice, now)
}

// settle resolves the battle and applies the outcome in one step.
func (e *Engine) settle(bt *Battle, finalPrice decimal.Decimal, now time.Time) ([]model.Event, error) {
	out, err := settle.Resolve(bt.B, bt.Bets, finalPrice, e.eval, e.pool, uuid.New().String(), now)
	if err != nil {
		return nil, err
	}

	for _, side := range out.LiquidatedSides {
		kill(bt.B.PositionBySide(side), model.LiquidationInsolvent, now)
	}
	bt.B.Status = model.StatusSettled
	bt.B.Winner = out.Winner
	bt.B.SettlementRef = out.SettlementRef
	settledAt := now
	bt.B.SettledAt = &settledAt
	bt.Bets = out.Bets

	return out.Events, nil
}

// Check is the clock tick: lobby cancellation, leverage escalation, and
// missed-proof forfeiture. It is re-entrant — calling it any number of
// times, at any cadence, against a terminal battle does nothing and returns
// no error.
func (e *Engine) Check(bt *Battle, now time.Time) ([]model.Event, error) {
	switch bt.B.Status {
	case model.StatusSettled, model.StatusCancelled:
		return nil, nil
	case model.StatusPending:
		return e.checkLobby(bt, now), nil
	}

	events := e.escalate(bt, now)

	// Forfeiture: a position that let its proof window elapse entirely is
	// liquidated. The rule is identical for both sides; both missing in the
	// same check is a Draw.
	var forfeited bool
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		pos := bt.B.PositionBySide(side)
		if e.tracker.Missed(pos, now) {
			kill(pos, model.LiquidationMissedProof, now)
			ev := model.NewEvent(model.EventAgentLiquidated, bt.B.ID, now)
			ev.Side = side
			ev.Fields["reason"] = model.LiquidationMissedProof
			events = append(events, ev)
			forfeited = true
		}
	}

	if forfeited {
		// At least one position is dead, so the resolver never consults the
		// price here.
		settled, err := e.settle(bt, decimal.Zero, now)
		if err != nil {
			return nil, err
		}
		events = append(events, settled...)
	}

	return events, nil
}

// checkLobby cancels a secondary lobby that never found an opponent.
// Cancellation refunds the sole funded side and every bet.
func (e *Engine) checkLobby(bt *Battle, now time.Time) []model.Event {
	if now.Before(bt.B.CreatedAt.Add(e.cfg.LobbyDeadline)) {
		return nil
	}

	bt.B.Status = model.StatusCancelled
	for i := range bt.Bets {
		bt.Bets[i].Settled = true
		bt.Bets[i].Won = false
		bt.Bets[i].Payout = bt.Bets[i].Amount
	}

	ev := model.NewEvent(model.EventBattleCancelled, bt.B.ID, now)
	ev.Fields["refund_sponsor"] = bt.B.PositionA.Sponsor
	ev.Fields["refund_collateral"] = bt.B.PositionA.Collateral.String()
	return []model.Event{ev}
}

// escalate catches the escalation level up to the clock, raising both alive
// positions' leverage to the schedule value at each new level. Leverage
// never decreases and the level never exceeds the schedule's last index.
// Time spent as a pending lobby does not count: the interval clock starts
// at activation.
func (e *Engine) escalate(bt *Battle, now time.Time) []model.Event {
	target := int(now.Sub(bt.B.ActivatedAt) / e.cfg.EscalationInterval)
	if max := len(e.cfg.LeverageSchedule) - 1; target > max {
		target = max
	}

	var events []model.Event
	for bt.B.EscalationLevel < target {
		bt.B.EscalationLevel++
		lev := e.cfg.LeverageSchedule[bt.B.EscalationLevel]
		for _, pos := range []*model.Position{bt.B.PositionA, bt.B.PositionB} {
			if pos != nil && pos.Alive {
				pos.Leverage = lev
			}
		}
		ev := model.NewEvent(model.EventBattleEscalated, bt.B.ID, now)
		ev.Fields["level"] = strconv.Itoa(bt.B.EscalationLevel)
		ev.Fields["leverage"] = lev.String()
		events = append(events, ev)
	}
	return events
}

// kill flips a position dead exactly once.
func kill(pos *model.Position, reason string, now time.Time) {
	if pos == nil || !pos.Alive {
		return
	}
	pos.Alive = false
	pos.Reason = reason
	liquidatedAt := now
	pos.LiquidatedAt = &liquidatedAt
}
