package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/engine"
	"github.com/duelarena/battle-engine/internal/model"
)

// Memory is the in-process authoritative ledger. Each battle gets its own
// mutex, so mutations on one battle are totally ordered while independent
// battles proceed in parallel. The clock is injectable for tests.
type Memory struct {
	eng *engine.Engine
	now func() time.Time

	mu      sync.RWMutex
	battles map[string]*slot
}

// slot serializes one battle's mutations.
type slot struct {
	mu sync.Mutex
	bt *engine.Battle
}

// NewMemory creates an in-memory ledger around the given engine.
func NewMemory(eng *engine.Engine) *Memory {
	return &Memory{
		eng:     eng,
		now:     time.Now,
		battles: make(map[string]*slot),
	}
}

// SetClock overrides the ledger clock. Tests only.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) get(id string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.battles[id]
	if !ok {
		return nil, ErrBattleNotFound
	}
	return s, nil
}

func (m *Memory) put(bt *engine.Battle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[bt.B.ID] = &slot{bt: bt}
}

func (m *Memory) GetBattle(_ context.Context, id string) (*model.Battle, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotBattle(s.bt.B), nil
}

func (m *Memory) ListBattles(_ context.Context) ([]model.Battle, error) {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.battles))
	for _, s := range m.battles {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	battles := make([]model.Battle, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		battles = append(battles, *snapshotBattle(s.bt.B))
		s.mu.Unlock()
	}
	return battles, nil
}

func (m *Memory) GetBets(_ context.Context, battleID string) ([]model.Bet, error) {
	s, err := m.get(battleID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bets := make([]model.Bet, len(s.bt.Bets))
	copy(bets, s.bt.Bets)
	return bets, nil
}

func (m *Memory) CreateLobby(_ context.Context, sponsor string, side model.Side, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error) {
	bt, events, err := m.eng.CreateLobby(sponsor, side, collateral, entryPrice, m.now())
	if err != nil {
		return nil, nil, err
	}
	m.put(bt)
	return snapshotBattle(bt.B), events, nil
}

func (m *Memory) CreateFunded(_ context.Context, longSponsor, shortSponsor string, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error) {
	bt, events, err := m.eng.CreateFunded(longSponsor, shortSponsor, collateral, entryPrice, m.now())
	if err != nil {
		return nil, nil, err
	}
	m.put(bt)
	return snapshotBattle(bt.B), events, nil
}

// mutate runs fn under the battle's mutex and returns a post-state snapshot.
func (m *Memory) mutate(id string, fn func(*engine.Battle) ([]model.Event, error)) (*model.Battle, []model.Event, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events, err := fn(s.bt)
	if err != nil {
		return nil, nil, err
	}
	return snapshotBattle(s.bt.B), events, nil
}

func (m *Memory) Join(_ context.Context, battleID, sponsor string, collateral, entryPrice decimal.Decimal) (*model.Battle, []model.Event, error) {
	return m.mutate(battleID, func(bt *engine.Battle) ([]model.Event, error) {
		return m.eng.Join(bt, sponsor, collateral, entryPrice, m.now())
	})
}

func (m *Memory) SubmitProof(_ context.Context, battleID string, side model.Side, claimedPrice decimal.Decimal, proofHash string) (*model.Battle, []model.Event, error) {
	return m.mutate(battleID, func(bt *engine.Battle) ([]model.Event, error) {
		return m.eng.SubmitProof(bt, side, claimedPrice, proofHash, m.now())
	})
}

func (m *Memory) PlaceBet(_ context.Context, battleID, bettor string, side model.Side, amount decimal.Decimal) (*model.Bet, *model.Battle, []model.Event, error) {
	var bet *model.Bet
	b, events, err := m.mutate(battleID, func(bt *engine.Battle) ([]model.Event, error) {
		placed, evs, err := m.eng.PlaceBet(bt, bettor, side, amount, m.now())
		bet = placed
		return evs, err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return bet, b, events, nil
}

func (m *Memory) Settle(_ context.Context, battleID string, finalPrice decimal.Decimal) (*model.Battle, []model.Event, error) {
	return m.mutate(battleID, func(bt *engine.Battle) ([]model.Event, error) {
		return m.eng.Settle(bt, finalPrice, m.now())
	})
}

func (m *Memory) Check(_ context.Context, battleID string) (*model.Battle, []model.Event, error) {
	return m.mutate(battleID, func(bt *engine.Battle) ([]model.Event, error) {
		return m.eng.Check(bt, m.now())
	})
}

// snapshotBattle deep-copies a battle so callers never alias ledger state.
func snapshotBattle(b *model.Battle) *model.Battle {
	out := *b
	if b.PositionA != nil {
		pa := *b.PositionA
		out.PositionA = &pa
	}
	if b.PositionB != nil {
		pb := *b.PositionB
		out.PositionB = &pb
	}
	if b.SettledAt != nil {
		t := *b.SettledAt
		out.SettledAt = &t
	}
	if b.PositionA != nil && b.PositionA.LiquidatedAt != nil {
		t := *b.PositionA.LiquidatedAt
		out.PositionA.LiquidatedAt = &t
	}
	if b.PositionB != nil && b.PositionB.LiquidatedAt != nil {
		t := *b.PositionB.LiquidatedAt
		out.PositionB.LiquidatedAt = &t
	}
	return &out
}
