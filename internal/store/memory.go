package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	battles map[string]*model.BattleProjection
	bets    map[string][]model.Bet // battleID -> bets
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		battles: make(map[string]*model.BattleProjection),
		bets:    make(map[string][]model.Bet),
	}
}

func (s *MemoryStore) SaveBattle(_ context.Context, p *model.BattleProjection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.battles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBattle(_ context.Context, id string) (*model.BattleProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.battles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListBattles(_ context.Context) ([]model.BattleProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	battles := make([]model.BattleProjection, 0, len(s.battles))
	for _, p := range s.battles {
		battles = append(battles, *p)
	}
	return battles, nil
}

func (s *MemoryStore) ListTerminal(_ context.Context) ([]model.BattleProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var battles []model.BattleProjection
	for _, p := range s.battles {
		if p.Status.Terminal() {
			battles = append(battles, *p)
		}
	}
	return battles, nil
}

func (s *MemoryStore) SaveBet(_ context.Context, bet *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bets := s.bets[bet.BattleID]
	for i := range bets {
		if bets[i].ID == bet.ID {
			bets[i] = *bet
			return nil
		}
	}
	s.bets[bet.BattleID] = append(bets, *bet)
	return nil
}

func (s *MemoryStore) GetBetsByBattle(_ context.Context, battleID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bets := make([]model.Bet, len(s.bets[battleID]))
	copy(bets, s.bets[battleID])
	return bets, nil
}

func (s *MemoryStore) SettleBets(_ context.Context, battleID string, winner model.Winner, payoutRatio decimal.Decimal, settlementRef string) ([]model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bets := s.bets[battleID]
	updated := make([]model.Bet, 0, len(bets))
	for i := range bets {
		bets[i] = settleBet(bets[i], winner, payoutRatio)
		updated = append(updated, bets[i])
	}

	if p, ok := s.battles[battleID]; ok {
		p.Winner = winner
		p.SettlementRef = settlementRef
	}
	return updated, nil
}
