package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) SaveBattle(ctx context.Context, p *model.BattleProjection) error {
	if err := s.primary.SaveBattle(ctx, p); err != nil {
		return err
	}
	s.cacheBattle(ctx, p)
	return nil
}

func (s *CachedStore) SaveBet(ctx context.Context, b *model.Bet) error {
	if err := s.primary.SaveBet(ctx, b); err != nil {
		return err
	}
	// Invalidate the bet list; next read will re-populate.
	s.rdb.Del(ctx, betsKey(b.BattleID))
	return nil
}

func (s *CachedStore) SettleBets(ctx context.Context, battleID string, winner model.Winner, payoutRatio decimal.Decimal, settlementRef string) ([]model.Bet, error) {
	bets, err := s.primary.SettleBets(ctx, battleID, winner, payoutRatio, settlementRef)
	if err != nil {
		return nil, err
	}
	// The battle projection changed underneath us too.
	s.rdb.Del(ctx, battleKey(battleID), betsKey(battleID))
	return bets, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBattle(ctx context.Context, id string) (*model.BattleProjection, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, battleKey(id)).Bytes()
	if err == nil {
		var p model.BattleProjection
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetBattle(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheBattle(ctx, p)
	return p, nil
}

func (s *CachedStore) GetBetsByBattle(ctx context.Context, battleID string) ([]model.Bet, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, betsKey(battleID)).Bytes()
	if err == nil {
		var bets []model.Bet
		if json.Unmarshal(data, &bets) == nil {
			return bets, nil
		}
	}

	// Cache miss.
	bets, err := s.primary.GetBetsByBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bets); err == nil {
		s.rdb.Set(ctx, betsKey(battleID), data, s.ttl)
	}
	return bets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBattles(ctx context.Context) ([]model.BattleProjection, error) {
	return s.primary.ListBattles(ctx)
}

func (s *CachedStore) ListTerminal(ctx context.Context) ([]model.BattleProjection, error) {
	return s.primary.ListTerminal(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheBattle(ctx context.Context, p *model.BattleProjection) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, battleKey(p.ID), data, s.ttl)
	}
}

func battleKey(id string) string { return fmt.Sprintf("battle:%s", id) }
func betsKey(id string) string   { return fmt.Sprintf("bets:%s", id) }
