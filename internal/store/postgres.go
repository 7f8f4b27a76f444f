package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL. All monetary values are
// stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveBattle(ctx context.Context, p *model.BattleProjection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO battles (id, tier, status, long_wallet, short_wallet, long_alive, short_alive,
		                      winner, long_pool, short_pool, total_pool, escalation_level, settlement_ref, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   tier = EXCLUDED.tier, status = EXCLUDED.status,
		   long_wallet = EXCLUDED.long_wallet, short_wallet = EXCLUDED.short_wallet,
		   long_alive = EXCLUDED.long_alive, short_alive = EXCLUDED.short_alive,
		   winner = EXCLUDED.winner,
		   long_pool = EXCLUDED.long_pool, short_pool = EXCLUDED.short_pool,
		   total_pool = EXCLUDED.total_pool,
		   escalation_level = EXCLUDED.escalation_level,
		   settlement_ref = EXCLUDED.settlement_ref,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.Tier, p.Status, p.LongWallet, p.ShortWallet, p.LongAlive, p.ShortAlive,
		p.Winner, p.LongPool.String(), p.ShortPool.String(), p.TotalPool.String(),
		p.EscalationLevel, p.SettlementRef, p.UpdatedAt,
	)
	return err
}

const battleColumns = `id, tier, status, long_wallet, short_wallet, long_alive, short_alive,
       winner, long_pool::TEXT, short_pool::TEXT, total_pool::TEXT,
       escalation_level, settlement_ref, updated_at`

func (s *PostgresStore) GetBattle(ctx context.Context, id string) (*model.BattleProjection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+battleColumns+` FROM battles WHERE id = $1`, id)

	p, err := scanBattle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get battle %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListBattles(ctx context.Context) ([]model.BattleProjection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+battleColumns+` FROM battles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBattles(rows)
}

func (s *PostgresStore) ListTerminal(ctx context.Context) ([]model.BattleProjection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+battleColumns+` FROM battles
		 WHERE status IN ($1, $2) ORDER BY updated_at DESC`,
		model.StatusSettled, model.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBattles(rows)
}

func (s *PostgresStore) SaveBet(ctx context.Context, b *model.Bet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, battle_id, bettor, side, amount, placed_at, settled, won, payout)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		   settled = EXCLUDED.settled, won = EXCLUDED.won, payout = EXCLUDED.payout`,
		b.ID, b.BattleID, b.Bettor, b.Side, b.Amount.String(), b.PlacedAt,
		b.Settled, b.Won, b.Payout.String(),
	)
	return err
}

func (s *PostgresStore) GetBetsByBattle(ctx context.Context, battleID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, battle_id, bettor, side, amount::TEXT, placed_at, settled, won, payout::TEXT
		 FROM bets WHERE battle_id = $1 ORDER BY placed_at`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

// SettleBets settles every bet of a battle in a single UPDATE, so the whole
// battle's bets flip together or not at all, then records the winner and
// settlement reference on the projection in the same transaction.
func (s *PostgresStore) SettleBets(ctx context.Context, battleID string, winner model.Winner, payoutRatio decimal.Decimal, settlementRef string) ([]model.Bet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE bets SET
		   settled = TRUE,
		   won = CASE WHEN $2 = 'DRAW' THEN FALSE ELSE side = $2 END,
		   payout = CASE
		     WHEN $2 = 'DRAW' THEN amount
		     WHEN side = $2 THEN TRUNC(amount * $3::NUMERIC, 8)
		     ELSE 0
		   END
		 WHERE battle_id = $1
		 RETURNING id, battle_id, bettor, side, amount::TEXT, placed_at, settled, won, payout::TEXT`,
		battleID, string(winner), payoutRatio.String())
	if err != nil {
		return nil, err
	}
	bets, err := scanBets(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE battles SET winner = $2, settlement_ref = $3 WHERE id = $1`,
		battleID, winner, settlementRef); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return bets, nil
}

// --- row scanning ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanBattle(row pgxRow) (*model.BattleProjection, error) {
	var p model.BattleProjection
	var longPool, shortPool, totalPool string

	if err := row.Scan(&p.ID, &p.Tier, &p.Status, &p.LongWallet, &p.ShortWallet,
		&p.LongAlive, &p.ShortAlive, &p.Winner,
		&longPool, &shortPool, &totalPool,
		&p.EscalationLevel, &p.SettlementRef, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.LongPool, _ = decimal.NewFromString(longPool)
	p.ShortPool, _ = decimal.NewFromString(shortPool)
	p.TotalPool, _ = decimal.NewFromString(totalPool)
	return &p, nil
}

func scanBattles(rows pgx.Rows) ([]model.BattleProjection, error) {
	var battles []model.BattleProjection
	for rows.Next() {
		p, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *p)
	}
	return battles, rows.Err()
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amount, payout string

		if err := rows.Scan(&b.ID, &b.BattleID, &b.Bettor, &b.Side,
			&amount, &b.PlacedAt, &b.Settled, &b.Won, &payout); err != nil {
			return nil, err
		}

		b.Amount, _ = decimal.NewFromString(amount)
		b.Payout, _ = decimal.NewFromString(payout)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
