// Package reconcile repairs the read-side cache against the authoritative
// ledger. It never mutates the ledger and never writes a guessed value: a
// cache entry is only overwritten with state fetched from the ledger.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/duelarena/battle-engine/internal/ledger"
	"github.com/duelarena/battle-engine/internal/metrics"
	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/store"
)

// Result summarizes one reconciliation pass.
type Result struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Reconciler re-derives winner and tier for suspect cached battles from the
// authoritative ledger. Running it twice over an unchanged ledger produces
// identical cache state: repairs flip an entry out of the suspect set, and
// entries that match the ledger are never written.
type Reconciler struct {
	reader ledger.Reader
	cache  store.Store
	log    *slog.Logger
	now    func() time.Time
}

// New creates a reconciler reading authoritative state from reader and
// repairing the given cache store.
func New(reader ledger.Reader, cache store.Store, log *slog.Logger) *Reconciler {
	return &Reconciler{
		reader: reader,
		cache:  cache,
		log:    log,
		now:    time.Now,
	}
}

// Run executes one reconciliation pass. Fetch failures leave the cache entry
// untouched; because selection is re-derived from the cache on every pass,
// the entry stays selected and is retried next time.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	var res Result

	terminal, err := r.cache.ListTerminal(ctx)
	if err != nil {
		return res, err
	}

	for i := range terminal {
		cached := &terminal[i]
		if !suspect(cached) {
			continue
		}
		res.Scanned++

		authoritative, err := r.reader.GetBattle(ctx, cached.ID)
		if err != nil {
			res.Failed++
			metrics.ReconcileFailures.Inc()
			r.log.Warn("reconcile: authoritative fetch failed, will retry",
				"battle_id", cached.ID, "error", err)
			continue
		}

		repaired, err := r.repair(ctx, cached, authoritative)
		if err != nil {
			res.Failed++
			metrics.ReconcileFailures.Inc()
			r.log.Error("reconcile: cache repair failed",
				"battle_id", cached.ID, "error", err)
			continue
		}
		if repaired {
			res.Repaired++
		}
	}

	if res.Repaired > 0 || res.Failed > 0 {
		r.log.Info("reconcile pass complete",
			"scanned", res.Scanned, "repaired", res.Repaired, "failed", res.Failed)
	}
	return res, nil
}

// repair overwrites the cached projection with the authoritative record when
// they disagree, and re-settles the battle's cached bets under the corrected
// winner.
func (r *Reconciler) repair(ctx context.Context, cached *model.BattleProjection, authoritative *model.Battle) (bool, error) {
	winner := deriveWinner(authoritative)
	if winner == cached.Winner && authoritative.Tier == cached.Tier {
		return false, nil
	}

	p := model.Project(authoritative, r.now())
	p.Winner = winner
	if err := r.cache.SaveBattle(ctx, p); err != nil {
		return false, err
	}

	if authoritative.Status == model.StatusSettled && winner != cached.Winner {
		ratio := pool.PayoutRatio(authoritative.LongPool, authoritative.ShortPool, winner)
		if _, err := r.cache.SettleBets(ctx, cached.ID, winner, ratio, authoritative.SettlementRef); err != nil {
			return false, err
		}
	}

	metrics.ReconcileRepairs.Inc()
	r.log.Info("reconcile: cache repaired",
		"battle_id", cached.ID,
		"cached_winner", string(cached.Winner), "winner", string(winner),
		"cached_tier", string(cached.Tier), "tier", string(authoritative.Tier))
	return true, nil
}

// suspect selects terminal cache entries whose winner or tier may have
// drifted: a recorded Draw (the tie-break default, so also the value a buggy
// writer falls back to) or a missing tier flag.
func suspect(p *model.BattleProjection) bool {
	if p.Status == model.StatusSettled && p.Winner == model.WinnerDraw {
		return true
	}
	return p.Tier != model.TierPrimary && p.Tier != model.TierSecondary
}

// deriveWinner takes the winner from the authoritative record. The ledger
// adapters resolve a recorded winner wallet into a side by exact wallet
// identity against the two positions; address pattern heuristics are
// deliberately never consulted anywhere on this path.
func deriveWinner(b *model.Battle) model.Winner {
	if b.Status != model.StatusSettled {
		return model.WinnerNone
	}
	return b.Winner
}
