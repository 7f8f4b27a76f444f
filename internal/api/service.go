// Package api provides the HTTP handlers for the battle lifecycle: creating
// and joining battles, submitting solvency proofs, placing bets, settling,
// and triggering reconciliation.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/cadence"
	"github.com/duelarena/battle-engine/internal/engine"
	"github.com/duelarena/battle-engine/internal/ledger"
	"github.com/duelarena/battle-engine/internal/metrics"
	"github.com/duelarena/battle-engine/internal/model"
	"github.com/duelarena/battle-engine/internal/pool"
	"github.com/duelarena/battle-engine/internal/reconcile"
	"github.com/duelarena/battle-engine/internal/solvency"
	"github.com/duelarena/battle-engine/internal/store"
)

// Service handles battle operations. Mutations go to the authoritative
// ledger; after each one the battle is re-projected into the read-side cache
// and the returned events are handed to the dispatcher.
type Service struct {
	ledger     ledger.Ledger
	cache      store.Store
	dispatcher *Dispatcher
	reconciler *reconcile.Reconciler
}

// NewService creates a new battle service. Pass nil for reconciler to
// disable the on-demand reconciliation endpoint.
func NewService(lg ledger.Ledger, cache store.Store, dispatcher *Dispatcher, reconciler *reconcile.Reconciler) *Service {
	return &Service{
		ledger:     lg,
		cache:      cache,
		dispatcher: dispatcher,
		reconciler: reconciler,
	}
}

// Routes registers all battle endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/battles", s.CreateBattle)
	r.Get("/battles", s.ListBattles)
	r.Get("/battles/{battleID}", s.GetBattle)
	r.Post("/battles/{battleID}/join", s.JoinBattle)
	r.Post("/battles/{battleID}/proofs", s.SubmitProof)
	r.Post("/battles/{battleID}/bets", s.PlaceBet)
	r.Get("/battles/{battleID}/bets", s.ListBets)
	r.Post("/battles/{battleID}/settle", s.SettleBattle)
	r.Post("/battles/{battleID}/check", s.CheckBattle)
	r.Post("/reconcile", s.Reconcile)
}

// --- Request types ---

// CreateBattleRequest is the JSON body for battle creation. When both
// sponsors are given the battle opens Active with both sides funded;
// otherwise it opens as a Pending lobby for the single sponsor.
type CreateBattleRequest struct {
	Sponsor      string          `json:"sponsor,omitempty"`
	Side         model.Side      `json:"side,omitempty"`
	LongSponsor  string          `json:"long_sponsor,omitempty"`
	ShortSponsor string          `json:"short_sponsor,omitempty"`
	Collateral   decimal.Decimal `json:"collateral"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
}

// JoinBattleRequest is the JSON body for joining a pending lobby.
type JoinBattleRequest struct {
	Sponsor    string          `json:"sponsor"`
	Collateral decimal.Decimal `json:"collateral"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// SubmitProofRequest is the JSON body for a solvency proof. The proof hash
// is an opaque attestation; only the claimed price feeds the solvency check.
type SubmitProofRequest struct {
	Side         model.Side      `json:"side"`
	ClaimedPrice decimal.Decimal `json:"claimed_price"`
	ProofHash    string          `json:"proof_hash"`
}

// PlaceBetRequest is the JSON body for a pari-mutuel bet.
type PlaceBetRequest struct {
	Bettor string          `json:"bettor"`
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// SettleBattleRequest carries the final reference price.
type SettleBattleRequest struct {
	FinalPrice decimal.Decimal `json:"final_price"`
}

// --- HTTP Handlers ---

// CreateBattle handles POST /api/v1/battles
func (s *Service) CreateBattle(w http.ResponseWriter, r *http.Request) {
	var req CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var battle *model.Battle
	var events []model.Event
	var err error

	switch {
	case req.LongSponsor != "" && req.ShortSponsor != "":
		battle, events, err = s.ledger.CreateFunded(ctx, req.LongSponsor, req.ShortSponsor, req.Collateral, req.EntryPrice)
	case req.Sponsor != "":
		battle, events, err = s.ledger.CreateLobby(ctx, req.Sponsor, req.Side, req.Collateral, req.EntryPrice)
	default:
		writeError(w, "sponsor or both long_sponsor and short_sponsor required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)
	metrics.BattlesCreated.WithLabelValues(string(battle.Tier)).Inc()

	slog.Info("battle created",
		"id", battle.ID,
		"tier", string(battle.Tier),
		"status", string(battle.Status),
		"collateral", req.Collateral.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(battle)
}

// JoinBattle handles POST /api/v1/battles/{battleID}/join
func (s *Service) JoinBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	var req JoinBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Sponsor == "" {
		writeError(w, "sponsor is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	battle, events, err := s.ledger.Join(ctx, battleID, req.Sponsor, req.Collateral, req.EntryPrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)

	slog.Info("battle joined", "id", battle.ID, "sponsor", req.Sponsor)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battle)
}

// GetBattle handles GET /api/v1/battles/{battleID}
func (s *Service) GetBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	battle, err := s.ledger.GetBattle(r.Context(), battleID)
	if err != nil {
		writeError(w, "battle not found", statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battle)
}

// ListBattles handles GET /api/v1/battles
// Returns all battles, optionally filtered by ?status=<status>.
func (s *Service) ListBattles(w http.ResponseWriter, r *http.Request) {
	battles, err := s.ledger.ListBattles(r.Context())
	if err != nil {
		writeError(w, "failed to list battles", http.StatusInternalServerError)
		return
	}
	if battles == nil {
		battles = []model.Battle{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Battle
		for _, b := range battles {
			if string(b.Status) == status {
				filtered = append(filtered, b)
			}
		}
		if filtered == nil {
			filtered = []model.Battle{}
		}
		battles = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battles)
}

// SubmitProof handles POST /api/v1/battles/{battleID}/proofs
func (s *Service) SubmitProof(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	var req SubmitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	battle, events, err := s.ledger.SubmitProof(ctx, battleID, req.Side, req.ClaimedPrice, req.ProofHash)
	if err != nil {
		metrics.ProofsRejected.WithLabelValues(rejectionReason(err)).Inc()
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)
	metrics.ProofsAccepted.WithLabelValues(string(req.Side)).Inc()

	slog.Info("proof submitted",
		"battle_id", battleID,
		"side", string(req.Side),
		"claimed_price", req.ClaimedPrice.String(),
		"status", string(battle.Status),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battle)
}

// PlaceBet handles POST /api/v1/battles/{battleID}/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Bettor == "" {
		writeError(w, "bettor is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	bet, battle, events, err := s.ledger.PlaceBet(ctx, battleID, req.Bettor, req.Side, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)
	if err := s.cache.SaveBet(ctx, bet); err != nil {
		slog.Error("bet cache write failed", "bet_id", bet.ID, "error", err)
	}
	metrics.BetsPlaced.WithLabelValues(string(req.Side)).Inc()
	metrics.BetVolume.WithLabelValues(string(req.Side)).Add(amountFloat(req.Amount))

	slog.Info("bet placed",
		"bet_id", bet.ID,
		"battle_id", battleID,
		"bettor", req.Bettor,
		"side", string(req.Side),
		"amount", req.Amount.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bet)
}

// ListBets handles GET /api/v1/battles/{battleID}/bets
func (s *Service) ListBets(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	bets, err := s.ledger.GetBets(r.Context(), battleID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if bets == nil {
		bets = []model.Bet{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bets)
}

// SettleBattle handles POST /api/v1/battles/{battleID}/settle
func (s *Service) SettleBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	var req SettleBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	battle, events, err := s.ledger.Settle(ctx, battleID, req.FinalPrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)

	slog.Info("battle settled",
		"battle_id", battleID,
		"winner", string(battle.Winner),
		"final_price", req.FinalPrice.String(),
		"settlement_ref", battle.SettlementRef,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battle)
}

// CheckBattle handles POST /api/v1/battles/{battleID}/check
// Runs the clock tick: lobby expiry, escalation, missed-proof forfeiture.
func (s *Service) CheckBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	ctx := r.Context()
	battle, events, err := s.ledger.Check(ctx, battleID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.afterMutation(ctx, battle, events)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(battle)
}

// Tick runs the clock against one battle outside an HTTP request. The
// background check loop uses it so ticker-driven transitions still reach the
// cache and the dispatcher.
func (s *Service) Tick(ctx context.Context, battleID string) error {
	battle, events, err := s.ledger.Check(ctx, battleID)
	if err != nil {
		return err
	}
	s.afterMutation(ctx, battle, events)
	return nil
}

// Reconcile handles POST /api/v1/reconcile
// Runs one on-demand reconciliation pass against the authoritative ledger.
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, "reconciliation is not configured", http.StatusNotImplemented)
		return
	}

	result, err := s.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// --- Cache projection and event dispatch ---

// afterMutation re-projects the battle into the read-side cache, mirrors the
// ledger's settled bets on terminal transitions, and dispatches events. The
// cache is a derived projection; failures here are logged, never surfaced,
// because the reconciler repairs the cache from the ledger.
func (s *Service) afterMutation(ctx context.Context, battle *model.Battle, events []model.Event) {
	if battle != nil {
		if err := s.cache.SaveBattle(ctx, model.Project(battle, time.Now().UTC())); err != nil {
			slog.Error("cache projection failed", "battle_id", battle.ID, "error", err)
		}

		if battle.Status.Terminal() {
			// The ledger already settled the bets atomically; copy its
			// snapshots rather than recomputing payouts cache-side.
			if bets, err := s.ledger.GetBets(ctx, battle.ID); err == nil {
				for i := range bets {
					if err := s.cache.SaveBet(ctx, &bets[i]); err != nil {
						slog.Error("bet cache write failed", "bet_id", bets[i].ID, "error", err)
					}
				}
			}
			if battle.Status == model.StatusSettled {
				metrics.BattlesSettled.WithLabelValues(string(battle.Winner)).Inc()
			}
		}
	}

	for _, evt := range events {
		if evt.Type == model.EventAgentLiquidated {
			metrics.Liquidations.WithLabelValues(evt.Fields["reason"]).Inc()
		}
	}
	s.dispatcher.Dispatch(ctx, events)
}

// --- Error mapping ---

// statusFor maps domain errors onto HTTP statuses: validation 400, timing
// 422, state conflicts 409, unknown battles 404, ledger outages 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidStake),
		errors.Is(err, engine.ErrInvalidProof),
		errors.Is(err, pool.ErrInsufficientBet),
		errors.Is(err, pool.ErrStakeLimitExceeded),
		errors.Is(err, solvency.ErrInvalidPrice),
		errors.Is(err, solvency.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, cadence.ErrProofTooEarly),
		errors.Is(err, cadence.ErrProofTimeout),
		errors.Is(err, pool.ErrBettingClosed),
		errors.Is(err, engine.ErrBattleNotEnded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrBattleNotActive),
		errors.Is(err, engine.ErrBattleSettled),
		errors.Is(err, engine.ErrSelfMatch),
		errors.Is(err, engine.ErrAlreadyFunded),
		errors.Is(err, cadence.ErrPositionDead):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrBattleNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason labels a rejected proof for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, cadence.ErrProofTooEarly):
		return "too_early"
	case errors.Is(err, cadence.ErrProofTimeout):
		return "too_late"
	case errors.Is(err, cadence.ErrPositionDead):
		return "position_dead"
	case errors.Is(err, engine.ErrInvalidProof):
		return "invalid"
	default:
		return "other"
	}
}

// amountFloat converts a decimal to the float64 the counter needs. Metrics
// are approximate by nature; money stays decimal everywhere else.
func amountFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
