// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/duelarena/battle-engine/internal/pool"
)

// Config holds all configuration for the battle engine.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage. With no DatabaseURL the engine runs on the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// Event publishing (optional).
	NATSURL string `env:"NATS_URL"`

	// Authoritative EVM ledger used by the reconciler (optional; with no
	// RPC URL the reconciler reads the in-process ledger).
	EVMRPCURL       string `env:"EVM_RPC_URL"`
	ContractAddress string `env:"CONTRACT_ADDRESS"`

	// Battle lifecycle.
	ProofInterval      time.Duration `env:"PROOF_INTERVAL" envDefault:"30s"`
	GraceWindow        time.Duration `env:"GRACE_WINDOW" envDefault:"15s"`
	EscalationInterval time.Duration `env:"ESCALATION_INTERVAL" envDefault:"60s"`
	LeverageSchedule   []int         `env:"LEVERAGE_SCHEDULE" envDefault:"10,15,25,50,100" envSeparator:","`
	BattleDuration     time.Duration `env:"BATTLE_DURATION" envDefault:"10m"`
	LobbyDeadline      time.Duration `env:"LOBBY_DEADLINE" envDefault:"5m"`
	CheckInterval      time.Duration `env:"CHECK_INTERVAL" envDefault:"5s"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`

	// Solvency.
	MaintenanceMargin    decimal.Decimal `env:"MAINTENANCE_MARGIN" envDefault:"0.05"`
	EliminationThreshold decimal.Decimal `env:"ELIMINATION_THRESHOLD" envDefault:"0.095"`

	// Betting pool.
	MinBet       decimal.Decimal `env:"MIN_BET" envDefault:"1"`
	MaxPerBettor decimal.Decimal `env:"MAX_PER_BETTOR" envDefault:"0"`
	MaxPerSide   decimal.Decimal `env:"MAX_PER_SIDE" envDefault:"0"`
	SponsorShare decimal.Decimal `env:"SPONSOR_SHARE" envDefault:"0.75"`
	BettorShare  decimal.Decimal `env:"BETTOR_SHARE" envDefault:"0.25"`
	ProtocolFee  decimal.Decimal `env:"PROTOCOL_FEE" envDefault:"0"`

	// Wallets whose battles are classified Primary.
	SystemSponsors []string `env:"SYSTEM_SPONSORS" envSeparator:","`
}

// Load reads configuration from the environment. A .env file, when present,
// is loaded first; real environment variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Split().Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Split assembles the configured prize split.
func (c *Config) Split() pool.Split {
	return pool.Split{
		SponsorShare: c.SponsorShare,
		BettorShare:  c.BettorShare,
		ProtocolFee:  c.ProtocolFee,
	}
}
