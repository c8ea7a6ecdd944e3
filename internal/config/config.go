// Package config loads process configuration from the environment (and an
// optional .env file) and carries the ledger policy constants.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Storage: DATABASE_URL selects PostgreSQL, otherwise LEVELDB_PATH
	// selects LevelDB, otherwise records live in memory.
	DatabaseURL string        `env:"DATABASE_URL"`
	LevelDBPath string        `env:"LEVELDB_PATH"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	NATSURL        string        `env:"NATS_URL"`
	NATSSubject    string        `env:"NATS_SUBJECT_PREFIX" envDefault:"wager"`
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTTTL         time.Duration `env:"JWT_TTL" envDefault:"24h"`
	// DevTrustHeader lets the X-Principal header name the caller when no
	// JWT secret is set. Never enable it outside development.
	DevTrustHeader bool          `env:"DEV_TRUST_HEADER"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFile        string        `env:"LOG_FILE"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// KeeperInterval enables the settlement keeper when positive.
	KeeperInterval time.Duration `env:"KEEPER_INTERVAL" envDefault:"0s"`

	Archive Archive `envPrefix:"ARCHIVE_"`
	Policy  Policy  `envPrefix:"LEDGER_"`
}

// Archive configures the closed-record archive. It is disabled when Bucket
// is empty.
type Archive struct {
	Bucket          string `env:"BUCKET"`
	Prefix          string `env:"PREFIX" envDefault:"ledger"`
	Region          string `env:"REGION" envDefault:"auto"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
}

// Policy holds the constants the ledger enforces. It is passed to the
// engine explicitly rather than read from globals.
type Policy struct {
	// ProgramID owns every record the ledger writes.
	ProgramID string `env:"PROGRAM_ID" envDefault:"wager-engine"`

	// Operator is the sole randomness producer and the fee recipient.
	Operator string `env:"OPERATOR"`

	// ProfitShareBps is the fee on realized profit, in basis points.
	ProfitShareBps uint64 `env:"PROFIT_SHARE_BPS" envDefault:"100"`

	// ReferralShareBps is the referrer's slice of the fee, in basis points.
	ReferralShareBps uint64 `env:"REFERRAL_SHARE_BPS" envDefault:"5000"`

	// RecordRent is the storage allowance moved into every created record
	// and refunded when it is destroyed.
	RecordRent uint64 `env:"RECORD_RENT" envDefault:"0"`
}

// DefaultPolicy returns the standard policy for the given operator.
func DefaultPolicy(operator string) Policy {
	return Policy{
		ProgramID:        "wager-engine",
		Operator:         operator,
		ProfitShareBps:   100,
		ReferralShareBps: 5000,
	}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	if p.ProgramID == "" {
		return errors.New("config: program id is required")
	}
	if p.Operator == "" {
		return errors.New("config: operator identity is required")
	}
	if p.ProfitShareBps > 10000 {
		return fmt.Errorf("config: profit share %d exceeds 10000 bps", p.ProfitShareBps)
	}
	if p.ReferralShareBps > 10000 {
		return fmt.Errorf("config: referral share %d exceeds 10000 bps", p.ReferralShareBps)
	}
	return nil
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
