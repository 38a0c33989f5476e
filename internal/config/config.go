package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"arena"`

	// Storage (STORE_DRIVER is postgres or memory)
	StoreDriver      string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL      string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/arena?sslmode=disable"`
	MigrateOnStart   bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	MigrationsSource string `env:"MIGRATIONS_SOURCE" envDefault:"file://migrations"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:""`

	// Kafka (optional settlement queue)
	KafkaBrokers         string `env:"KAFKA_BROKERS" envDefault:""`
	KafkaSettlementTopic string `env:"KAFKA_SETTLEMENT_TOPIC" envDefault:"arena.settlement.requests"`
	KafkaSettlementGroup string `env:"KAFKA_SETTLEMENT_GROUP" envDefault:"arena-settlement"`

	// Server
	Port        string `env:"APP_PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	// Scheduler
	MatchmakerInterval time.Duration `env:"MATCHMAKER_INTERVAL" envDefault:"5s"`
	SweepInterval      time.Duration `env:"LIFECYCLE_SWEEP_INTERVAL" envDefault:"30s"`
	SweepParallelism   int           `env:"LIFECYCLE_SWEEP_PARALLELISM" envDefault:"8"`

	// Matchmaking
	QueueMaxWait       time.Duration `env:"QUEUE_MAX_WAIT" envDefault:"10m"`
	MinStakeAmount     int64         `env:"MIN_STAKE_AMOUNT" envDefault:"100"`
	LowestStakeTierMax int64         `env:"LOWEST_STAKE_TIER_MAX" envDefault:"500"`
	FairSkillTiers     []string      `env:"FAIR_SKILL_TIERS" envSeparator:"," envDefault:"novice,beginner,intermediate"`
	MaxWinRateDiff     float64       `env:"MAX_WIN_RATE_DIFF" envDefault:"0.20"`
	MaxSkillRatingDiff int           `env:"MAX_SKILL_RATING_DIFF" envDefault:"150"`

	// Lifecycle windows
	InsufficientInterestAfter time.Duration `env:"INSUFFICIENT_INTEREST_AFTER" envDefault:"15m"`
	StuckAfter                time.Duration `env:"STUCK_AFTER" envDefault:"2h"`
	ReadyTimeout              time.Duration `env:"READY_TIMEOUT" envDefault:"30m"`
	LaunchTimeout             time.Duration `env:"LAUNCH_TIMEOUT" envDefault:"10m"`
	SettlementRecoveryAfter   time.Duration `env:"SETTLEMENT_RECOVERY_AFTER" envDefault:"5m"`

	// Consensus
	ConsensusRatio           float64 `env:"CONSENSUS_RATIO" envDefault:"0.5"`
	SpecializedConfidenceMin int     `env:"SPECIALIZED_CONFIDENCE_MIN" envDefault:"80"`
	GenericConfidenceMin     int     `env:"GENERIC_CONFIDENCE_MIN" envDefault:"70"`

	// Settlement
	PlatformFeeRate string `env:"PLATFORM_FEE_RATE" envDefault:"0.06"`

	// Payout rail
	PayoutBaseURL  string        `env:"PAYOUT_BASE_URL" envDefault:""`
	PayoutTokenURL string        `env:"PAYOUT_TOKEN_URL" envDefault:"/oauth/token"`
	PayoutUsername string        `env:"PAYOUT_USERNAME" envDefault:""`
	PayoutPassword string        `env:"PAYOUT_PASSWORD" envDefault:""`
	PayoutWallet   string        `env:"PAYOUT_WALLET" envDefault:"dmark"`
	PayoutTimeout  time.Duration `env:"PAYOUT_TIMEOUT" envDefault:"15s"`

	// Stat provider
	StatsBaseURL  string        `env:"STATS_BASE_URL" envDefault:""`
	StatsAPIKey   string        `env:"STATS_API_KEY" envDefault:""`
	StatsTimeout  time.Duration `env:"STATS_TIMEOUT" envDefault:"10s"`
	StatsCacheTTL time.Duration `env:"STATS_CACHE_TTL" envDefault:"60s"`

	// Proof storage (S3 compatible)
	ProofBucket    string `env:"PROOF_BUCKET" envDefault:""`
	ProofEndpoint  string `env:"PROOF_ENDPOINT" envDefault:""`
	ProofRegion    string `env:"PROOF_REGION" envDefault:"auto"`
	ProofAccessKey string `env:"PROOF_ACCESS_KEY_ID" envDefault:""`
	ProofSecretKey string `env:"PROOF_SECRET_ACCESS_KEY" envDefault:""`

	// SMS
	SMSServiceBaseURL       string `env:"SMS_SERVICE_BASE_URL" envDefault:""`
	SMSServiceUsername      string `env:"SMS_SERVICE_USERNAME" envDefault:""`
	SMSServicePassword      string `env:"SMS_SERVICE_PASSWORD" envDefault:""`
	SMSRateLimitSeconds     int    `env:"SMS_RATE_LIMIT_SECONDS" envDefault:"30"`
	SMSTokenFallbackSeconds int    `env:"SMS_TOKEN_FALLBACK_SECONDS" envDefault:"3000"`

	// Security
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	AdminSessionTTL time.Duration `env:"ADMIN_SESSION_TTL" envDefault:"8h"`
}

// Load reads a .env file if present and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
