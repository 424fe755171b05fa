package config

import (
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	redisclient "github.com/vietddude/oracle/internal/infra/redis"
	"github.com/vietddude/oracle/internal/infra/pricefeed"
	"github.com/vietddude/oracle/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Chain     ChainConfig        `yaml:"chain"`
	PriceFeed pricefeed.Config   `yaml:"price_feed"`
	Executor  ExecutorConfig     `yaml:"executor"`
	Pairs     []domain.Pair      `yaml:"pairs"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the chain hosting the router contract.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	RouterAddress string `yaml:"router_address"`
	PrivateKey    string `yaml:"private_key"`
	ChainID       int64  `yaml:"chain_id"`

	Event             string        `yaml:"event"`
	StartHeight       *uint64       `yaml:"start_height"` // only used when no checkpoint exists
	ConfirmationDepth uint64        `yaml:"confirmation_depth"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	MaxBlockRange     uint64        `yaml:"max_block_range"`
	HeadCacheTTL      time.Duration `yaml:"head_cache_ttl"`

	GasLimit      uint64        `yaml:"gas_limit"` // 0 = estimate
	GasMultiplier float64       `yaml:"gas_multiplier"`
	GasBumpPct    int64         `yaml:"gas_bump_percent"`
	MaxGasPrice   string        `yaml:"max_gas_price"` // wei, empty = no cap
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// ExecutorConfig holds fulfillment worker settings.
type ExecutorConfig struct {
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StaleClaimTimeout time.Duration `yaml:"stale_claim_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	UnminedWarnAfter  time.Duration `yaml:"unmined_warn_after"`

	ResolutionRetries int           `yaml:"resolution_retries"`
	SubmissionRetries int           `yaml:"submission_retries"`
	WriteRetries      int           `yaml:"write_retries"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`

	PriceDecimals int32 `yaml:"price_decimals"`
}
