package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/oracle/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *AppConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Chain.Event == "" {
		c.Chain.Event = domain.EventOracleRequest
	}
	if c.Chain.ScanInterval == 0 {
		c.Chain.ScanInterval = 5 * time.Second
	}
	if c.Chain.MaxBlockRange == 0 {
		c.Chain.MaxBlockRange = 1000
	}
	if c.Chain.HeadCacheTTL == 0 {
		c.Chain.HeadCacheTTL = time.Second
	}
	if c.Chain.GasMultiplier == 0 {
		c.Chain.GasMultiplier = 1.1
	}
	if c.Chain.GasBumpPct == 0 {
		c.Chain.GasBumpPct = 12
	}
	if c.Chain.CallTimeout == 0 {
		c.Chain.CallTimeout = 15 * time.Second
	}

	if c.PriceFeed.Timeout == 0 {
		c.PriceFeed.Timeout = 10 * time.Second
	}

	e := &c.Executor
	if e.Workers == 0 {
		e.Workers = 4
	}
	if e.PollInterval == 0 {
		e.PollInterval = 2 * time.Second
	}
	if e.StaleClaimTimeout == 0 {
		e.StaleClaimTimeout = 5 * time.Minute
	}
	if e.ReconcileInterval == 0 {
		e.ReconcileInterval = time.Minute
	}
	if e.UnminedWarnAfter == 0 {
		e.UnminedWarnAfter = 10 * time.Minute
	}
	if e.WriteRetries == 0 {
		e.WriteRetries = 5
	}
	if e.ResolutionRetries == 0 {
		e.ResolutionRetries = 5
	}
	if e.SubmissionRetries == 0 {
		e.SubmissionRetries = 5
	}
	if e.BackoffInitial == 0 {
		e.BackoffInitial = time.Second
	}
	if e.BackoffMax == 0 {
		e.BackoffMax = 30 * time.Second
	}
	if e.PriceDecimals == 0 {
		e.PriceDecimals = 8
	}
}

// Validate reports every setting the oracle cannot start without.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.RouterAddress) {
		errs = append(errs, fmt.Errorf("chain.router_address %q is not an address", c.Chain.RouterAddress))
	}
	if c.Chain.PrivateKey == "" {
		errs = append(errs, errors.New("chain.private_key is required"))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chain_id must be positive"))
	}
	if c.Chain.GasMultiplier < 1 {
		errs = append(errs, fmt.Errorf("chain.gas_multiplier %.2f is below 1", c.Chain.GasMultiplier))
	}
	if c.Chain.MaxGasPrice != "" {
		if _, ok := new(big.Int).SetString(c.Chain.MaxGasPrice, 10); !ok {
			errs = append(errs, fmt.Errorf("chain.max_gas_price %q is not an integer", c.Chain.MaxGasPrice))
		}
	}

	if c.PriceFeed.URLTemplate == "" {
		errs = append(errs, errors.New("price_feed.url_template is required"))
	}
	if c.PriceFeed.ValuePath == "" {
		errs = append(errs, errors.New("price_feed.value_path is required"))
	}

	if c.Executor.PriceDecimals < 0 || c.Executor.PriceDecimals > 36 {
		errs = append(errs, fmt.Errorf("executor.price_decimals %d out of range", c.Executor.PriceDecimals))
	}
	if c.Executor.BackoffMax < c.Executor.BackoffInitial {
		errs = append(errs, errors.New("executor.backoff_max is below backoff_initial"))
	}

	for i, p := range c.Pairs {
		if p.Base == "" || p.Target == "" {
			errs = append(errs, fmt.Errorf("pairs[%d] needs base and target", i))
		}
	}

	if len(errs) > 0 {
		return domain.ConfigurationError(errors.Join(errs...))
	}
	return nil
}

// MaxGasPriceWei parses the gas price ceiling, nil when unset.
func (c ChainConfig) MaxGasPriceWei() *big.Int {
	if c.MaxGasPrice == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(c.MaxGasPrice, 10)
	if !ok {
		return nil
	}
	return v
}
