// Package config loads the hybridd configuration from YAML with HYBRID_ environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	match "github.com/0x5487/hybrid-engine"
	"github.com/0x5487/hybrid-engine/router"
	"github.com/0x5487/hybrid-engine/sink"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration of the hybridd service.
// Optional sections (nil if not specified): Redis, Kafka.
type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Engine EngineConfig `mapstructure:"engine"`
	Router RouterConfig `mapstructure:"router"`
	AMM    AMMConfig    `mapstructure:"amm"`
	// Redis enables the hot-store mirror of aggregated depth.
	Redis *sink.RedisConfig `mapstructure:"redis"`
	// Kafka enables the cold-storage stream of orders and trades.
	Kafka *sink.KafkaConfig `mapstructure:"kafka"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	Name string `mapstructure:"name"`
	// LogLevel sets logging verbosity: "debug", "info", "warn", "error".
	LogLevel string `mapstructure:"log_level"`
	// HTTPAddr serves /metrics and /healthz; empty disables the listener.
	HTTPAddr string `mapstructure:"http_addr"`
}

// EngineConfig mirrors the matching engine options.
type EngineConfig struct {
	// Shards is the number of shard workers; 0 uses the number of CPUs.
	Shards          int           `mapstructure:"shards"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchWindow     time.Duration `mapstructure:"batch_window"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InboxSize       int           `mapstructure:"inbox_size"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	PublishCapacity int64         `mapstructure:"publish_capacity"`
	// SelfTradePrevention is "cancel_taker" or "cancel_maker".
	SelfTradePrevention string         `mapstructure:"self_trade_prevention"`
	DedupeWindow        int            `mapstructure:"dedupe_window"`
	Breaker             BreakerConfig  `mapstructure:"breaker"`
	Balancer            BalancerConfig `mapstructure:"balancer"`
	Recovery            RecoveryConfig `mapstructure:"recovery"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type BalancerConfig struct {
	LoadThreshold        int64         `mapstructure:"load_threshold"`
	LatencyThreshold     time.Duration `mapstructure:"latency_threshold"`
	ErrorRateThreshold   float64       `mapstructure:"error_rate_threshold"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	RebalanceInterval    time.Duration `mapstructure:"rebalance_interval"`
	MaxMigrationsPerTick int           `mapstructure:"max_migrations_per_tick"`
}

type RecoveryConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MigrationTimeout    time.Duration `mapstructure:"migration_timeout"`
	RestoreRouting      bool          `mapstructure:"restore_routing"`
}

// RouterConfig holds the hybrid router settings. Decimals are strings to keep precision.
type RouterConfig struct {
	MaxPriceImpact string        `mapstructure:"max_price_impact"`
	MaxChunks      int           `mapstructure:"max_chunks"`
	MinChunk       string        `mapstructure:"min_chunk"`
	TieTolerance   string        `mapstructure:"tie_tolerance"`
	MaxSlippage    string        `mapstructure:"max_slippage"`
	GasPriceQuote  string        `mapstructure:"gas_price_quote"`
	DepthLevels    uint32        `mapstructure:"depth_levels"`
	QuoteTimeout   time.Duration `mapstructure:"quote_timeout"`
}

// AMMConfig selects the AMM venue.
type AMMConfig struct {
	// Mode is "none", "simulator" or "evm".
	Mode  string       `mapstructure:"mode"`
	Pools []PoolConfig `mapstructure:"pools"`
	EVM   EVMConfig    `mapstructure:"evm"`
}

// PoolConfig seeds one simulated constant-product pool.
type PoolConfig struct {
	Pair    string `mapstructure:"pair"`
	Base    string `mapstructure:"base"`
	Quote   string `mapstructure:"quote"`
	Fee     string `mapstructure:"fee"`
	GasCost string `mapstructure:"gas_cost"`
}

// EVMConfig points at a Uniswap V2 style router.
type EVMConfig struct {
	RPCURL       string          `mapstructure:"rpc_url"`
	PrivateKey   string          `mapstructure:"private_key"`
	Router       string          `mapstructure:"router"`
	RateLimit    float64         `mapstructure:"rate_limit"`
	Burst        int             `mapstructure:"burst"`
	SwapGasLimit uint64          `mapstructure:"swap_gas_limit"`
	Deadline     time.Duration   `mapstructure:"deadline"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	Pairs        []EVMPairConfig `mapstructure:"pairs"`
}

type EVMPairConfig struct {
	Pair          string `mapstructure:"pair"`
	Address       string `mapstructure:"address"`
	BaseToken     string `mapstructure:"base_token"`
	QuoteToken    string `mapstructure:"quote_token"`
	BaseDecimals  int32  `mapstructure:"base_decimals"`
	QuoteDecimals int32  `mapstructure:"quote_decimals"`
}

// Load reads configuration from the YAML file at path. An empty path uses defaults and
// environment only. Every key can be overridden with HYBRID_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HYBRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.fillSections()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	breaker := match.DefaultBreakerConfig()
	balancer := match.DefaultBalancerConfig()
	recovery := match.DefaultRecoveryConfig()
	rc := router.DefaultConfig()

	v.SetDefault("app.name", "hybridd")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.http_addr", ":9100")

	v.SetDefault("engine.shards", 0)
	v.SetDefault("engine.batch_size", match.DefaultBatchSize)
	v.SetDefault("engine.batch_window", match.DefaultBatchWindow)
	v.SetDefault("engine.task_timeout", match.DefaultTaskTimeout)
	v.SetDefault("engine.max_retries", match.DefaultMaxRetries)
	v.SetDefault("engine.inbox_size", match.DefaultInboxSize)
	v.SetDefault("engine.expiry_interval", match.DefaultExpiryInterval)
	v.SetDefault("engine.publish_capacity", 1<<16)
	v.SetDefault("engine.self_trade_prevention", "cancel_taker")
	v.SetDefault("engine.dedupe_window", match.DefaultDedupeWindow)
	v.SetDefault("engine.breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("engine.breaker.recovery_timeout", breaker.RecoveryTimeout)
	v.SetDefault("engine.balancer.load_threshold", balancer.LoadThreshold)
	v.SetDefault("engine.balancer.latency_threshold", balancer.LatencyThreshold)
	v.SetDefault("engine.balancer.error_rate_threshold", balancer.ErrorRateThreshold)
	v.SetDefault("engine.balancer.heartbeat_timeout", balancer.HeartbeatTimeout)
	v.SetDefault("engine.balancer.rebalance_interval", balancer.RebalanceInterval)
	v.SetDefault("engine.balancer.max_migrations_per_tick", balancer.MaxMigrationsPerTick)
	v.SetDefault("engine.recovery.health_check_interval", recovery.HealthCheckInterval)
	v.SetDefault("engine.recovery.migration_timeout", recovery.MigrationTimeout)
	v.SetDefault("engine.recovery.restore_routing", recovery.RestoreRouting)

	v.SetDefault("router.max_price_impact", rc.MaxPriceImpact.String())
	v.SetDefault("router.max_chunks", rc.MaxChunks)
	v.SetDefault("router.min_chunk", "0")
	v.SetDefault("router.tie_tolerance", rc.TieTolerance.String())
	v.SetDefault("router.max_slippage", rc.MaxSlippage.String())
	v.SetDefault("router.gas_price_quote", "0")
	v.SetDefault("router.depth_levels", rc.DepthLevels)
	v.SetDefault("router.quote_timeout", rc.QuoteTimeout)

	v.SetDefault("amm.mode", "none")
	v.SetDefault("amm.evm.rate_limit", 10)
	v.SetDefault("amm.evm.burst", 5)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if _, err := ParseLogLevel(c.App.LogLevel); err != nil {
		return err
	}

	e := c.Engine
	if e.Shards < 0 {
		return fmt.Errorf("engine.shards must not be negative")
	}
	if e.BatchSize <= 0 || e.BatchWindow <= 0 || e.TaskTimeout <= 0 {
		return fmt.Errorf("engine.batch_size, batch_window and task_timeout must be positive")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if _, err := e.stp(); err != nil {
		return err
	}
	if e.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("engine.breaker.failure_threshold must be positive")
	}

	if _, err := c.RouterOptions(); err != nil {
		return err
	}

	switch c.AMM.Mode {
	case "", "none":
	case "simulator":
		if len(c.AMM.Pools) == 0 {
			return fmt.Errorf("amm.pools is required in simulator mode")
		}
		for _, p := range c.AMM.Pools {
			if p.Pair == "" {
				return fmt.Errorf("amm.pools: pair is required")
			}
			for _, s := range []string{p.Base, p.Quote} {
				if d, err := decimal.NewFromString(s); err != nil || !d.IsPositive() {
					return fmt.Errorf("amm.pools %s: reserves must be positive decimals", p.Pair)
				}
			}
		}
	case "evm":
		if c.AMM.EVM.RPCURL == "" || c.AMM.EVM.Router == "" {
			return fmt.Errorf("amm.evm.rpc_url and amm.evm.router are required in evm mode")
		}
		if len(c.AMM.EVM.Pairs) == 0 {
			return fmt.Errorf("amm.evm.pairs is required in evm mode")
		}
	default:
		return fmt.Errorf("amm.mode must be none, simulator or evm, got %q", c.AMM.Mode)
	}

	if c.Kafka != nil && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is configured")
	}
	if c.Redis != nil && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is configured")
	}
	return nil
}

// EngineOptions converts the engine section to matching engine options.
func (c *Config) EngineOptions() []match.Option {
	e := c.Engine
	stp, _ := e.stp()

	opts := []match.Option{
		match.WithBatchSize(e.BatchSize),
		match.WithBatchWindow(e.BatchWindow),
		match.WithTaskTimeout(e.TaskTimeout),
		match.WithMaxRetries(e.MaxRetries),
		match.WithInboxSize(e.InboxSize),
		match.WithExpiryInterval(e.ExpiryInterval),
		match.WithPublishCapacity(e.PublishCapacity),
		match.WithBreakerConfig(match.BreakerConfig{
			FailureThreshold: e.Breaker.FailureThreshold,
			RecoveryTimeout:  e.Breaker.RecoveryTimeout,
		}),
		match.WithBalancerConfig(match.BalancerConfig{
			LoadThreshold:        e.Balancer.LoadThreshold,
			LatencyThreshold:     e.Balancer.LatencyThreshold,
			ErrorRateThreshold:   e.Balancer.ErrorRateThreshold,
			HeartbeatTimeout:     e.Balancer.HeartbeatTimeout,
			RebalanceInterval:    e.Balancer.RebalanceInterval,
			MaxMigrationsPerTick: e.Balancer.MaxMigrationsPerTick,
		}),
		match.WithRecoveryConfig(match.RecoveryConfig{
			HealthCheckInterval: e.Recovery.HealthCheckInterval,
			MigrationTimeout:    e.Recovery.MigrationTimeout,
			RestoreRouting:      e.Recovery.RestoreRouting,
		}),
		match.WithBookOptions(
			match.WithSelfTradePrevention(stp),
			match.WithDedupeWindow(e.DedupeWindow),
		),
	}
	if e.Shards > 0 {
		opts = append(opts, match.WithShards(e.Shards))
	}
	return opts
}

// RouterOptions converts the router section.
func (c *Config) RouterOptions() (router.Config, error) {
	r := c.Router
	cfg := router.DefaultConfig()
	cfg.MaxChunks = r.MaxChunks
	cfg.DepthLevels = r.DepthLevels
	cfg.QuoteTimeout = r.QuoteTimeout

	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"router.max_price_impact", r.MaxPriceImpact, &cfg.MaxPriceImpact},
		{"router.min_chunk", r.MinChunk, &cfg.MinChunk},
		{"router.tie_tolerance", r.TieTolerance, &cfg.TieTolerance},
		{"router.max_slippage", r.MaxSlippage, &cfg.MaxSlippage},
		{"router.gas_price_quote", r.GasPriceQuote, &cfg.GasPriceQuote},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", f.name, err)
		}
		if d.IsNegative() {
			return cfg, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	if cfg.MaxChunks < 1 {
		return cfg, fmt.Errorf("router.max_chunks must be positive")
	}
	return cfg, nil
}

// fillSections completes partially specified optional sections with their defaults.
func (c *Config) fillSections() {
	if c.Redis != nil {
		def := sink.DefaultRedisConfig()
		if c.Redis.KeyPrefix == "" {
			c.Redis.KeyPrefix = def.KeyPrefix
		}
		if c.Redis.DepthLevels == 0 {
			c.Redis.DepthLevels = def.DepthLevels
		}
		if c.Redis.Timeout == 0 {
			c.Redis.Timeout = def.Timeout
		}
	}
	if c.Kafka != nil {
		def := sink.DefaultKafkaConfig()
		if c.Kafka.OrderTopic == "" {
			c.Kafka.OrderTopic = def.OrderTopic
		}
		if c.Kafka.TradeTopic == "" {
			c.Kafka.TradeTopic = def.TradeTopic
		}
		if c.Kafka.BatchSize == 0 {
			c.Kafka.BatchSize = def.BatchSize
		}
		if c.Kafka.BatchTimeout == 0 {
			c.Kafka.BatchTimeout = def.BatchTimeout
		}
		if c.Kafka.WriteTimeout == 0 {
			c.Kafka.WriteTimeout = def.WriteTimeout
		}
		if c.Kafka.RequiredAcks == 0 {
			c.Kafka.RequiredAcks = def.RequiredAcks
		}
	}
}

func (e EngineConfig) stp() (match.SelfTradePrevention, error) {
	switch e.SelfTradePrevention {
	case "", "cancel_taker":
		return match.STPCancelTaker, nil
	case "cancel_maker":
		return match.STPCancelMaker, nil
	}
	return 0, fmt.Errorf("engine.self_trade_prevention must be cancel_taker or cancel_maker, got %q", e.SelfTradePrevention)
}
