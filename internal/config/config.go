package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Store    StoreConfig
	Chain    ChainConfig
	Vault    VaultConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// Store backends
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	ChainID        int64  `mapstructure:"chain_id"`
	Permit2Address string `mapstructure:"permit2_address"`
	OperatorKey    string `mapstructure:"operator_key"`
	DomainName     string `mapstructure:"domain_name"`
	DomainVersion  string `mapstructure:"domain_version"`
}

type VaultConfig struct {
	PullTimeout       time.Duration `mapstructure:"pull_timeout"`
	CommitRetries     int           `mapstructure:"commit_retries"`
	CommitBackoff     time.Duration `mapstructure:"commit_backoff"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	// Tokens are always reconciled, in addition to any token the ledger has seen.
	Tokens            []string `mapstructure:"tokens"`
	DepositsPerMinute int      `mapstructure:"deposits_per_minute"`
	DepositBurst      int      `mapstructure:"deposit_burst"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("chain.permit2_address", "0x000000000022D473030F116dDEE9F6B43aC78BA3")
	v.SetDefault("chain.domain_name", "Permit2")
	v.SetDefault("vault.pull_timeout", 2*time.Minute)
	v.SetDefault("vault.commit_retries", 5)
	v.SetDefault("vault.commit_backoff", 200*time.Millisecond)
	v.SetDefault("vault.recovery_interval", time.Minute)
	v.SetDefault("vault.reconcile_interval", 5*time.Minute)
	v.SetDefault("vault.deposits_per_minute", 30)
	v.SetDefault("vault.deposit_burst", 5)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"postgres.url":              "DATABASE_URL",
		"store.backend":             "STORE_BACKEND",
		"chain.rpc_url":             "RPC_URL",
		"chain.chain_id":            "CHAIN_ID",
		"chain.permit2_address":     "PERMIT2_ADDRESS",
		"chain.operator_key":        "VAULT_OPERATOR_KEY",
		"chain.domain_name":         "PERMIT2_DOMAIN_NAME",
		"chain.domain_version":      "PERMIT2_DOMAIN_VERSION",
		"vault.pull_timeout":        "PULL_TIMEOUT",
		"vault.commit_retries":      "COMMIT_RETRIES",
		"vault.commit_backoff":      "COMMIT_BACKOFF",
		"vault.recovery_interval":   "RECOVERY_INTERVAL",
		"vault.reconcile_interval":  "RECONCILE_INTERVAL",
		"vault.tokens":              "VAULT_TOKENS",
		"vault.deposits_per_minute": "DEPOSITS_PER_MINUTE",
		"vault.deposit_burst":       "DEPOSIT_BURST",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.Permit2Address, "PERMIT2_ADDRESS"},
		{c.Chain.OperatorKey, "VAULT_OPERATOR_KEY"},
		{c.Chain.DomainName, "PERMIT2_DOMAIN_NAME"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("required config missing: REDIS_ADDR")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("required config missing: DATABASE_URL")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Vault.PullTimeout <= 0 {
		return fmt.Errorf("vault.pull_timeout must be positive")
	}
	if c.Vault.CommitRetries < 1 {
		return fmt.Errorf("vault.commit_retries must be at least 1")
	}
	return nil
}
