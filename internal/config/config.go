package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Token     TokenConfig     `yaml:"token"`
	Invoice   InvoiceConfig   `yaml:"invoice"`
	Lightning LightningConfig `yaml:"lightning"`
	Policy    PolicyConfig    `yaml:"policy"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Storage   StorageConfig   `yaml:"storage"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type TokenConfig struct {
	SecretKey  string `yaml:"secret_key"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type InvoiceConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	MaxPendingPerCaller  int `yaml:"max_pending_per_caller"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type LightningConfig struct {
	UseMock         bool   `yaml:"use_mock"`
	LNDRestHost     string `yaml:"lnd_rest_host"`
	LNDMacaroonPath string `yaml:"lnd_macaroon_path"`
}

type PolicyConfig struct {
	InitialBalanceSats  int64 `yaml:"initial_balance_sats"`
	HourlyBudgetSats    int64 `yaml:"hourly_budget_sats"`
	ReserveFloorSats    int64 `yaml:"reserve_floor_sats"`
	CeilingLowSats      int64 `yaml:"ceiling_low_sats"`
	CeilingNormalSats   int64 `yaml:"ceiling_normal_sats"`
	CeilingHighSats     int64 `yaml:"ceiling_high_sats"`
	CeilingCriticalSats int64 `yaml:"ceiling_critical_sats"`
}

type PricingConfig struct {
	BasePriceSats int64            `yaml:"base_price_sats"`
	Resources     map[string]int64 `yaml:"resources"`
}

type StorageConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// Default returns the configuration used when no config file is present.
// Values mirror the demo deployment: 10k sat starting balance, 500 sat/hour
// budget, 1h tokens, 5 minute invoices.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "dev"},
		Token: TokenConfig{
			SecretKey:  "bitagent-dev-secret-key",
			TTLMinutes: 60,
		},
		Invoice: InvoiceConfig{
			TTLSeconds:           300,
			MaxPendingPerCaller:  32,
			SweepIntervalSeconds: 30,
		},
		Lightning: LightningConfig{UseMock: true, LNDRestHost: "https://localhost:8080"},
		Policy: PolicyConfig{
			InitialBalanceSats:  10000,
			HourlyBudgetSats:    500,
			ReserveFloorSats:    100,
			CeilingLowSats:      10,
			CeilingNormalSats:   30,
			CeilingHighSats:     70,
			CeilingCriticalSats: 200,
		},
		Pricing: PricingConfig{BasePriceSats: 10, Resources: map[string]int64{}},
	}
}

// Load reads a yaml config file, falling back to Default for missing sections.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from environment variables. Only the
// knobs that differ per deployment are exposed this way; tuning lives in yaml.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BITAGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("BITAGENT_MACAROON_SECRET"); v != "" {
		c.Token.SecretKey = v
	}
	if v := os.Getenv("BITAGENT_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("BITAGENT_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("BITAGENT_LND_REST_HOST"); v != "" {
		c.Lightning.LNDRestHost = v
		c.Lightning.UseMock = false
	}
}
