package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/oracle"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for auctiond.
type Config struct {
	ListenAddress string `yaml:"listen" toml:"listen"`
	DataDir       string `yaml:"data_dir" toml:"data_dir"`
	// StateBackend picks the state store: "leveldb" (default) or "bolt".
	StateBackend string `yaml:"state_backend" toml:"state_backend"`
	// MaxConnections caps concurrently accepted HTTP connections. Zero means
	// unlimited.
	MaxConnections  int                  `yaml:"max_connections" toml:"max_connections"`
	EngineCacheSize int                  `yaml:"engine_cache_size" toml:"engine_cache_size"`
	Log             LogConfig            `yaml:"log" toml:"log"`
	Telemetry       TelemetryConfig      `yaml:"telemetry" toml:"telemetry"`
	Oracle          OracleConfig         `yaml:"oracle" toml:"oracle"`
	Auth            AuthConfig           `yaml:"auth" toml:"auth"`
	RateLimits      map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
	Events          EventsConfig         `yaml:"events" toml:"events"`
	Admins          []string             `yaml:"admins" toml:"admins"`
	Genesis         Genesis              `yaml:"genesis" toml:"genesis"`
}

// LogConfig controls the structured logger and its rotated file copy.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig points the OTLP exporters at a collector. An empty endpoint
// falls back to the OTEL_EXPORTER_OTLP_* environment.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// OracleConfig tunes the price adapter.
type OracleConfig struct {
	QuoteValidity Duration `yaml:"quote_validity" toml:"quote_validity"`
	HealthBound   Duration `yaml:"health_bound" toml:"health_bound"`
	// RPCURL selects the on-chain aggregator feed. When empty the service
	// serves prices from a manual feed fed through the admin API.
	RPCURL        string       `yaml:"rpc_url" toml:"rpc_url"`
	CheckInterval Duration     `yaml:"check_interval" toml:"check_interval"`
	Feeds         []FeedConfig `yaml:"feeds" toml:"feeds"`
}

// FeedConfig binds a payment unit to a price feed.
type FeedConfig struct {
	Unit         string `yaml:"unit" toml:"unit"`
	Ref          string `yaml:"ref" toml:"ref"`
	Decimals     uint8  `yaml:"decimals" toml:"decimals"`
	UnitDecimals uint8  `yaml:"unit_decimals" toml:"unit_decimals"`
}

// AuthConfig configures JWT bearer authentication.
type AuthConfig struct {
	Disabled   bool     `yaml:"disabled" toml:"disabled"`
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	AdminScope string   `yaml:"admin_scope" toml:"admin_scope"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimit bounds requests per client for a route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// EventsConfig configures the notification archive and stream.
type EventsConfig struct {
	// ArchiveDSN is a sqlite DSN. Empty stores the archive under DataDir.
	ArchiveDSN   string `yaml:"archive_dsn" toml:"archive_dsn"`
	StreamBuffer int    `yaml:"stream_buffer" toml:"stream_buffer"`
}

// Genesis seeds the in-process ledgers on first start.
type Genesis struct {
	Native []Balance      `yaml:"native" toml:"native"`
	Tokens []TokenBalance `yaml:"tokens" toml:"tokens"`
	Assets []Asset        `yaml:"assets" toml:"assets"`
}

// Balance credits amount native base units to account.
type Balance struct {
	Account string `yaml:"account" toml:"account"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// TokenBalance credits amount of token to account.
type TokenBalance struct {
	Token   string `yaml:"token" toml:"token"`
	Account string `yaml:"account" toml:"account"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// Asset mints one unique asset to owner.
type Asset struct {
	Collection string `yaml:"collection" toml:"collection"`
	ID         string `yaml:"id" toml:"id"`
	Owner      string `yaml:"owner" toml:"owner"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/data/auctiond"
	}
	if cfg.StateBackend == "" {
		cfg.StateBackend = "leveldb"
	}
	if cfg.EngineCacheSize <= 0 {
		cfg.EngineCacheSize = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB <= 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups <= 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays <= 0 {
			cfg.Log.MaxAgeDays = 28
		}
	}
	if cfg.Oracle.QuoteValidity.Duration == 0 {
		cfg.Oracle.QuoteValidity.Duration = time.Hour
	}
	if cfg.Oracle.HealthBound.Duration == 0 {
		cfg.Oracle.HealthBound.Duration = 2 * time.Hour
	}
	if cfg.Oracle.CheckInterval.Duration == 0 {
		cfg.Oracle.CheckInterval.Duration = time.Minute
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "auction:admin"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimit{}
	}
	if _, ok := cfg.RateLimits["write"]; !ok {
		cfg.RateLimits["write"] = RateLimit{RequestsPerMinute: 120, Burst: 20}
	}
	if cfg.Events.ArchiveDSN == "" {
		cfg.Events.ArchiveDSN = "file:" + filepath.Join(cfg.DataDir, "events.sqlite")
	}
	if cfg.Events.StreamBuffer <= 0 {
		cfg.Events.StreamBuffer = 64
	}
}

func validate(cfg Config) error {
	if !cfg.Auth.Disabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured unless auth is disabled")
	}
	if cfg.Oracle.HealthBound.Duration < cfg.Oracle.QuoteValidity.Duration {
		return fmt.Errorf("oracle.health_bound must not be shorter than oracle.quote_validity")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	switch cfg.StateBackend {
	case "leveldb", "bolt":
	default:
		return fmt.Errorf("state_backend must be leveldb or bolt, got %q", cfg.StateBackend)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Oracle.Feeds))
	refs := make(map[string]string, len(cfg.Oracle.Feeds))
	for i, feed := range cfg.Oracle.Feeds {
		unit, err := types.ParsePaymentUnit(feed.Unit)
		if err != nil {
			return fmt.Errorf("oracle.feeds[%d].unit: %w", i, err)
		}
		if strings.TrimSpace(feed.Ref) == "" {
			return fmt.Errorf("oracle.feeds[%d].ref must be set", i)
		}
		if cfg.Oracle.RPCURL != "" && !common.IsHexAddress(feed.Ref) {
			return fmt.Errorf("oracle.feeds[%d].ref must be an aggregator address", i)
		}
		if _, dup := seen[unit.Key()]; dup {
			return fmt.Errorf("oracle.feeds[%d]: duplicate feed for %s", i, unit.Key())
		}
		seen[unit.Key()] = struct{}{}
		// One feed may price several units, but two spellings of one name
		// are a typo.
		raw := strings.TrimSpace(feed.Ref)
		ref := oracle.NormalizeRef(raw)
		if prev, dup := refs[ref]; dup && prev != raw {
			return fmt.Errorf("oracle.feeds[%d].ref %q is a variant of %q", i, feed.Ref, prev)
		}
		refs[ref] = raw
	}
	for i, admin := range cfg.Admins {
		if !common.IsHexAddress(admin) {
			return fmt.Errorf("admins[%d]: invalid address %q", i, admin)
		}
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", name)
		}
	}
	return validateGenesis(cfg.Genesis)
}

func validateGenesis(g Genesis) error {
	var errs []error
	for i, bal := range g.Native {
		if !common.IsHexAddress(bal.Account) {
			errs = append(errs, fmt.Errorf("genesis.native[%d]: invalid account", i))
		}
		if _, err := ParseAmount(bal.Amount); err != nil {
			errs = append(errs, fmt.Errorf("genesis.native[%d]: %w", i, err))
		}
	}
	for i, bal := range g.Tokens {
		if !common.IsHexAddress(bal.Token) || !common.IsHexAddress(bal.Account) {
			errs = append(errs, fmt.Errorf("genesis.tokens[%d]: invalid address", i))
		}
		if _, err := ParseAmount(bal.Amount); err != nil {
			errs = append(errs, fmt.Errorf("genesis.tokens[%d]: %w", i, err))
		}
	}
	for i, asset := range g.Assets {
		if !common.IsHexAddress(asset.Collection) || !common.IsHexAddress(asset.Owner) {
			errs = append(errs, fmt.Errorf("genesis.assets[%d]: invalid address", i))
		}
		if _, err := ParseAmount(asset.ID); err != nil {
			errs = append(errs, fmt.Errorf("genesis.assets[%d].id: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", raw)
	}
	return value, nil
}
