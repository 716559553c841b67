// Package config handles loading, validating, and writing the LedgerGuard
// configuration from ~/.ledgerguard/config.yaml.
//
// The config defines:
//   - API bind address (host:port)
//   - Ledger storage backend (sqlite, postgres or memory)
//   - Kafka event publishing for appended entries
//   - Source dataset directory and the external registration endpoint
//   - Analyzer thresholds, with optional per-entity overrides
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ledgerguard/ledgerguard/internal/anomaly"
	"github.com/ledgerguard/ledgerguard/internal/benford"
	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/matching"
)

// Environment variables that override the file.
const (
	EnvDSN          = "LEDGERGUARD_DSN"
	EnvDriver       = "LEDGERGUARD_STORAGE_DRIVER"
	EnvKafkaBrokers = "LEDGERGUARD_KAFKA_BROKERS"
	EnvStatusURL    = "LEDGERGUARD_STATUS_URL"
)

// Config is the top-level LedgerGuard configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Storage  StorageConfig        `yaml:"storage"`
	Events   EventsConfig         `yaml:"events"`
	Feeds    FeedsConfig          `yaml:"feeds"`
	Analysis Analysis             `yaml:"analysis"`
	Entities map[string]yaml.Node `yaml:"entities,omitempty"`
}

// ServerConfig defines where the API listens.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the ledger backend. An empty sqlite DSN means
// ledger.db in the config directory.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EventsConfig controls publishing of appended entries to Kafka.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// FeedsConfig locates the source records. An empty DataDir means data/ in
// the config directory; an empty StatusURL disables registration lookups.
type FeedsConfig struct {
	DataDir   string `yaml:"data_dir"`
	StatusURL string `yaml:"status_url"`
}

// Analysis holds every analyzer threshold. It is the block that per-entity
// overrides are decoded onto.
type Analysis struct {
	Matching MatchingConfig `yaml:"matching"`
	Benford  benford.Config `yaml:"benford"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Gaps     gap.Config     `yaml:"gaps"`
	Audit    AuditConfig    `yaml:"audit"`
}

// MatchingConfig holds three-way match tolerances and the risk grading of
// the discrepancy rate.
type MatchingConfig struct {
	Tolerances matching.Tolerances     `yaml:",inline"`
	Risk       matching.RiskThresholds `yaml:"risk"`
}

// AnomalyConfig holds the Z-score defaults.
type AnomalyConfig struct {
	Threshold float64       `yaml:"threshold"`
	GroupBy   string        `yaml:"group_by"`
	Bands     anomaly.Bands `yaml:"bands"`
}

// AuditConfig tunes the full audit.
type AuditConfig struct {
	MaxHighRiskAnomalies int      `yaml:"max_high_risk_anomalies"`
	ExcludeCategories    []string `yaml:"exclude_categories"`
}

// Load reads and parses config.yaml from the given path, then applies
// environment overrides. If the file doesn't exist, returns defaults (not
// an error).
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from a .env file into the process
// environment. A missing file is not an error; variables already set win.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ForEntity returns the analysis thresholds for one entity: the global
// block with the entity's override, if any, decoded on top.
func (c *Config) ForEntity(entityID string) (Analysis, error) {
	a := c.Analysis.clone()
	node, ok := c.Entities[entityID]
	if !ok {
		return a, nil
	}
	if err := node.Decode(&a); err != nil {
		return Analysis{}, fmt.Errorf("entity %q override: %w", entityID, err)
	}
	return a, nil
}

// Addr returns host:port for the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (a Analysis) clone() Analysis {
	a.Gaps.ReportingTypes = append([]string(nil), a.Gaps.ReportingTypes...)
	a.Audit.ExcludeCategories = append([]string(nil), a.Audit.ExcludeCategories...)
	return a
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// WriteDefault writes a default config.yaml with all fields populated and a
// comment header. Used by `ledgerguard config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# LedgerGuard configuration
#
# server:      API bind address for ` + "`ledgerguard serve`" + `
# storage:     driver sqlite|postgres|memory; dsn (sqlite default: <config dir>/ledger.db)
# events:      publish appended entries to Kafka (brokers, topic)
# feeds:       data_dir with transactions.yaml, invoices.yaml, procurement.yaml;
#              status_url of the external registration authority (optional)
# analysis:    matching tolerances, Benford MAD bands, Z-score bands,
#              gap grace period and reporting threshold, audit settings
# entities:    per-entity overrides of the analysis block, e.g.
#
#   entities:
#     acme:
#       matching:
#         quantity_tolerance_pct: 5
#       audit:
#         exclude_categories: ["payroll*"]
#
# Environment (also read from .env): LEDGERGUARD_DSN, LEDGERGUARD_STORAGE_DRIVER,
# LEDGERGUARD_KAFKA_BROKERS (comma separated), LEDGERGUARD_STATUS_URL.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// Default returns the built-in configuration without reading any file or
// environment.
func Default() *Config {
	return applyDefaults()
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Events: EventsConfig{
			Topic: "ledger.entry_appended",
		},
		Analysis: Analysis{
			Matching: MatchingConfig{
				Tolerances: matching.DefaultTolerances(),
				Risk:       matching.DefaultRiskThresholds(),
			},
			Benford: benford.DefaultConfig(),
			Anomaly: AnomalyConfig{
				Threshold: 2,
				GroupBy:   "none",
				Bands:     anomaly.DefaultBands(),
			},
			Gaps: gap.DefaultConfig(),
			Audit: AuditConfig{
				MaxHighRiskAnomalies: 5,
			},
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDriver); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv(EnvDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		cfg.Events.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Events.Brokers = append(cfg.Events.Brokers, b)
			}
		}
		cfg.Events.Enabled = len(cfg.Events.Brokers) > 0
	}
	if v := os.Getenv(EnvStatusURL); v != "" {
		cfg.Feeds.StatusURL = v
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q must be sqlite, postgres or memory", cfg.Storage.Driver)
	}

	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required when events are enabled")
		}
		if cfg.Events.Topic == "" {
			return fmt.Errorf("events.topic must not be empty")
		}
	}

	if err := validateAnalysis(cfg.Analysis); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	for id := range cfg.Entities {
		a, err := cfg.ForEntity(id)
		if err != nil {
			return err
		}
		if err := validateAnalysis(a); err != nil {
			return fmt.Errorf("entities.%s: %w", id, err)
		}
	}
	return nil
}

func validateAnalysis(a Analysis) error {
	t := a.Matching.Tolerances
	if t.QuantityPct < 0 || t.PricePct < 0 || t.Amount < 0 {
		return fmt.Errorf("matching tolerances must be non-negative")
	}
	if a.Matching.Risk.MediumPct > a.Matching.Risk.HighPct {
		return fmt.Errorf("matching.risk.medium_pct %v exceeds high_pct %v", a.Matching.Risk.MediumPct, a.Matching.Risk.HighPct)
	}

	m := a.Benford.MAD
	if !(m.Close > 0 && m.Close <= m.Acceptable && m.Acceptable <= m.Marginal) {
		return fmt.Errorf("benford.mad bands must be positive and ascending")
	}
	if a.Benford.MinSampleSize < 1 {
		return fmt.Errorf("benford.min_sample_size must be at least 1")
	}

	b := a.Anomaly.Bands
	if !(b.Warning > 0 && b.Warning <= b.Critical && b.Critical <= b.Extreme) {
		return fmt.Errorf("anomaly.bands must be positive and ascending")
	}
	if a.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly.threshold must be non-negative")
	}
	if _, err := anomaly.ParseGroupBy(a.Anomaly.GroupBy); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}

	if a.Gaps.GraceDays < 0 {
		return fmt.Errorf("gaps.grace_days must be non-negative")
	}
	if a.Gaps.ReportingThreshold < 0 {
		return fmt.Errorf("gaps.reporting_threshold must be non-negative")
	}

	if a.Audit.MaxHighRiskAnomalies < 0 {
		return fmt.Errorf("audit.max_high_risk_anomalies must be non-negative")
	}
	for _, pattern := range a.Audit.ExcludeCategories {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("audit.exclude_categories %q: %w", pattern, err)
		}
	}
	return nil
}
