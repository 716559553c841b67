// Package main is the CLI entry point for LedgerGuard: a tamper-evident
// per-entity ledger with forensic analyzers on top.
//
//	Source records (YAML feeds) ----+
//	                                |-- three-way match
//	Ledger appends --> hash chain --+-- Benford / Z-score
//	                       |        |-- registration gaps
//	                       |        +-- full audit verdict
//	                       +-- Kafka (ledger.entry_appended)
//
// CLI commands (cobra):
//
//	ledgerguard append     - Append one entry to an entity's chain
//	ledgerguard entries    - List an entity's entries
//	ledgerguard verify     - Verify an entity's hash chain
//	ledgerguard export     - Export an entity's chain (jsonl, json, csv)
//	ledgerguard match      - Three-way match one supplier invoice
//	ledgerguard benford    - Benford digit test over transactions
//	ledgerguard anomalies  - Z-score outliers over transactions
//	ledgerguard gaps       - External registration gap analysis
//	ledgerguard audit      - Full forensic audit
//	ledgerguard serve      - Serve the REST API, live feed and metrics
//	ledgerguard config     - View/generate configuration
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ledgerguard/ledgerguard/internal/api"
	"github.com/ledgerguard/ledgerguard/internal/config"
	"github.com/ledgerguard/ledgerguard/internal/events"
	"github.com/ledgerguard/ledgerguard/internal/events/kafka"
	"github.com/ledgerguard/ledgerguard/internal/feeds"
	"github.com/ledgerguard/ledgerguard/internal/forensic"
	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/ledger/sqlstore"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.ledgerguard/, which holds config.yaml, .env,
// ledger.db and the data/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledgerguard"
	}
	return filepath.Join(home, ".ledgerguard")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	logLevel  string
	logJSON   bool
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "ledgerguard",
	Short: "LedgerGuard: tamper-evident ledger and forensic audit engine",
	Long: `LedgerGuard keeps a SHA-256 hash chain per entity, so any edit to a
committed entry is detectable, and runs forensic analyzers over the
entity's source records: three-way matching, Benford's law, Z-score
anomalies and external registration gaps.

Run 'ledgerguard config generate' to write a starter config, then
'ledgerguard serve' to expose the API.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel, logJSON); err != nil {
			return err
		}
		return config.LoadDotEnv(filepath.Join(configDir, ".env"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to LedgerGuard config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(benfordCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(level string, asJSON bool) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// dataDir resolves the dataset directory, relative paths against the
// config directory.
func dataDir(cfg *config.Config) string {
	dir := cfg.Feeds.DataDir
	if dir == "" {
		return filepath.Join(configDir, "data")
	}
	if !filepath.IsAbs(dir) {
		return filepath.Join(configDir, dir)
	}
	return dir
}

// openAuditor wires storage, event publishing and feeds from cfg. The
// returned close function releases the store and the Kafka writer.
func openAuditor(cfg *config.Config) (*forensic.Auditor, func(), error) {
	var store ledger.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = ledger.NewMemoryStore()
	default:
		dsn := cfg.Storage.DSN
		if cfg.Storage.Driver == "sqlite" && dsn == "" {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
			}
			dsn = filepath.Join(configDir, "ledger.db")
		}
		s, err := sqlstore.Open(cfg.Storage.Driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		store = s
	}

	closers := []func() error{store.Close}
	opts := ledger.Options{Topic: cfg.Events.Topic}
	if cfg.Events.Enabled {
		pub := kafka.NewPublisher(cfg.Events.Brokers)
		opts.Publisher = pub
		closers = append(closers, pub.Close)
		slog.Info("publishing ledger events", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	} else {
		opts.Publisher = events.Discard{}
	}

	src := feeds.NewFileSource(dataDir(cfg))
	fopts := forensic.Options{
		Feeds:  forensic.Feeds{Transactions: src, Invoices: src, Procurement: src},
		Config: cfg,
	}
	if cfg.Feeds.StatusURL != "" {
		fopts.StatusLookup = feeds.NewHTTPStatusLookup(cfg.Feeds.StatusURL, cfg.Analysis.Gaps.LookupTimeout)
	}

	auditor := forensic.New(ledger.New(store, opts), fopts)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("close failed", "error", err)
			}
		}
	}
	return auditor, closeAll, nil
}

// withAuditor loads config, opens the auditor and runs fn.
func withAuditor(fn func(*forensic.Auditor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, closeFn, err := openAuditor(cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// periodFlags binds --from/--to on cmd.
type periodFlags struct {
	from, to string
}

func (p *periodFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.from, "from", "", "Period start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&p.to, "to", "", "Period end, inclusive (YYYY-MM-DD or RFC 3339)")
}

func (p *periodFlags) period() (feeds.Period, error) {
	var out feeds.Period
	if p.from != "" {
		t, err := api.ParseTime(p.from, false)
		if err != nil {
			return out, fmt.Errorf("invalid --from: %w", err)
		}
		out.From = t
	}
	if p.to != "" {
		t, err := api.ParseTime(p.to, true)
		if err != nil {
			return out, fmt.Errorf("invalid --to: %w", err)
		}
		out.To = t
	}
	return out, nil
}

// ============================================================================
// ledgerguard config: configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and generate configuration",
	Long: `Manage the LedgerGuard configuration. The config file lives at
~/.ledgerguard/config.yaml and defines the API bind address, ledger
storage, Kafka publishing, the dataset directory and analyzer thresholds.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (file, env and defaults merged)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "No config file at %s; showing defaults.\n", configPath())
		}
		if err := config.Encode(os.Stdout, cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return nil
	},
}

var configForce bool

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		if err := os.MkdirAll(filepath.Join(configDir, "data"), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[ledgerguard] Wrote %s\n", path)
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.yaml")
}
