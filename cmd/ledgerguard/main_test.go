package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/config"
	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

func TestDataDir(t *testing.T) {
	configDir = "/etc/lg"
	t.Cleanup(func() { configDir = defaultConfigDir() })

	tests := []struct {
		in   string
		want string
	}{
		{"", "/etc/lg/data"},
		{"feeds", "/etc/lg/feeds"},
		{"/srv/data", "/srv/data"},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Feeds.DataDir = tt.in
		if got := dataDir(cfg); got != tt.want {
			t.Errorf("dataDir(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPeriodFlags(t *testing.T) {
	p := periodFlags{from: "2024-01-01", to: "2024-01-31"}
	got, err := p.period()
	if err != nil {
		t.Fatal(err)
	}
	if !got.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", got.From)
	}
	if !got.Contains(time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC)) {
		t.Error("to should cover the whole last day")
	}

	if _, err := (&periodFlags{from: "jan"}).period(); err == nil {
		t.Error("expected error for invalid --from")
	}
}

func TestOpenAuditor_SQLiteDefault(t *testing.T) {
	configDir = t.TempDir()
	t.Cleanup(func() { configDir = defaultConfigDir() })

	cfg := config.Default()
	a, closeFn, err := openAuditor(cfg)
	if err != nil {
		t.Fatalf("openAuditor: %v", err)
	}

	ctx := context.Background()
	_, err = a.AppendLedgerEntry(ctx, ledger.AppendRequest{
		EntityID:    "acme",
		Type:        ledger.TypeTransaction,
		AccountCode: "1100",
		Debit:       money.MustParse("10.00"),
		CreatedBy:   "test",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	closeFn()

	// Reopen: the chain persisted in <config dir>/ledger.db.
	a, closeFn, err = openAuditor(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer closeFn()
	res, err := a.VerifyChain(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.EntriesChecked != 1 {
		t.Errorf("verified=%v checked=%d, want true/1", res.Verified, res.EntriesChecked)
	}
	if _, err := os.Stat(filepath.Join(configDir, "ledger.db")); err != nil {
		t.Errorf("ledger.db not created: %v", err)
	}
}
