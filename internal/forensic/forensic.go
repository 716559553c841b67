// Package forensic is the entry point callers use: it wraps the ledger and
// the analyzers behind one Auditor and runs the full forensic audit.
package forensic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/ledgerguard/ledgerguard/internal/anomaly"
	"github.com/ledgerguard/ledgerguard/internal/benford"
	"github.com/ledgerguard/ledgerguard/internal/config"
	"github.com/ledgerguard/ledgerguard/internal/feeds"
	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/matching"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// ErrNotFound is returned when a requested PO or invoice does not exist.
var ErrNotFound = feeds.ErrNotFound

// ErrFeedUnavailable is returned when an operation needs a feed that was
// not configured.
var ErrFeedUnavailable = errors.New("feed not configured")

// Feeds groups the read-only sources the analyzers consume. Any of them
// may be nil; operations that need a missing feed fail with
// ErrFeedUnavailable.
type Feeds struct {
	Transactions feeds.TransactionFeed
	Invoices     feeds.InvoiceFeed
	Procurement  feeds.ProcurementFeed
}

// Options configures an Auditor.
type Options struct {
	Feeds Feeds
	// StatusLookup, when set, is consulted by the gap analyzer.
	StatusLookup gap.StatusLookup
	// Config supplies thresholds; nil uses the defaults.
	Config *config.Config
	Now    func() time.Time
}

// Auditor exposes ledger writes, verification and every analysis.
type Auditor struct {
	ledger *ledger.Ledger
	feeds  Feeds
	lookup gap.StatusLookup
	now    func() time.Time

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates an Auditor over l.
func New(l *ledger.Ledger, opts Options) *Auditor {
	a := &Auditor{
		ledger: l,
		feeds:  opts.Feeds,
		lookup: opts.StatusLookup,
		now:    opts.Now,
		cfg:    opts.Config,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.cfg == nil {
		a.cfg = config.Default()
	}
	return a
}

// SetConfig swaps the thresholds used by subsequent calls. Runs already in
// progress keep the config they started with.
func (a *Auditor) SetConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

// Ledger returns the underlying ledger.
func (a *Auditor) Ledger() *ledger.Ledger { return a.ledger }

func (a *Auditor) analysis(entityID string) (config.Analysis, error) {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()
	return cfg.ForEntity(entityID)
}

// AppendLedgerEntry records one movement. This is the only write path into
// the ledger.
func (a *Auditor) AppendLedgerEntry(ctx context.Context, req ledger.AppendRequest) (ledger.Entry, error) {
	return a.ledger.Append(ctx, req)
}

// VerifyChain checks the entity's whole chain as of the call.
func (a *Auditor) VerifyChain(ctx context.Context, entityID string) (ledger.VerificationResult, error) {
	return a.ledger.Verify(ctx, entityID, 0)
}

// MatchThreeWay reconciles one supplier invoice against its PO and every
// GRN recorded for that PO.
func (a *Auditor) MatchThreeWay(ctx context.Context, poID, invoiceID string) (matching.MatchTriple, error) {
	if a.feeds.Procurement == nil {
		return matching.MatchTriple{}, fmt.Errorf("procurement: %w", ErrFeedUnavailable)
	}
	inv, err := a.feeds.Procurement.SupplierInvoice(ctx, invoiceID)
	if err != nil {
		return matching.MatchTriple{}, fmt.Errorf("loading invoice: %w", err)
	}
	if poID == "" {
		poID = inv.POID
	}
	po, err := a.feeds.Procurement.PurchaseOrder(ctx, poID)
	if err != nil {
		return matching.MatchTriple{}, fmt.Errorf("loading purchase order: %w", err)
	}
	an, err := a.analysis(po.EntityID)
	if err != nil {
		return matching.MatchTriple{}, err
	}
	return a.match(ctx, matching.NewMatcher(an.Matching.Tolerances), po, inv)
}

func (a *Auditor) match(ctx context.Context, m *matching.Matcher, po matching.PurchaseOrder, inv matching.Invoice) (matching.MatchTriple, error) {
	grns, err := a.feeds.Procurement.GoodsReceipts(ctx, po.ID)
	if err != nil {
		return matching.MatchTriple{}, fmt.Errorf("loading goods receipts for %s: %w", po.ID, err)
	}
	return m.Match(po, grns, inv)
}

// AnalyzeBenford tests the entity's transaction amounts in the period.
func (a *Auditor) AnalyzeBenford(ctx context.Context, entityID string, p feeds.Period, pos benford.Position) (benford.Result, error) {
	an, err := a.analysis(entityID)
	if err != nil {
		return benford.Result{}, err
	}
	pop, err := a.population(ctx, entityID, p, a.now(), an.Audit.ExcludeCategories)
	if err != nil {
		return benford.Result{}, err
	}
	return benford.NewAnalyzer(an.Benford).Analyze(ctx, amounts(pop), pos)
}

// DetectAnomalies Z-scores the entity's transaction amounts in the period.
// An empty groupBy or zero threshold uses the configured default.
func (a *Auditor) DetectAnomalies(ctx context.Context, entityID string, p feeds.Period, groupBy anomaly.GroupBy, threshold float64) (anomaly.Result, error) {
	an, err := a.analysis(entityID)
	if err != nil {
		return anomaly.Result{}, err
	}
	pop, err := a.population(ctx, entityID, p, a.now(), an.Audit.ExcludeCategories)
	if err != nil {
		return anomaly.Result{}, err
	}
	return a.detect(ctx, an, pop, groupBy, threshold)
}

func (a *Auditor) detect(ctx context.Context, an config.Analysis, pop []anomaly.Sample, groupBy anomaly.GroupBy, threshold float64) (anomaly.Result, error) {
	if groupBy == "" {
		g, err := anomaly.ParseGroupBy(an.Anomaly.GroupBy)
		if err != nil {
			return anomaly.Result{}, err
		}
		groupBy = g
	}
	if threshold <= 0 {
		threshold = an.Anomaly.Threshold
	}
	return anomaly.NewDetector(an.Anomaly.Bands).Detect(ctx, pop, anomaly.Options{Threshold: threshold, GroupBy: groupBy})
}

// AnalyzeGaps classifies the entity's invoices in the period by external
// registration status.
func (a *Auditor) AnalyzeGaps(ctx context.Context, entityID string, p feeds.Period) (gap.Report, error) {
	an, err := a.analysis(entityID)
	if err != nil {
		return gap.Report{}, err
	}
	return a.gaps(ctx, an, entityID, p, a.now())
}

func (a *Auditor) gaps(ctx context.Context, an config.Analysis, entityID string, p feeds.Period, asOf time.Time) (gap.Report, error) {
	if a.feeds.Invoices == nil {
		return gap.Report{}, fmt.Errorf("invoices: %w", ErrFeedUnavailable)
	}
	invs, err := a.feeds.Invoices.Invoices(ctx, entityID, p)
	if err != nil {
		return gap.Report{}, fmt.Errorf("loading invoices: %w", err)
	}
	w := gap.Window{From: p.From, To: p.To, AsOf: asOf}
	if w.To.IsZero() || w.To.After(asOf) {
		w.To = asOf
	}
	return gap.NewAnalyzer(an.Gaps, a.lookup).Analyze(ctx, invs, w)
}

// population reads the entity's transactions once, drops records dated
// after asOf and categories matching an exclusion glob.
func (a *Auditor) population(ctx context.Context, entityID string, p feeds.Period, asOf time.Time, exclude []string) ([]anomaly.Sample, error) {
	if a.feeds.Transactions == nil {
		return nil, fmt.Errorf("transactions: %w", ErrFeedUnavailable)
	}
	globs := make([]glob.Glob, 0, len(exclude))
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling exclusion %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	txs, err := a.feeds.Transactions.Transactions(ctx, entityID, p)
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}

	pop := make([]anomaly.Sample, 0, len(txs))
	excluded := 0
	for _, t := range txs {
		if t.Date.After(asOf) {
			continue
		}
		if matchesAny(globs, t.Category) {
			excluded++
			continue
		}
		pop = append(pop, anomaly.Sample{ID: t.ID, Amount: t.Amount, Category: t.Category})
	}
	if excluded > 0 {
		slog.Debug("population categories excluded", "entity", entityID, "excluded", excluded)
	}
	return pop, nil
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func amounts(pop []anomaly.Sample) []money.Amount {
	out := make([]money.Amount, len(pop))
	for i, s := range pop {
		out[i] = s.Amount
	}
	return out
}
