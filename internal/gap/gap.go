// Package gap cross-references invoices against their external registration
// status and classifies the ones that are not yet validated.
package gap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerguard/ledgerguard/internal/metrics"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// ValidationStatus is the external authority's view of an invoice.
type ValidationStatus string

const (
	StatusNone      ValidationStatus = ""
	StatusRequested ValidationStatus = "requested"
	StatusPending   ValidationStatus = "pending"
	StatusValidated ValidationStatus = "validated"
)

// Bucket is the classification of one invoice.
type Bucket string

const (
	BucketValidated             Bucket = "validated"
	BucketPendingValidation     Bucket = "pending_validation"
	BucketMissingReference      Bucket = "missing_reference"
	BucketHighValueUnclassified Bucket = "high_value_unclassified"
	BucketWithinGrace           Bucket = "within_grace"
)

// GapBuckets lists the buckets that count as gaps, in report order.
var GapBuckets = []Bucket{BucketMissingReference, BucketPendingValidation, BucketHighValueUnclassified}

// RiskLevel grades the compliance rate.
type RiskLevel string

const (
	RiskCompliant         RiskLevel = "compliant"
	RiskAttentionRequired RiskLevel = "attention_required"
	RiskNonCompliant      RiskLevel = "non_compliant"
)

// Invoice is one locally issued invoice.
type Invoice struct {
	ID               string           `json:"id" yaml:"id"`
	EntityID         string           `json:"entity_id" yaml:"entity_id"`
	Amount           money.Amount     `json:"amount" yaml:"amount"`
	Date             time.Time        `json:"date" yaml:"date"`
	CounterpartyType string           `json:"counterparty_type" yaml:"counterparty_type"`
	ExternalRef      *string          `json:"external_reference" yaml:"external_reference"`
	ValidationStatus ValidationStatus `json:"validation_status" yaml:"validation_status"`
	Classification   string           `json:"classification,omitempty" yaml:"classification"`
	POID             string           `json:"po_id,omitempty" yaml:"po_id"`
}

func (inv Invoice) hasReference() bool {
	return inv.ExternalRef != nil && *inv.ExternalRef != ""
}

// Registration is what a StatusLookup reports for one invoice.
type Registration struct {
	Reference string           `json:"reference"`
	Status    ValidationStatus `json:"status"`
}

// StatusLookup queries the external registration authority.
type StatusLookup interface {
	Lookup(ctx context.Context, invoiceID string) (Registration, error)
}

// Config tunes the analyzer.
type Config struct {
	GraceDays          int           `json:"grace_days" yaml:"grace_days"`
	ReportingThreshold money.Amount  `json:"reporting_threshold" yaml:"reporting_threshold"`
	ReportingTypes     []string      `json:"reporting_types" yaml:"reporting_types"`
	MaxDisplay         int           `json:"max_display" yaml:"max_display"`
	LookupTimeout      time.Duration `json:"lookup_timeout" yaml:"lookup_timeout"`
	LookupConcurrency  int           `json:"lookup_concurrency" yaml:"lookup_concurrency"`
}

// DefaultConfig uses a 14-day grace period and a 50,000.00 B2B reporting
// threshold.
func DefaultConfig() Config {
	return Config{
		GraceDays:          14,
		ReportingThreshold: money.FromMajor(50000),
		ReportingTypes:     []string{"B2B"},
		MaxDisplay:         50,
		LookupTimeout:      5 * time.Second,
		LookupConcurrency:  8,
	}
}

// Window bounds the invoices analyzed. Invoices dated outside [From, To]
// are skipped; a zero bound is open. Ages are measured at AsOf.
type Window struct {
	From time.Time
	To   time.Time
	AsOf time.Time
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Record is the classification of one invoice.
type Record struct {
	InvoiceID        string           `json:"invoice_id"`
	EntityID         string           `json:"entity_id"`
	Amount           money.Amount     `json:"amount"`
	Date             time.Time        `json:"date"`
	AgeDays          int              `json:"age_days"`
	CounterpartyType string           `json:"counterparty_type"`
	Reference        string           `json:"external_reference,omitempty"`
	Status           ValidationStatus `json:"validation_status,omitempty"`
	Bucket           Bucket           `json:"bucket"`
	Reason           string           `json:"reason,omitempty"`
}

// BucketReport lists the records in one gap bucket. Count and Amount cover
// every record; Items is capped at Config.MaxDisplay.
type BucketReport struct {
	Bucket    Bucket       `json:"bucket"`
	Count     int          `json:"count"`
	Amount    money.Amount `json:"amount"`
	Items     []Record     `json:"items"`
	Truncated bool         `json:"truncated"`
}

// Report is the outcome of a gap analysis.
type Report struct {
	AsOf            time.Time      `json:"as_of"`
	Total           int            `json:"total"`
	TotalAmount     money.Amount   `json:"total_amount"`
	Validated       int            `json:"validated"`
	ValidatedAmount money.Amount   `json:"validated_amount"`
	WithinGrace     int            `json:"within_grace"`
	ComplianceRate  float64        `json:"compliance_rate"`
	ValueRate       float64        `json:"value_rate"`
	RiskLevel       RiskLevel      `json:"risk_level"`
	Buckets         []BucketReport `json:"buckets"`
	LookupFailures  int            `json:"lookup_failures"`
}

// Bucket returns the report for b (zero if b is not a gap bucket).
func (r *Report) Bucket(b Bucket) BucketReport {
	for _, br := range r.Buckets {
		if br.Bucket == b {
			return br
		}
	}
	return BucketReport{Bucket: b}
}

// Gaps counts invoices in any gap bucket.
func (r *Report) Gaps() int {
	n := 0
	for _, br := range r.Buckets {
		n += br.Count
	}
	return n
}

// Analyzer classifies invoices.
type Analyzer struct {
	cfg    Config
	lookup StatusLookup
	types  map[string]bool
}

// NewAnalyzer creates an Analyzer. lookup may be nil, in which case the
// reference and status carried on each invoice are used as-is.
func NewAnalyzer(cfg Config, lookup StatusLookup) *Analyzer {
	def := DefaultConfig()
	if cfg.GraceDays < 0 {
		cfg.GraceDays = def.GraceDays
	}
	if cfg.MaxDisplay <= 0 {
		cfg.MaxDisplay = def.MaxDisplay
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = def.LookupConcurrency
	}
	types := make(map[string]bool, len(cfg.ReportingTypes))
	for _, t := range cfg.ReportingTypes {
		types[t] = true
	}
	return &Analyzer{cfg: cfg, lookup: lookup, types: types}
}

// Analyze classifies every invoice in the window into exactly one bucket.
func (a *Analyzer) Analyze(ctx context.Context, invoices []Invoice, w Window) (Report, error) {
	defer metrics.ObserveSince("gaps", time.Now())

	if w.AsOf.IsZero() {
		w.AsOf = time.Now().UTC()
	}

	var in []Invoice
	for _, inv := range invoices {
		if w.contains(inv.Date) {
			in = append(in, inv)
		}
	}

	records := make([]Record, len(in))
	failed := make([]bool, len(in))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.LookupConcurrency)
	for i, inv := range in {
		i, inv := i, inv
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i], failed[i] = a.classify(gctx, inv, w.AsOf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("classifying invoices: %w", err)
	}

	rep := Report{AsOf: w.AsOf, Total: len(records)}
	byBucket := map[Bucket][]Record{}
	for i, r := range records {
		rep.TotalAmount += r.Amount
		if failed[i] {
			rep.LookupFailures++
		}
		switch r.Bucket {
		case BucketValidated:
			rep.Validated++
			rep.ValidatedAmount += r.Amount
		case BucketWithinGrace:
			rep.WithinGrace++
		default:
			byBucket[r.Bucket] = append(byBucket[r.Bucket], r)
		}
	}

	for _, b := range GapBuckets {
		rep.Buckets = append(rep.Buckets, a.bucketReport(b, byBucket[b]))
	}

	rep.ComplianceRate, rep.ValueRate = 100, 100
	if rep.Total > 0 {
		rep.ComplianceRate = float64(rep.Validated) * 100 / float64(rep.Total)
	}
	if rep.TotalAmount != 0 {
		rep.ValueRate = float64(rep.ValidatedAmount) * 100 / float64(rep.TotalAmount)
	}
	rep.RiskLevel = riskFor(rep.ComplianceRate)

	if rep.LookupFailures > 0 {
		slog.Warn("registration lookups failed", "count", rep.LookupFailures)
	}
	return rep, nil
}

// classify places one invoice in its bucket. The second return reports a
// failed lookup, which is classified as pending validation.
func (a *Analyzer) classify(ctx context.Context, inv Invoice, asOf time.Time) (Record, bool) {
	r := Record{
		InvoiceID:        inv.ID,
		EntityID:         inv.EntityID,
		Amount:           inv.Amount,
		Date:             inv.Date,
		AgeDays:          ageDays(inv.Date, asOf),
		CounterpartyType: inv.CounterpartyType,
		Status:           inv.ValidationStatus,
	}
	if inv.hasReference() {
		r.Reference = *inv.ExternalRef
	}

	if a.lookup != nil {
		lctx, cancel := context.WithTimeout(ctx, a.cfg.LookupTimeout)
		reg, err := a.lookup.Lookup(lctx, inv.ID)
		cancel()
		if err != nil {
			slog.Debug("registration lookup failed", "invoice", inv.ID, "error", err)
			r.Bucket = BucketPendingValidation
			r.Reason = "registration lookup failed"
			return r, true
		}
		if reg.Reference != "" {
			r.Reference = reg.Reference
		}
		if reg.Status != StatusNone {
			r.Status = reg.Status
		}
	}

	switch {
	case r.Status == StatusValidated:
		r.Bucket = BucketValidated
	case r.Reference != "" || r.Status == StatusRequested || r.Status == StatusPending:
		r.Bucket = BucketPendingValidation
		r.Reason = "reference not yet confirmed"
	case r.AgeDays > a.cfg.GraceDays:
		r.Bucket = BucketMissingReference
		r.Reason = fmt.Sprintf("no external reference after %d days", r.AgeDays)
	case a.types[inv.CounterpartyType] && inv.Amount.Abs() >= a.cfg.ReportingThreshold && inv.Classification == "":
		r.Bucket = BucketHighValueUnclassified
		r.Reason = fmt.Sprintf("%s amount at or above %s without classification", inv.CounterpartyType, a.cfg.ReportingThreshold)
	default:
		r.Bucket = BucketWithinGrace
	}
	return r, false
}

func (a *Analyzer) bucketReport(b Bucket, recs []Record) BucketReport {
	br := BucketReport{Bucket: b, Count: len(recs)}
	for _, r := range recs {
		br.Amount += r.Amount
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].AgeDays != recs[j].AgeDays {
			return recs[i].AgeDays > recs[j].AgeDays
		}
		return recs[i].InvoiceID < recs[j].InvoiceID
	})
	if len(recs) > a.cfg.MaxDisplay {
		recs = recs[:a.cfg.MaxDisplay]
		br.Truncated = true
	}
	br.Items = append([]Record{}, recs...)
	return br
}

func ageDays(date, asOf time.Time) int {
	if date.After(asOf) {
		return 0
	}
	return int(asOf.Sub(date).Hours() / 24)
}

func riskFor(rate float64) RiskLevel {
	switch {
	case rate >= 95:
		return RiskCompliant
	case rate >= 80:
		return RiskAttentionRequired
	default:
		return RiskNonCompliant
	}
}
