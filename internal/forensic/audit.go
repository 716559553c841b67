package forensic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerguard/ledgerguard/internal/anomaly"
	"github.com/ledgerguard/ledgerguard/internal/benford"
	"github.com/ledgerguard/ledgerguard/internal/config"
	"github.com/ledgerguard/ledgerguard/internal/feeds"
	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/matching"
	"github.com/ledgerguard/ledgerguard/internal/metrics"
)

// Status is the overall audit outcome.
type Status string

const (
	StatusPass     Status = "PASS"
	StatusWarning  Status = "WARNING"
	StatusFail     Status = "FAIL"
	StatusCritical Status = "CRITICAL"
)

// IntegrityBreach is the headline of a CRITICAL verdict.
const IntegrityBreach = "LEDGER INTEGRITY BREACH"

// Stage names, in execution order.
const (
	StageIntegrity = "integrity"
	StageThreeWay  = "three_way_match"
	StageBenford   = "benford"
	StageAnomalies = "anomalies"
	StageGaps      = "gaps"
)

// StageStatus reports how a stage ended.
type StageStatus string

const (
	StageCompleted          StageStatus = "completed"
	StageUnavailable        StageStatus = "unavailable"
	StageInsufficientSample StageStatus = "insufficient_sample"
)

// Stage records one analyzer run inside a full audit.
type Stage struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
	Notes    []string    `json:"notes,omitempty"`
	Duration string      `json:"duration"`
}

// Snapshot pins what a full audit looked at.
type Snapshot struct {
	AsOf    time.Time `json:"as_of"`
	HeadSeq uint64    `json:"head_sequence"`
	Entries int       `json:"ledger_entries"`
}

// ThreeWayResult is the three-way stage output.
type ThreeWayResult struct {
	Summary matching.Summary       `json:"summary"`
	Triples []matching.MatchTriple `json:"triples"`
}

// Verdict is the aggregated outcome of a full audit.
type Verdict struct {
	RunID       string                     `json:"run_id"`
	EntityID    string                     `json:"entity_id"`
	Period      feeds.Period               `json:"period"`
	Snapshot    Snapshot                   `json:"snapshot"`
	Status      Status                     `json:"status"`
	Headline    string                     `json:"headline"`
	RiskFactors []string                   `json:"risk_factors"`
	Stages      []Stage                    `json:"stages"`
	Integrity   *ledger.VerificationResult `json:"integrity,omitempty"`
	ThreeWay    *ThreeWayResult            `json:"three_way,omitempty"`
	Benford     *benford.Result            `json:"benford,omitempty"`
	Anomalies   *anomaly.Result            `json:"anomalies,omitempty"`
	Gaps        *gap.Report                `json:"gaps,omitempty"`
	CompletedAt time.Time                  `json:"completed_at"`
}

// Stage returns the named stage record (zero if it did not run).
func (v *Verdict) Stage(name string) Stage {
	for _, s := range v.Stages {
		if s.Name == name {
			return s
		}
	}
	return Stage{Name: name}
}

// RunFullAudit runs every analyzer over one snapshot of the entity: the
// ledger head and the clock are captured first, and records dated after
// that instant are left out. Cancellation is checked between stages.
//
// Feed failures mark the affected stage unavailable instead of aborting;
// only ledger read failures and cancellation return an error.
func (a *Auditor) RunFullAudit(ctx context.Context, entityID string, p feeds.Period) (Verdict, error) {
	an, err := a.analysis(entityID)
	if err != nil {
		return Verdict{}, err
	}

	asOf := a.now().UTC()
	head, err := a.ledger.Head(ctx, entityID)
	if err != nil {
		return Verdict{}, fmt.Errorf("capturing ledger head for %s: %w", entityID, err)
	}

	v := Verdict{
		RunID:    uuid.NewString(),
		EntityID: entityID,
		Period:   p,
		Snapshot: Snapshot{AsOf: asOf},
	}
	if head != nil {
		v.Snapshot.HeadSeq = head.Seq
		v.Snapshot.Entries = int(head.Seq) + 1
	}
	slog.Info("full audit started", "run", v.RunID, "entity", entityID, "head_seq", v.Snapshot.HeadSeq, "as_of", asOf)

	run := func(name string, fn func() (StageStatus, []string, error)) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("audit cancelled before %s: %w", name, err)
		}
		start := time.Now()
		status, notes, err := fn()
		st := Stage{Name: name, Status: status, Notes: notes, Duration: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			st.Error = err.Error()
			slog.Warn("audit stage unavailable", "run", v.RunID, "stage", name, "error", err)
		}
		v.Stages = append(v.Stages, st)
		return nil
	}

	// Integrity failures to read the ledger abort the run: an audit that
	// cannot vouch for the chain has no verdict.
	var integrityErr error
	if err := run(StageIntegrity, func() (StageStatus, []string, error) {
		if head == nil {
			v.Integrity = &ledger.VerificationResult{EntityID: entityID, Verified: true}
			return StageCompleted, []string{"ledger is empty"}, nil
		}
		res, err := a.ledger.VerifyRange(ctx, entityID, 0, head.Seq)
		if err != nil {
			integrityErr = err
			return StageUnavailable, nil, err
		}
		v.Integrity = &res
		return StageCompleted, nil, nil
	}); err != nil {
		return Verdict{}, err
	}
	if integrityErr != nil {
		return Verdict{}, fmt.Errorf("verifying chain: %w", integrityErr)
	}

	if err := run(StageThreeWay, func() (StageStatus, []string, error) {
		res, notes, err := a.threeWay(ctx, an, entityID, p, asOf)
		if err != nil {
			return StageUnavailable, nil, err
		}
		v.ThreeWay = &res
		return StageCompleted, notes, nil
	}); err != nil {
		return Verdict{}, err
	}

	// One population snapshot feeds both distribution analyzers.
	pop, popErr := a.population(ctx, entityID, p, asOf, an.Audit.ExcludeCategories)

	if err := run(StageBenford, func() (StageStatus, []string, error) {
		if popErr != nil {
			return StageUnavailable, nil, popErr
		}
		res, err := benford.NewAnalyzer(an.Benford).Analyze(ctx, amounts(pop), benford.FirstDigit)
		if errors.Is(err, benford.ErrInsufficientSample) {
			return StageInsufficientSample, []string{err.Error()}, nil
		}
		if err != nil {
			return StageUnavailable, nil, err
		}
		v.Benford = &res
		return StageCompleted, nil, nil
	}); err != nil {
		return Verdict{}, err
	}

	if err := run(StageAnomalies, func() (StageStatus, []string, error) {
		if popErr != nil {
			return StageUnavailable, nil, popErr
		}
		res, err := a.detect(ctx, an, pop, "", 0)
		if err != nil {
			return StageUnavailable, nil, err
		}
		v.Anomalies = &res
		return StageCompleted, nil, nil
	}); err != nil {
		return Verdict{}, err
	}

	if err := run(StageGaps, func() (StageStatus, []string, error) {
		res, err := a.gaps(ctx, an, entityID, p, asOf)
		if err != nil {
			return StageUnavailable, nil, err
		}
		v.Gaps = &res
		return StageCompleted, nil, nil
	}); err != nil {
		return Verdict{}, err
	}

	v.aggregate(an.Audit)
	v.CompletedAt = a.now().UTC()
	metrics.AuditVerdicts.WithLabelValues(string(v.Status)).Inc()

	if v.Status == StatusCritical {
		slog.Error("full audit: "+IntegrityBreach, "run", v.RunID, "entity", entityID,
			"hash_mismatch", v.Integrity.Count(ledger.KindHashMismatch),
			"broken_chain", v.Integrity.Count(ledger.KindBrokenChain))
	} else {
		slog.Info("full audit completed", "run", v.RunID, "entity", entityID, "status", v.Status, "risk_factors", len(v.RiskFactors))
	}
	return v, nil
}

// threeWay matches every supplier invoice of the entity in the period that
// references a PO. Triples whose documents disagree are noted and skipped.
func (a *Auditor) threeWay(ctx context.Context, an config.Analysis, entityID string, p feeds.Period, asOf time.Time) (ThreeWayResult, []string, error) {
	if a.feeds.Procurement == nil {
		return ThreeWayResult{}, nil, fmt.Errorf("procurement: %w", ErrFeedUnavailable)
	}
	invs, err := a.feeds.Procurement.SupplierInvoices(ctx, entityID, p)
	if err != nil {
		return ThreeWayResult{}, nil, fmt.Errorf("loading supplier invoices: %w", err)
	}

	m := matching.NewMatcher(an.Matching.Tolerances)
	var res ThreeWayResult
	var notes []string
	for _, inv := range invs {
		if inv.Date.After(asOf) {
			continue
		}
		if inv.POID == "" {
			notes = append(notes, fmt.Sprintf("invoice %s references no purchase order", inv.ID))
			continue
		}
		po, err := a.feeds.Procurement.PurchaseOrder(ctx, inv.POID)
		if errors.Is(err, feeds.ErrNotFound) {
			notes = append(notes, fmt.Sprintf("invoice %s: purchase order %s not found", inv.ID, inv.POID))
			continue
		}
		if err != nil {
			return ThreeWayResult{}, nil, fmt.Errorf("loading purchase order %s: %w", inv.POID, err)
		}
		t, err := a.match(ctx, m, po, inv)
		if errors.Is(err, matching.ErrInconsistentSourceData) {
			notes = append(notes, err.Error())
			continue
		}
		if err != nil {
			return ThreeWayResult{}, nil, err
		}
		res.Triples = append(res.Triples, t)
	}
	res.Summary = matching.Summarize(res.Triples, an.Matching.Risk)
	return res, notes, nil
}

// aggregate sets Status, Headline and RiskFactors. Tampering evidence
// dominates everything else.
func (v *Verdict) aggregate(cfg config.AuditConfig) {
	if v.Integrity != nil && v.Integrity.Breached() {
		v.Status = StatusCritical
		v.Headline = IntegrityBreach
		v.RiskFactors = []string{fmt.Sprintf("%d hash mismatches, %d broken links",
			v.Integrity.Count(ledger.KindHashMismatch), v.Integrity.Count(ledger.KindBrokenChain))}
		return
	}

	if v.Benford != nil && v.Benford.Conformity == benford.Nonconforming {
		v.RiskFactors = append(v.RiskFactors, fmt.Sprintf("digit distribution nonconforming (MAD %.4f)", v.Benford.MAD))
	}
	if v.Anomalies != nil && v.Anomalies.HighRisk() > cfg.MaxHighRiskAnomalies {
		v.RiskFactors = append(v.RiskFactors, fmt.Sprintf("%d critical or extreme anomalies (limit %d)", v.Anomalies.HighRisk(), cfg.MaxHighRiskAnomalies))
	}
	if v.Gaps != nil && v.Gaps.RiskLevel == gap.RiskNonCompliant {
		v.RiskFactors = append(v.RiskFactors, fmt.Sprintf("registration compliance %.1f%%", v.Gaps.ComplianceRate))
	}
	if v.ThreeWay != nil && v.ThreeWay.Summary.RiskLevel == matching.RiskHigh {
		v.RiskFactors = append(v.RiskFactors, fmt.Sprintf("three-way discrepancy rate %.1f%%", v.ThreeWay.Summary.DiscrepancyRate))
	}

	switch n := len(v.RiskFactors); {
	case n == 0:
		v.Status = StatusPass
		v.Headline = "no risk factors"
	case n <= 2:
		v.Status = StatusWarning
		v.Headline = fmt.Sprintf("%d risk factor(s)", n)
	default:
		v.Status = StatusFail
		v.Headline = fmt.Sprintf("%d risk factors", n)
	}
	if v.Integrity != nil && !v.Integrity.Verified {
		v.Headline += fmt.Sprintf("; %d non-tamper ledger discrepancies", len(v.Integrity.Discrepancies))
	}
}
