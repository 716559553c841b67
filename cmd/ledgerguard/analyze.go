package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerguard/ledgerguard/internal/anomaly"
	"github.com/ledgerguard/ledgerguard/internal/benford"
	"github.com/ledgerguard/ledgerguard/internal/forensic"
	"github.com/ledgerguard/ledgerguard/internal/gap"
)

// ============================================================================
// ledgerguard match
// ============================================================================

var matchPO, matchInvoice string

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Three-way match a supplier invoice against its PO and GRNs",
	Long: `Reconcile one supplier invoice against the purchase order it references
and every goods receipt recorded for that PO. --po defaults to the PO
named on the invoice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditor(func(a *forensic.Auditor) error {
			t, err := a.MatchThreeWay(cmd.Context(), matchPO, matchInvoice)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(os.Stdout, t)
			}
			fmt.Printf("[ledgerguard] %s vs %s (GRNs %s): %s\n", t.InvoiceID, t.POID, strings.Join(t.GRNIDs, ","), strings.ToUpper(string(t.Status)))
			fmt.Printf("  max qty variance %.2f%%, max price variance %.2f%%, amount variance %s, risk %s\n",
				t.MaxQtyPct, t.MaxPricePct, t.TotalVariance, t.RiskAmount)
			return nil
		})
	},
}

func init() {
	matchCmd.Flags().StringVar(&matchPO, "po", "", "Purchase order ID (default: from invoice)")
	matchCmd.Flags().StringVar(&matchInvoice, "invoice", "", "Supplier invoice ID (required)")
	matchCmd.MarkFlagRequired("invoice")
}

// ============================================================================
// ledgerguard benford / anomalies / gaps
// ============================================================================

var (
	benfordEntity string
	benfordDigit  string
	benfordPeriod periodFlags
)

var benfordCmd = &cobra.Command{
	Use:   "benford",
	Short: "Test transaction amounts against Benford's law",
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := benford.ParsePosition(benfordDigit)
		if err != nil {
			return err
		}
		p, err := benfordPeriod.period()
		if err != nil {
			return err
		}
		return withAuditor(func(a *forensic.Auditor) error {
			res, err := a.AnalyzeBenford(cmd.Context(), benfordEntity, p, pos)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(os.Stdout, res)
			}
			fmt.Printf("[ledgerguard] %s digit, n=%d: MAD %.4f (%s, risk %s), chi-square %.2f / %.2f\n",
				res.Position, res.SampleSize, res.MAD, res.Conformity, res.RiskLevel, res.ChiSquare, res.ChiSquareCritical)
			fmt.Printf("  %-5s %-7s %-9s %-9s\n", "DIGIT", "COUNT", "OBSERVED", "EXPECTED")
			for _, d := range res.Digits {
				fmt.Printf("  %-5d %-7d %-9.4f %-9.4f\n", d.Digit, d.Count, d.Observed, d.Expected)
			}
			return nil
		})
	},
}

func init() {
	benfordCmd.Flags().StringVar(&benfordEntity, "entity", "", "Entity ID (required)")
	benfordCmd.Flags().StringVar(&benfordDigit, "digit", "first", "Digit position: first or second")
	benfordPeriod.bind(benfordCmd)
	benfordCmd.MarkFlagRequired("entity")
}

var (
	anomalyEntity    string
	anomalyGroupBy   string
	anomalyThreshold float64
	anomalyPeriod    periodFlags
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Flag transaction amounts that deviate from their group's baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		var groupBy anomaly.GroupBy
		if anomalyGroupBy != "" {
			g, err := anomaly.ParseGroupBy(anomalyGroupBy)
			if err != nil {
				return err
			}
			groupBy = g
		}
		p, err := anomalyPeriod.period()
		if err != nil {
			return err
		}
		return withAuditor(func(a *forensic.Auditor) error {
			res, err := a.DetectAnomalies(cmd.Context(), anomalyEntity, p, groupBy, anomalyThreshold)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(os.Stdout, res)
			}
			fmt.Printf("[ledgerguard] %d of %d amounts flagged (threshold %.2f, group by %s)\n",
				len(res.Flags), res.Total, res.Threshold, res.GroupBy)
			for _, f := range res.Flags {
				fmt.Printf("  %-8s %-12s %-14s %14s  z=%+.2f  baseline %.2f\n",
					strings.ToUpper(string(f.Severity)), f.ID, f.Group, f.Amount, f.ZScore, f.BaselineMean)
			}
			for _, g := range res.InsufficientVariance {
				fmt.Printf("  group %s not scored: insufficient variance\n", g.Group)
			}
			return nil
		})
	},
}

func init() {
	anomaliesCmd.Flags().StringVar(&anomalyEntity, "entity", "", "Entity ID (required)")
	anomaliesCmd.Flags().StringVar(&anomalyGroupBy, "group-by", "", "Grouping: none or category (default from config)")
	anomaliesCmd.Flags().Float64Var(&anomalyThreshold, "threshold", 0, "Minimum |z| to flag (default from config)")
	anomalyPeriod.bind(anomaliesCmd)
	anomaliesCmd.MarkFlagRequired("entity")
}

var (
	gapsEntity string
	gapsPeriod periodFlags
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Report invoices missing external registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := gapsPeriod.period()
		if err != nil {
			return err
		}
		return withAuditor(func(a *forensic.Auditor) error {
			rep, err := a.AnalyzeGaps(cmd.Context(), gapsEntity, p)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(os.Stdout, rep)
			}
			fmt.Printf("[ledgerguard] %d invoices, %d validated: compliance %.1f%%, value %.1f%% (%s)\n",
				rep.Total, rep.Validated, rep.ComplianceRate, rep.ValueRate, rep.RiskLevel)
			for _, b := range gap.GapBuckets {
				br := rep.Bucket(b)
				fmt.Printf("  %-24s %5d  %14s\n", b, br.Count, br.Amount)
			}
			if rep.LookupFailures > 0 {
				fmt.Printf("  %d registration lookups failed (counted as pending)\n", rep.LookupFailures)
			}
			return nil
		})
	},
}

func init() {
	gapsCmd.Flags().StringVar(&gapsEntity, "entity", "", "Entity ID (required)")
	gapsPeriod.bind(gapsCmd)
	gapsCmd.MarkFlagRequired("entity")
}

// ============================================================================
// ledgerguard audit
// ============================================================================

var (
	auditEntity string
	auditPeriod periodFlags
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the full forensic audit for an entity",
	Long: `Run every analyzer over one snapshot of the entity: chain integrity,
three-way matching, Benford, Z-score anomalies and registration gaps.
Any tampering makes the verdict CRITICAL regardless of other results.
Exits non-zero on FAIL or CRITICAL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := auditPeriod.period()
		if err != nil {
			return err
		}
		return withAuditor(func(a *forensic.Auditor) error {
			v, err := a.RunFullAudit(cmd.Context(), auditEntity, p)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := printJSON(os.Stdout, v); err != nil {
					return err
				}
			} else {
				printVerdict(v)
			}
			if v.Status == forensic.StatusFail || v.Status == forensic.StatusCritical {
				return fmt.Errorf("audit %s: %s", v.Status, v.Headline)
			}
			return nil
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "Entity ID (required)")
	auditPeriod.bind(auditCmd)
	auditCmd.MarkFlagRequired("entity")
}

func printVerdict(v forensic.Verdict) {
	fmt.Printf("[ledgerguard] Audit %s of %s (head #%d as of %s)\n",
		v.RunID, v.EntityID, v.Snapshot.HeadSeq, v.Snapshot.AsOf.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Verdict: %s: %s\n", v.Status, v.Headline)
	for _, f := range v.RiskFactors {
		fmt.Printf("    - %s\n", f)
	}
	fmt.Println()
	fmt.Printf("  %-16s %-20s %-10s %s\n", "STAGE", "STATUS", "DURATION", "NOTES")
	for _, s := range v.Stages {
		note := s.Error
		if note == "" && len(s.Notes) > 0 {
			note = s.Notes[0]
			if len(s.Notes) > 1 {
				note += fmt.Sprintf(" (+%d more)", len(s.Notes)-1)
			}
		}
		fmt.Printf("  %-16s %-20s %-10s %s\n", s.Name, s.Status, s.Duration, note)
	}
}
