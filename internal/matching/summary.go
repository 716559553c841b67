package matching

import (
	"sort"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

// RiskLevel grades a discrepancy rate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskThresholds are discrepancy-rate percentages: below MediumPct is low,
// above HighPct is high, anything between is medium.
type RiskThresholds struct {
	MediumPct float64 `json:"medium_pct" yaml:"medium_pct"`
	HighPct   float64 `json:"high_pct" yaml:"high_pct"`
}

// DefaultRiskThresholds are 2% and 5%.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{MediumPct: 2, HighPct: 5}
}

// Level grades a discrepancy rate.
func (r RiskThresholds) Level(ratePct float64) RiskLevel {
	switch {
	case ratePct > r.HighPct:
		return RiskHigh
	case ratePct >= r.MediumPct:
		return RiskMedium
	default:
		return RiskLow
	}
}

// StatusGroup aggregates triples sharing a status.
type StatusGroup struct {
	Status        Status       `json:"status"`
	Count         int          `json:"count"`
	InvoiceAmount money.Amount `json:"invoice_amount"`
	RiskAmount    money.Amount `json:"risk_amount"`
}

// Summary is the aggregate view over a batch of triples.
type Summary struct {
	Total           int           `json:"total"`
	Groups          []StatusGroup `json:"groups"`
	DiscrepancyRate float64       `json:"discrepancy_rate"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	TotalRisk       money.Amount  `json:"total_risk_amount"`
}

// Group returns the aggregate for one status (zero if absent).
func (s *Summary) Group(status Status) StatusGroup {
	for _, g := range s.Groups {
		if g.Status == status {
			return g
		}
	}
	return StatusGroup{Status: status}
}

// Summarize groups triples by status and grades the discrepancy rate.
func Summarize(triples []MatchTriple, thresholds RiskThresholds) Summary {
	groups := make(map[Status]*StatusGroup)
	var s Summary
	for _, t := range triples {
		g, ok := groups[t.Status]
		if !ok {
			g = &StatusGroup{Status: t.Status}
			groups[t.Status] = g
		}
		g.Count++
		g.InvoiceAmount += t.InvoiceAmount
		g.RiskAmount += t.RiskAmount
		s.TotalRisk += t.RiskAmount
	}

	s.Total = len(triples)
	for _, g := range groups {
		s.Groups = append(s.Groups, *g)
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].Status < s.Groups[j].Status })

	if s.Total > 0 {
		s.DiscrepancyRate = float64(s.Group(StatusDiscrepancy).Count) * 100 / float64(s.Total)
	}
	s.RiskLevel = thresholds.Level(s.DiscrepancyRate)
	return s
}
