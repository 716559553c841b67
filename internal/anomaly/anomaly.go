// Package anomaly flags outlying amounts with Z-scores, optionally within
// categories.
//
// Each member is scored against the mean and sample standard deviation of
// the other members of its group (leave-one-out). With the member included,
// a lone extreme value inflates the deviation it is measured by and can
// never exceed (n-1)/sqrt(n) standard deviations in a small group.
//
// When every other member is identical the baseline has no spread and the
// z-score is unbounded; such members are flagged extreme with ZeroSpread
// set rather than dropped.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerguard/ledgerguard/internal/metrics"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// GroupBy selects how the population is partitioned.
type GroupBy string

const (
	GroupNone     GroupBy = "none"
	GroupCategory GroupBy = "category"
)

// ParseGroupBy accepts "", "none" and "category".
func ParseGroupBy(s string) (GroupBy, error) {
	switch s {
	case "", "none":
		return GroupNone, nil
	case "category":
		return GroupCategory, nil
	}
	return "", fmt.Errorf("unknown group_by %q (use none or category)", s)
}

// Severity grades a flagged amount.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityExtreme  Severity = "extreme"
)

// Bands are the |z| lower bounds of each severity.
type Bands struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
	Extreme  float64 `json:"extreme" yaml:"extreme"`
}

// DefaultBands are 2, 3 and 4 standard deviations.
func DefaultBands() Bands {
	return Bands{Warning: 2, Critical: 3, Extreme: 4}
}

func (b Bands) severity(absZ float64) Severity {
	switch {
	case absZ >= b.Extreme:
		return SeverityExtreme
	case absZ >= b.Critical:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Sample is one amount in the population.
type Sample struct {
	ID       string       `json:"id"`
	Amount   money.Amount `json:"amount"`
	Category string       `json:"category,omitempty"`
}

// Options control one detection run.
type Options struct {
	Threshold float64
	GroupBy   GroupBy
}

// Flag is one anomalous amount.
type Flag struct {
	ID           string       `json:"id"`
	Group        string       `json:"group"`
	Amount       money.Amount `json:"amount"`
	ZScore       float64      `json:"z_score"`
	Severity     Severity     `json:"severity"`
	Direction    string       `json:"direction"`
	BaselineMean float64      `json:"baseline_mean"`
	Deviation    float64      `json:"deviation"`
	DeviationPct float64      `json:"deviation_pct"`
	// ZeroSpread marks a member measured against others that are all equal.
	// ZScore is left at 0 since the true value is infinite.
	ZeroSpread   bool         `json:"zero_spread,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// GroupStats describes one group of the population.
type GroupStats struct {
	Group   string  `json:"group"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Flagged int     `json:"flagged"`
}

// Result is the outcome of a detection run.
type Result struct {
	GroupBy              GroupBy             `json:"group_by"`
	Threshold            float64             `json:"threshold"`
	Total                int                 `json:"total"`
	Scored               int                 `json:"scored"`
	Groups               []GroupStats        `json:"groups"`
	Flags                []Flag              `json:"flags"`
	BySeverity           map[Severity]int    `json:"by_severity"`
	InsufficientVariance []InsufficientGroup `json:"insufficient_variance"`
}

// InsufficientGroup is a group that could not be scored because it has
// fewer than two distinct amounts.
type InsufficientGroup struct {
	Group string `json:"group"`
	Count int    `json:"count"`
}

// HighRisk counts critical and extreme flags.
func (r *Result) HighRisk() int {
	return r.BySeverity[SeverityCritical] + r.BySeverity[SeverityExtreme]
}

// Detector computes Z-score anomalies.
type Detector struct {
	bands     Bands
	chunkSize int
}

// NewDetector creates a Detector. A zero Bands value uses DefaultBands.
func NewDetector(bands Bands) *Detector {
	if bands == (Bands{}) {
		bands = DefaultBands()
	}
	return &Detector{bands: bands, chunkSize: 4096}
}

// group is the working state of one partition. The sums are exact over
// minor units; squares of large amounts exceed both int64 and the 53-bit
// float mantissa, and the variance is a small difference of huge terms.
type group struct {
	name    string
	members []Sample
	sum     big.Int // sum of x, minor units
	sumSq   big.Int // sum of x^2, minor units
	mean    float64
	std     float64 // full-group sample std dev
}

// Detect scores every sample and flags those with |z| >= opts.Threshold.
// A zero threshold defaults to the warning band.
func (d *Detector) Detect(ctx context.Context, samples []Sample, opts Options) (Result, error) {
	defer metrics.ObserveSince("anomaly", time.Now())

	if opts.GroupBy == "" {
		opts.GroupBy = GroupNone
	}
	if opts.GroupBy != GroupNone && opts.GroupBy != GroupCategory {
		return Result{}, fmt.Errorf("unknown group_by %q", opts.GroupBy)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = d.bands.Warning
	}

	res := Result{
		GroupBy:    opts.GroupBy,
		Threshold:  opts.Threshold,
		Total:      len(samples),
		BySeverity: map[Severity]int{},
	}

	for _, g := range partition(samples, opts.GroupBy) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if distinct(g.members) < 2 {
			res.InsufficientVariance = append(res.InsufficientVariance, InsufficientGroup{Group: g.name, Count: len(g.members)})
			continue
		}

		g.summarize()
		flags, err := d.scoreGroup(ctx, g, opts.Threshold)
		if err != nil {
			return Result{}, err
		}

		res.Scored += len(g.members)
		res.Groups = append(res.Groups, GroupStats{
			Group:   g.name,
			Count:   len(g.members),
			Mean:    g.mean,
			StdDev:  g.std,
			Flagged: len(flags),
		})
		for _, f := range flags {
			res.BySeverity[f.Severity]++
		}
		res.Flags = append(res.Flags, flags...)
	}

	sort.SliceStable(res.Flags, func(i, j int) bool {
		a, b := res.Flags[i], res.Flags[j]
		if a.ZeroSpread != b.ZeroSpread {
			return a.ZeroSpread
		}
		return math.Abs(a.ZScore) > math.Abs(b.ZScore)
	})
	return res, nil
}

// scoreGroup z-scores a group's members in parallel chunks.
func (d *Detector) scoreGroup(ctx context.Context, g *group, threshold float64) ([]Flag, error) {
	nChunks := (len(g.members) + d.chunkSize - 1) / d.chunkSize
	partial := make([][]Flag, nChunks)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < nChunks; i++ {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min((i+1)*d.chunkSize, len(g.members))
			var sc scratch
			for _, s := range g.members[i*d.chunkSize : end] {
				if f, ok := d.score(g, s, threshold, &sc); ok {
					partial[i] = append(partial[i], f)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var flags []Flag
	for _, p := range partial {
		flags = append(flags, p...)
	}
	return flags, nil
}

// ZeroSpreadReason explains a flag raised against a baseline whose members
// are all equal.
const ZeroSpreadReason = "all other members of the group are identical; any deviation is unbounded"

// scratch holds per-goroutine big.Int temporaries for score.
type scratch struct {
	x, m, s, q, t big.Int
}

// score computes the leave-one-out z-score of s within g. With m = n-1
// other members summing to S' with squares summing to Q':
//
//	z = (m*x - S') * sqrt((m-1) / (m * (m*Q' - S'^2)))
//
// Both (m*x - S') and (m*Q' - S'^2) are formed exactly before conversion.
func (d *Detector) score(g *group, s Sample, threshold float64, sc *scratch) (Flag, bool) {
	x := s.Amount.Float64()
	n := int64(len(g.members))

	var mean, z float64
	zeroSpread := false
	if n < 3 {
		// Two members leave a baseline of one; use the full group.
		if g.std == 0 {
			return Flag{}, false
		}
		mean = g.mean
		z = (x - mean) / g.std
	} else {
		m := n - 1
		sc.m.SetInt64(m)
		sc.x.SetInt64(int64(s.Amount))
		sc.s.Sub(&g.sum, &sc.x)   // S'
		sc.q.Mul(&sc.x, &sc.x)    // x^2
		sc.q.Sub(&g.sumSq, &sc.q) // Q'
		sc.q.Mul(&sc.q, &sc.m)
		sc.t.Mul(&sc.s, &sc.s)
		sc.q.Sub(&sc.q, &sc.t) // m*Q' - S'^2
		sc.x.Mul(&sc.x, &sc.m)
		sc.x.Sub(&sc.x, &sc.s) // m*x - S'

		mean = toFloat(&sc.s) / float64(m) / minorPerMajor
		switch {
		case sc.x.Sign() == 0:
			return Flag{}, false
		case sc.q.Sign() == 0:
			zeroSpread = true
		default:
			z = toFloat(&sc.x) * math.Sqrt(float64(m-1)/float64(m)/toFloat(&sc.q))
		}
	}

	absZ := math.Abs(z)
	if !zeroSpread && absZ < threshold {
		return Flag{}, false
	}

	f := Flag{
		ID:           s.ID,
		Group:        g.name,
		Amount:       s.Amount,
		ZScore:       z,
		Direction:    "above",
		BaselineMean: mean,
		Deviation:    math.Abs(x - mean),
	}
	if zeroSpread {
		f.Severity = SeverityExtreme
		f.ZeroSpread = true
		f.Reason = ZeroSpreadReason
		if x < mean {
			f.Direction = "below"
		}
	} else {
		f.Severity = d.bands.severity(absZ)
		if z < 0 {
			f.Direction = "below"
		}
	}
	if mean != 0 {
		f.DeviationPct = f.Deviation / math.Abs(mean) * 100
	}
	return f, true
}

// minorPerMajor converts minor-unit statistics back to major units.
var minorPerMajor = float64(money.FromMajor(1))

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// summarize accumulates the exact sums and the full-group statistics.
func (g *group) summarize() {
	var x big.Int
	for _, s := range g.members {
		x.SetInt64(int64(s.Amount))
		g.sum.Add(&g.sum, &x)
		x.Mul(&x, &x)
		g.sumSq.Add(&g.sumSq, &x)
	}
	n := int64(len(g.members))
	g.mean = toFloat(&g.sum) / float64(n) / minorPerMajor
	if n < 2 {
		return
	}
	// n*Q - S^2 = n(n-1) * variance
	var num, sq big.Int
	num.Mul(&g.sumSq, big.NewInt(n))
	sq.Mul(&g.sum, &g.sum)
	num.Sub(&num, &sq)
	if num.Sign() > 0 {
		g.std = math.Sqrt(toFloat(&num)/float64(n*(n-1))) / minorPerMajor
	}
}

func partition(samples []Sample, by GroupBy) []*group {
	if by == GroupNone {
		return []*group{{name: "all", members: samples}}
	}
	index := map[string]*group{}
	var groups []*group
	for _, s := range samples {
		name := s.Category
		if name == "" {
			name = "uncategorized"
		}
		g, ok := index[name]
		if !ok {
			g = &group{name: name}
			index[name] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, s)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

func distinct(samples []Sample) int {
	seen := make(map[money.Amount]struct{}, 2)
	for _, s := range samples {
		seen[s.Amount] = struct{}{}
		if len(seen) >= 2 {
			return 2
		}
	}
	return len(seen)
}
