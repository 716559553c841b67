// Package benford tests a population of amounts against Benford's Law.
//
// Two statistics are reported side by side: a Chi-square goodness-of-fit
// test at the 95% level and the Mean Absolute Deviation (MAD) between
// observed and expected digit proportions. They can disagree on edge
// samples; both are kept so a reviewer can judge.
package benford

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerguard/ledgerguard/internal/metrics"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// ErrInsufficientSample is returned when the population is too small for
// the tests to mean anything.
var ErrInsufficientSample = errors.New("insufficient sample")

// Position selects which leading digit is tested.
type Position string

const (
	FirstDigit  Position = "first"
	SecondDigit Position = "second"
)

// ParsePosition accepts "first"/"1" and "second"/"2".
func ParsePosition(s string) (Position, error) {
	switch s {
	case "first", "1", "":
		return FirstDigit, nil
	case "second", "2":
		return SecondDigit, nil
	}
	return "", fmt.Errorf("unknown digit position %q (use first or second)", s)
}

// Conformity is the MAD-based classification.
type Conformity string

const (
	Close         Conformity = "close"
	Acceptable    Conformity = "acceptable"
	Marginal      Conformity = "marginal"
	Nonconforming Conformity = "nonconforming"
)

// RiskLevel mirrors Conformity for the audit verdict.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Chi-square critical values at the 95% level.
const (
	chiCritical8DF = 15.507 // first digit, 9 bins
	chiCritical9DF = 16.919 // second digit, 10 bins
)

// MADBands are the upper bounds of close, acceptable and marginal.
type MADBands struct {
	Close      float64 `json:"close" yaml:"close"`
	Acceptable float64 `json:"acceptable" yaml:"acceptable"`
	Marginal   float64 `json:"marginal" yaml:"marginal"`
}

// Config tunes the analyzer.
type Config struct {
	MinSampleSize int      `json:"min_sample_size" yaml:"min_sample_size"`
	MAD           MADBands `json:"mad" yaml:"mad"`
	ChunkSize     int      `json:"chunk_size" yaml:"chunk_size"`
}

// DefaultConfig uses a 300-amount minimum and MAD bands 0.006/0.012/0.015.
func DefaultConfig() Config {
	return Config{
		MinSampleSize: 300,
		MAD:           MADBands{Close: 0.006, Acceptable: 0.012, Marginal: 0.015},
		ChunkSize:     8192,
	}
}

// DigitStat is one row of the distribution table.
type DigitStat struct {
	Digit        int     `json:"digit"`
	Count        int     `json:"count"`
	Observed     float64 `json:"observed"`
	Expected     float64 `json:"expected"`
	AbsDeviation float64 `json:"abs_deviation"`
}

// Result is the outcome of one Benford test.
type Result struct {
	Position          Position    `json:"digit_position"`
	SampleSize        int         `json:"sample_size"`
	Excluded          int         `json:"excluded"`
	Digits            []DigitStat `json:"digits"`
	ChiSquare         float64     `json:"chi_square"`
	ChiSquareCritical float64     `json:"chi_square_critical"`
	DegreesOfFreedom  int         `json:"degrees_of_freedom"`
	ChiSquarePass     bool        `json:"chi_square_pass"`
	MAD               float64     `json:"mad"`
	Conformity        Conformity  `json:"conformity"`
	RiskLevel         RiskLevel   `json:"risk_level"`
}

// Analyzer runs Benford tests.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an Analyzer; zero fields in cfg take defaults.
func NewAnalyzer(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = def.MinSampleSize
	}
	if cfg.MAD == (MADBands{}) {
		cfg.MAD = def.MAD
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	return &Analyzer{cfg: cfg}
}

// Analyze tests amounts at the given digit position. Zero amounts are
// ignored and signs are dropped. For the second digit, amounts with a
// single significant digit are ignored too.
func (a *Analyzer) Analyze(ctx context.Context, amounts []money.Amount, pos Position) (Result, error) {
	defer metrics.ObserveSince("benford", time.Now())

	if pos != FirstDigit && pos != SecondDigit {
		return Result{}, fmt.Errorf("unknown digit position %q", pos)
	}

	counts, used, err := a.count(ctx, amounts, pos)
	if err != nil {
		return Result{}, err
	}
	if used < a.cfg.MinSampleSize {
		return Result{}, fmt.Errorf("%w: %d usable amounts, need at least %d", ErrInsufficientSample, used, a.cfg.MinSampleSize)
	}

	lo, expected, critical := 1, FirstDigitExpected(), chiCritical8DF
	if pos == SecondDigit {
		lo, expected, critical = 0, SecondDigitExpected(), chiCritical9DF
	}

	res := Result{
		Position:          pos,
		SampleSize:        used,
		Excluded:          len(amounts) - used,
		ChiSquareCritical: critical,
		DegreesOfFreedom:  10 - lo - 1,
	}

	n := float64(used)
	var sumAbs float64
	for d := lo; d <= 9; d++ {
		obs := float64(counts[d]) / n
		exp := expected[d]
		dev := math.Abs(obs - exp)
		sumAbs += dev

		expCount := exp * n
		res.ChiSquare += (float64(counts[d]) - expCount) * (float64(counts[d]) - expCount) / expCount

		res.Digits = append(res.Digits, DigitStat{
			Digit:        d,
			Count:        counts[d],
			Observed:     obs,
			Expected:     exp,
			AbsDeviation: dev,
		})
	}

	res.MAD = sumAbs / float64(10-lo)
	res.ChiSquarePass = res.ChiSquare <= critical
	res.Conformity = a.classify(res.MAD)
	res.RiskLevel = riskFor(res.Conformity)
	return res, nil
}

// count extracts digits in parallel chunks and merges the tallies.
func (a *Analyzer) count(ctx context.Context, amounts []money.Amount, pos Position) ([10]int, int, error) {
	chunk := a.cfg.ChunkSize
	nChunks := (len(amounts) + chunk - 1) / chunk
	partial := make([][10]int, nChunks)
	used := make([]int, nChunks)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < nChunks; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min((i+1)*chunk, len(amounts))
			for _, amt := range amounts[i*chunk : end] {
				d, ok := leadingDigit(int64(amt), pos)
				if !ok {
					continue
				}
				partial[i][d]++
				used[i]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return [10]int{}, 0, err
	}

	var counts [10]int
	total := 0
	for i := range partial {
		for d := range counts {
			counts[d] += partial[i][d]
		}
		total += used[i]
	}
	return counts, total, nil
}

// leadingDigit returns the first or second significant digit of v.
// Minor units have the same significant digits as the decimal value.
func leadingDigit(v int64, pos Position) (int, bool) {
	// Magnitude via uint64 so math.MinInt64 does not stay negative.
	u := uint64(v)
	if v < 0 {
		u = -u
	}
	if u == 0 {
		return 0, false
	}
	var first, second uint64 = u, 10
	for first >= 10 {
		second = first % 10
		first /= 10
	}
	if pos == FirstDigit {
		return int(first), true
	}
	if second > 9 {
		return 0, false
	}
	return int(second), true
}

func (a *Analyzer) classify(mad float64) Conformity {
	switch {
	case mad < a.cfg.MAD.Close:
		return Close
	case mad < a.cfg.MAD.Acceptable:
		return Acceptable
	case mad < a.cfg.MAD.Marginal:
		return Marginal
	default:
		return Nonconforming
	}
}

func riskFor(c Conformity) RiskLevel {
	switch c {
	case Close, Acceptable:
		return RiskLow
	case Marginal:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// FirstDigitExpected returns P(d) = log10(1 + 1/d) for d = 1..9; index 0
// is unused.
func FirstDigitExpected() [10]float64 {
	var p [10]float64
	for d := 1; d <= 9; d++ {
		p[d] = math.Log10(1 + 1/float64(d))
	}
	return p
}

// SecondDigitExpected returns P(d) = sum over k=1..9 of log10(1 + 1/(10k+d))
// for d = 0..9.
func SecondDigitExpected() [10]float64 {
	var p [10]float64
	for d := 0; d <= 9; d++ {
		for k := 1; k <= 9; k++ {
			p[d] += math.Log10(1 + 1/float64(10*k+d))
		}
	}
	return p
}
