package benford

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

// naturalAmounts draws log-uniform amounts over five decades, which follow
// Benford's Law.
func naturalAmounts(n int, seed int64) []money.Amount {
	r := rand.New(rand.NewSource(seed))
	out := make([]money.Amount, n)
	for i := range out {
		major := math.Pow(10, r.Float64()*5)
		out[i] = money.Amount(math.Round(major * 100))
	}
	return out
}

func TestExpectedDistributionsSumToOne(t *testing.T) {
	var first, second float64
	p1, p2 := FirstDigitExpected(), SecondDigitExpected()
	for d := 0; d <= 9; d++ {
		first += p1[d]
		second += p2[d]
	}
	if math.Abs(first-1) > 1e-12 || math.Abs(second-1) > 1e-12 {
		t.Errorf("sums: first=%v second=%v", first, second)
	}
	if math.Abs(p1[1]-0.30103) > 1e-5 {
		t.Errorf("P(1) = %v, want 0.30103", p1[1])
	}
	if math.Abs(p2[0]-0.11968) > 1e-5 {
		t.Errorf("P2(0) = %v, want 0.11968", p2[0])
	}
}

func TestLeadingDigit(t *testing.T) {
	tests := []struct {
		v      int64
		pos    Position
		want   int
		wantOK bool
	}{
		{12345, FirstDigit, 1, true},
		{12345, SecondDigit, 2, true},
		{-987, FirstDigit, 9, true},
		{5, FirstDigit, 5, true},
		{5, SecondDigit, 0, false},
		{50000, SecondDigit, 0, true},
		{0, FirstDigit, 0, false},
		{math.MinInt64, FirstDigit, 9, true},
		{math.MinInt64, SecondDigit, 2, true},
		{math.MaxInt64, FirstDigit, 9, true},
	}
	for _, tt := range tests {
		got, ok := leadingDigit(tt.v, tt.pos)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("leadingDigit(%d, %s) = %d,%v want %d,%v", tt.v, tt.pos, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAnalyze_NaturalPopulationConforms(t *testing.T) {
	a := NewAnalyzer(Config{ChunkSize: 1000})
	res, err := a.Analyze(context.Background(), naturalAmounts(10000, 42), FirstDigit)
	if err != nil {
		t.Fatal(err)
	}
	if res.MAD >= 0.012 {
		t.Errorf("MAD = %v, want < 0.012", res.MAD)
	}
	if res.Conformity != Close && res.Conformity != Acceptable {
		t.Errorf("conformity = %s", res.Conformity)
	}
	if res.SampleSize != 10000 || len(res.Digits) != 9 || res.DegreesOfFreedom != 8 {
		t.Errorf("unexpected shape: n=%d digits=%d df=%d", res.SampleSize, len(res.Digits), res.DegreesOfFreedom)
	}
}

func TestAnalyze_SecondDigitNatural(t *testing.T) {
	a := NewAnalyzer(Config{})
	res, err := a.Analyze(context.Background(), naturalAmounts(10000, 7), SecondDigit)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Digits) != 10 || res.Digits[0].Digit != 0 {
		t.Fatalf("second digit table should cover 0-9")
	}
	if res.MAD >= 0.012 {
		t.Errorf("second digit MAD = %v", res.MAD)
	}
}

func TestAnalyze_FabricatedPopulationFails(t *testing.T) {
	amounts := naturalAmounts(2000, 1)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 8000; i++ {
		// 9,000.00 - 9,999.99
		amounts = append(amounts, money.Amount(900000+r.Int63n(100000)))
	}

	res, err := NewAnalyzer(Config{}).Analyze(context.Background(), amounts, FirstDigit)
	if err != nil {
		t.Fatal(err)
	}
	if res.MAD < 0.015 || res.Conformity != Nonconforming {
		t.Errorf("MAD = %v (%s), want nonconforming", res.MAD, res.Conformity)
	}
	if res.ChiSquarePass {
		t.Errorf("chi-square %v should exceed %v", res.ChiSquare, res.ChiSquareCritical)
	}
	if res.RiskLevel != RiskHigh {
		t.Errorf("risk = %s", res.RiskLevel)
	}
}

func TestAnalyze_ExtremeAmountsDoNotPanic(t *testing.T) {
	amounts := naturalAmounts(1000, 5)
	amounts = append(amounts, money.Amount(math.MinInt64), money.Amount(math.MaxInt64))

	a := NewAnalyzer(Config{})
	before, err := a.Analyze(context.Background(), amounts[:1000], FirstDigit)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Analyze(context.Background(), amounts, FirstDigit)
	if err != nil {
		t.Fatal(err)
	}
	if res.SampleSize != 1002 {
		t.Errorf("sample size = %d, want 1002", res.SampleSize)
	}
	if got := res.Digits[8].Count - before.Digits[8].Count; got != 2 {
		t.Errorf("digit 9 gained %d, want 2", got)
	}
}

func TestAnalyze_InsufficientSample(t *testing.T) {
	amounts := naturalAmounts(299, 3)
	amounts = append(amounts, 0, 0, 0) // zeros are not usable
	_, err := NewAnalyzer(Config{}).Analyze(context.Background(), amounts, FirstDigit)
	if !errors.Is(err, ErrInsufficientSample) {
		t.Fatalf("expected ErrInsufficientSample, got %v", err)
	}
}

func TestAnalyze_ExcludesZeros(t *testing.T) {
	amounts := append(naturalAmounts(500, 4), 0, 0)
	res, err := NewAnalyzer(Config{}).Analyze(context.Background(), amounts, FirstDigit)
	if err != nil {
		t.Fatal(err)
	}
	if res.SampleSize != 500 || res.Excluded != 2 {
		t.Errorf("sample=%d excluded=%d", res.SampleSize, res.Excluded)
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAnalyzer(Config{ChunkSize: 10}).Analyze(ctx, naturalAmounts(1000, 5), FirstDigit)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	a := NewAnalyzer(Config{})
	tests := []struct {
		mad  float64
		want Conformity
	}{
		{0.001, Close}, {0.006, Acceptable}, {0.0119, Acceptable},
		{0.012, Marginal}, {0.0149, Marginal}, {0.015, Nonconforming},
	}
	for _, tt := range tests {
		if got := a.classify(tt.mad); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.mad, got, tt.want)
		}
	}
}
