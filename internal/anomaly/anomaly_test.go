package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

func samples(category string, majors ...int64) []Sample {
	out := make([]Sample, len(majors))
	for i, m := range majors {
		out[i] = Sample{ID: fmt.Sprintf("%s-%d", category, i), Amount: money.FromMajor(m), Category: category}
	}
	return out
}

func TestDetect_SingleOutlierIsExtreme(t *testing.T) {
	d := NewDetector(Bands{})
	res, err := d.Detect(context.Background(), samples("ops", 100, 105, 98, 102, 5000000), Options{Threshold: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 1 {
		t.Fatalf("expected exactly one flag, got %+v", res.Flags)
	}
	f := res.Flags[0]
	if f.Amount != money.FromMajor(5000000) {
		t.Errorf("flagged %s", f.Amount)
	}
	if f.Severity != SeverityExtreme || f.Direction != "above" {
		t.Errorf("severity=%s direction=%s", f.Severity, f.Direction)
	}
	if f.BaselineMean < 101 || f.BaselineMean > 101.5 {
		t.Errorf("baseline mean = %v, want the mean of the other four", f.BaselineMean)
	}
	if f.DeviationPct < 1e6 {
		t.Errorf("deviation pct = %v", f.DeviationPct)
	}
	if res.HighRisk() != 1 || res.Scored != 5 {
		t.Errorf("high risk=%d scored=%d", res.HighRisk(), res.Scored)
	}
}

func TestDetect_BelowDirection(t *testing.T) {
	d := NewDetector(Bands{})
	res, err := d.Detect(context.Background(), samples("ops", 1000, 1010, 990, 1005, 995, 1), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 1 || res.Flags[0].Direction != "below" || res.Flags[0].ZScore >= 0 {
		t.Fatalf("expected one low outlier, got %+v", res.Flags)
	}
}

func TestDetect_UniformPopulationHasNoFlags(t *testing.T) {
	d := NewDetector(Bands{})
	var majors []int64
	for i := int64(0); i < 100; i++ {
		majors = append(majors, 1000+i)
	}
	res, err := d.Detect(context.Background(), samples("ops", majors...), Options{Threshold: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 0 {
		t.Errorf("uniform 1000..1099 should not produce 3-sigma flags, got %d", len(res.Flags))
	}
	if len(res.Groups) != 1 || res.Groups[0].Count != 100 {
		t.Errorf("groups = %+v", res.Groups)
	}
}

func TestDetect_InsufficientVariance(t *testing.T) {
	d := NewDetector(Bands{})
	in := append(samples("rent", 2000, 2000, 2000), samples("fuel", 50, 52, 49, 51, 900)...)
	in = append(in, samples("single", 7)...)

	res, err := d.Detect(context.Background(), in, Options{GroupBy: GroupCategory})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.InsufficientVariance) != 2 {
		t.Fatalf("insufficient = %+v", res.InsufficientVariance)
	}
	names := map[string]bool{}
	for _, g := range res.InsufficientVariance {
		names[g.Group] = true
	}
	if !names["rent"] || !names["single"] {
		t.Errorf("expected rent and single, got %v", names)
	}
	if res.Scored != 5 || res.Total != 9 {
		t.Errorf("scored=%d total=%d", res.Scored, res.Total)
	}
	if len(res.Flags) != 1 || res.Flags[0].Group != "fuel" {
		t.Errorf("flags = %+v", res.Flags)
	}
}

func TestDetect_GroupingChangesBaseline(t *testing.T) {
	// 5000 is normal for equipment but extreme for stationery.
	in := append(samples("stationery", 20, 25, 22, 18, 21, 19), samples("equipment", 4800, 5100, 4950, 5000, 5050, 4900)...)
	in = append(in, Sample{ID: "odd", Amount: money.FromMajor(5000), Category: "stationery"})

	d := NewDetector(Bands{})
	res, err := d.Detect(context.Background(), in, Options{GroupBy: GroupCategory, Threshold: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 1 || res.Flags[0].ID != "odd" {
		t.Fatalf("expected only the stationery outlier, got %+v", res.Flags)
	}
}

func TestBands(t *testing.T) {
	b := DefaultBands()
	tests := []struct {
		z    float64
		want Severity
	}{
		{2, SeverityWarning}, {2.99, SeverityWarning}, {3, SeverityCritical}, {3.99, SeverityCritical}, {4, SeverityExtreme}, {40, SeverityExtreme},
	}
	for _, tt := range tests {
		if got := b.severity(tt.z); got != tt.want {
			t.Errorf("severity(%v) = %s, want %s", tt.z, got, tt.want)
		}
	}
}

func TestParseGroupBy(t *testing.T) {
	if g, err := ParseGroupBy(""); err != nil || g != GroupNone {
		t.Errorf("empty: %v %v", g, err)
	}
	if g, err := ParseGroupBy("category"); err != nil || g != GroupCategory {
		t.Errorf("category: %v %v", g, err)
	}
	if _, err := ParseGroupBy("vendor"); err == nil {
		t.Error("vendor should be rejected")
	}
}

func TestDetect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDetector(Bands{}).Detect(ctx, samples("ops", 1, 2, 3), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDetect_HugeOutliersKeepPrecision(t *testing.T) {
	// x^2 in minor units overflows int64 and loses the small members'
	// spread entirely in float64.
	tests := []struct {
		name string
		big  int64
	}{
		{"1e10", 10_000_000_000},
		{"1e14", 100_000_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(Bands{})
			res, err := d.Detect(context.Background(), samples("ops", 100, 105, 98, 102, tt.big), Options{Threshold: 2})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Flags) != 1 {
				t.Fatalf("expected the outlier flagged, got %+v", res.Flags)
			}
			f := res.Flags[0]
			if f.Amount != money.FromMajor(tt.big) || f.Severity != SeverityExtreme || f.ZeroSpread {
				t.Errorf("flag = %+v", f)
			}
			// Others: mean 101.25, sample std sqrt(26.75/3).
			want := (float64(tt.big) - 101.25) / math.Sqrt(26.75/3)
			if math.Abs(f.ZScore-want)/want > 1e-9 {
				t.Errorf("z = %v, want %v", f.ZScore, want)
			}
			if math.Abs(f.BaselineMean-101.25) > 1e-9 {
				t.Errorf("baseline mean = %v", f.BaselineMean)
			}
			if len(res.Groups) != 1 || res.Groups[0].StdDev <= 0 {
				t.Errorf("groups = %+v", res.Groups)
			}
		})
	}
}

func TestDetect_ZeroSpreadBaseline(t *testing.T) {
	d := NewDetector(Bands{})
	res, err := d.Detect(context.Background(), samples("ops", 100, 100, 100, 100, 100, 5000000), Options{Threshold: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.InsufficientVariance) != 0 {
		t.Errorf("group has two distinct amounts and must be scored: %+v", res.InsufficientVariance)
	}
	if len(res.Flags) != 1 {
		t.Fatalf("expected one flag, got %+v", res.Flags)
	}
	f := res.Flags[0]
	if f.Amount != money.FromMajor(5000000) || f.Severity != SeverityExtreme || f.Direction != "above" {
		t.Errorf("flag = %+v", f)
	}
	if !f.ZeroSpread || f.Reason != ZeroSpreadReason || f.ZScore != 0 {
		t.Errorf("zero spread not reported: %+v", f)
	}
	if f.BaselineMean != 100 {
		t.Errorf("baseline mean = %v", f.BaselineMean)
	}
	if res.HighRisk() != 1 {
		t.Errorf("high risk = %d", res.HighRisk())
	}
}

func TestDetect_ZeroSpreadSortsFirst(t *testing.T) {
	in := append(samples("a", 10, 10, 10, 11), samples("b", 100, 105, 98, 102, 5000000)...)
	res, err := NewDetector(Bands{}).Detect(context.Background(), in, Options{GroupBy: GroupCategory, Threshold: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Flags) != 2 || !res.Flags[0].ZeroSpread || res.Flags[1].Group != "b" {
		t.Errorf("flags = %+v", res.Flags)
	}
}
