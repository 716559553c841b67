package money

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"0", 0},
		{"100", 10000},
		{"100.5", 10050},
		{"100.05", 10005},
		{"-3.75", -375},
		{" 12.00 ", 1200},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.005", "0.001"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestAmount_String(t *testing.T) {
	if got := Amount(10005).String(); got != "100.05" {
		t.Errorf("String() = %q, want 100.05", got)
	}
	if got := Amount(-5).String(); got != "-0.05" {
		t.Errorf("String() = %q, want -0.05", got)
	}
}

func TestAmount_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Amount `json:"a"`
	}{A: 123456})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":"1234.56"}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var out struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1.25","b":7}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.A != 125 || out.B != 700 {
		t.Errorf("got a=%d b=%d", out.A, out.B)
	}
}

func TestAmount_YAML(t *testing.T) {
	var out struct {
		Tolerance Amount `yaml:"tolerance"`
	}
	if err := yaml.Unmarshal([]byte("tolerance: 100.50\n"), &out); err != nil {
		t.Fatal(err)
	}
	if out.Tolerance != 10050 {
		t.Errorf("tolerance = %d, want 10050", out.Tolerance)
	}
}
