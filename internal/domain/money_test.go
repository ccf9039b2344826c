package domain

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAmountsMatch_Boundary(t *testing.T) {
	tests := []struct {
		expected, observed string
		want               bool
	}{
		{"12.34", "12.34", true},
		{"12.34", "12.35", true},
		{"12.34", "12.33", true},
		{"12.34", "12.36", false},
		{"100.00", "99.98", false},
		{"100", "100.005", true},
	}
	for _, tt := range tests {
		if got := AmountsMatch(d(tt.expected), d(tt.observed), DefaultTolerance); got != tt.want {
			t.Errorf("AmountsMatch(%s, %s) = %v, want %v", tt.expected, tt.observed, got, tt.want)
		}
	}
}

func TestProperty_AmountsMatch(t *testing.T) {
	cent := decimal.New(1, -2)
	rapid.Check(t, func(t *rapid.T) {
		x := decimal.New(rapid.Int64Range(0, 1_000_000_00).Draw(t, "cents"), -2)
		if !AmountsMatch(x, x, DefaultTolerance) {
			t.Fatalf("AmountsMatch(%s, %s) = false", x, x)
		}
		if !AmountsMatch(x, x.Add(cent), DefaultTolerance) {
			t.Fatalf("AmountsMatch(%s, %s+0.01) = false", x, x)
		}
		if AmountsMatch(x, x.Add(cent.Mul(decimal.NewFromInt(2))), DefaultTolerance) {
			t.Fatalf("AmountsMatch(%s, %s+0.02) = true", x, x)
		}
		y := decimal.New(rapid.Int64Range(0, 1_000_000_00).Draw(t, "other"), -2)
		if AmountsMatch(x, y, DefaultTolerance) != AmountsMatch(y, x, DefaultTolerance) {
			t.Fatalf("AmountsMatch not symmetric for %s, %s", x, y)
		}
	})
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		sale, pct, want string
	}{
		{"100.00", "5", "5.00"},
		{"100.00", "0", "0.00"},
		{"33.33", "5", "1.67"},
		{"250", "2.5", "6.25"},
	}
	for _, tt := range tests {
		got := ComputeFee(d(tt.sale), d(tt.pct))
		if !got.Equal(d(tt.want)) {
			t.Errorf("ComputeFee(%s, %s) = %s, want %s", tt.sale, tt.pct, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12.34", "12.34", false},
		{"$1,250.50", "1250.50", false},
		{"2.5k", "2500", false},
		{"1M", "1000000", false},
		{" 7 ", "7", false},
		{"12.345", "12.35", false},
		{"", "", true},
		{"abc", "", true},
		{"-5", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAmount(%q) = %s, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) error = %v", tt.in, err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestVerificationAmountGenerator_Range(t *testing.T) {
	lo, hi := d("1.00"), d("50.23")
	gen := NewVerificationAmountGenerator()
	equal := 0
	const pairs = 10_000
	for i := 0; i < pairs; i++ {
		s, r, err := gen.Pair()
		if err != nil {
			t.Fatalf("Pair() error = %v", err)
		}
		for _, v := range []decimal.Decimal{s, r} {
			if v.LessThan(lo) || v.GreaterThan(hi) {
				t.Fatalf("amount %s outside [%s, %s]", v, lo, hi)
			}
			if !v.Equal(v.Round(2)) {
				t.Fatalf("amount %s has more than two decimals", v)
			}
		}
		if s.Equal(r) {
			equal++
		}
	}
	// 4924 possible values: about two collisions expected in 10k pairs.
	if equal > 20 {
		t.Errorf("%d of %d pairs had equal amounts", equal, pairs)
	}
}

func TestVerificationAmountGenerator_Bounds(t *testing.T) {
	// An all-zero source always yields the lower bound.
	gen := NewVerificationAmountGenerator().WithSource(bytes.NewReader(make([]byte, 64)))
	got, err := gen.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !got.Equal(d("1.00")) {
		t.Errorf("Next() = %s, want 1.00", got)
	}

	gen = NewVerificationAmountGenerator().WithSource(bytes.NewReader(nil))
	if _, err := gen.Next(); err == nil {
		t.Error("Next() with exhausted source: want error")
	}
}
