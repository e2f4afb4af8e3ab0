package ethutil

import (
	"math/big"
	"testing"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		raw      string
		decimals uint8
		want     string
	}{
		{"0.3", 18, "300000000000000000"},
		{"0.1", 18, "100000000000000000"},
		{"1", 6, "1000000"},
		{"1.2345678", 6, "1234567"},
		{"", 6, "0"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.raw, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.raw, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q,%d)=%s want %s", tc.raw, tc.decimals, got, tc.want)
		}
	}

	if _, err := ParseUnits("-1", 6); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := ParseUnits("abc", 6); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFormatUnits(t *testing.T) {
	if got, want := FormatUnits(big.NewInt(1_500_000), 6), "1.5"; got != want {
		t.Fatalf("FormatUnits=%q want %q", got, want)
	}
	if got, want := FormatUnits(nil, 6), "0"; got != want {
		t.Fatalf("FormatUnits(nil)=%q want %q", got, want)
	}
}
