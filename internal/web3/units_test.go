package web3

import (
	"math/big"
	"testing"

	xerrors "ShadowStream/internal/errors"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"5", "5000000"},
		{"0.000001", "1"},
		{"12.5", "12500000"},
		{".25", "250000"},
		{"1.", "1000000"},
		{"100.100000", "100100000"},
		{"0", "0"},
		{"  7.0 ", "7000000"},
		{"123456789012345678901234567890.123456", "123456789012345678901234567890123456"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, StablecoinDecimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseUnitsRejectsLossyInput(t *testing.T) {
	for _, in := range []string{"", ".", "+", "-1", "1.0000001", "1e6", "abc", "1.2.3", "0x10"} {
		if _, err := ParseUnits(in, StablecoinDecimals); err == nil {
			t.Fatalf("ParseUnits(%q) should fail", in)
		} else if xerrors.CodeOf(err) != CodeInvalidAmount {
			t.Fatalf("ParseUnits(%q) code = %s", in, xerrors.CodeOf(err))
		}
	}
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{5000000, "5"},
		{1, "0.000001"},
		{12500000, "12.5"},
		{0, "0"},
		{-2500000, "-2.5"},
	}
	for _, tc := range cases {
		if got := FormatUnits(big.NewInt(tc.in), StablecoinDecimals); got != tc.want {
			t.Fatalf("FormatUnits(%d) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if got := FormatUnits(nil, 6); got != "0" {
		t.Fatalf("nil amount should format as 0, got %s", got)
	}
}

func TestParseFormatPreservesPrecision(t *testing.T) {
	for _, in := range []string{"0.1", "0.2", "0.3", "99999999.999999"} {
		v, err := ParseUnits(in, StablecoinDecimals)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if out := FormatUnits(v, StablecoinDecimals); out != in {
			t.Fatalf("expected %s, got %s", in, out)
		}
	}
}
