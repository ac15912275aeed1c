package web3

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "ShadowStream/internal/errors"
)

// StablecoinDecimals is the decimal count of the supported stablecoins.
const StablecoinDecimals uint8 = 6

// ParseUnits converts a human readable decimal string such as "12.5" into
// token base units. More fractional digits than decimals is an error rather
// than a silent truncation.
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, xerrors.New(CodeInvalidAmount, "amount is empty")
	}
	if strings.HasPrefix(raw, "-") {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount %q is negative", value))
	}
	raw = strings.TrimPrefix(raw, "+")

	whole, frac, _ := strings.Cut(raw, ".")
	if whole == "" && frac == "" {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount %q is not a number", value))
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount %q is not a decimal number", value))
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount %q has more than %d decimals", value, decimals))
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(CodeInvalidAmount, fmt.Sprintf("amount %q is not a decimal number", value))
	}
	return out, nil
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if decimals > 0 {
		if len(digits) <= int(decimals) {
			digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
		}
		cut := len(digits) - int(decimals)
		whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
