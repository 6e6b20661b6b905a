// Package wire converts between the decimal strings used on the API
// boundary and the engine's int64 fixed-point values. All numeric API
// fields travel as strings so clients never see binary floats.
package wire

import (
	"fmt"
	"math/big"
	"strings"

	fpmath "curvex/internal/math"
)

// ParseDecimal converts a decimal string ("123.45", "-0.001", "42") into
// an int64 at the target scale. Digits beyond the target precision are
// rejected rather than silently truncated.
func ParseDecimal(s string, cfg fpmath.DecimalConfig) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("sign without digits")
	}

	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart, fracPart = s[:dot], s[dot+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, fmt.Errorf("malformed decimal %q", s)
		}
	}
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("malformed decimal %q", s)
		}
	}
	if len(fracPart) > cfg.DecimalPrecision {
		return 0, fmt.Errorf("decimal %q exceeds %d fractional digits", s, cfg.DecimalPrecision)
	}
	fracPart += strings.Repeat("0", cfg.DecimalPrecision-len(fracPart))

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if neg {
		v.Neg(v)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("decimal %q overflows", s)
	}
	return v.Int64(), nil
}

// FormatDecimal renders an int64 at the given scale as a decimal string
// with trailing fractional zeros trimmed ("50", "0.003").
func FormatDecimal(v int64, cfg fpmath.DecimalConfig) string {
	neg := v < 0
	u := v
	if neg {
		u = -u
	}

	whole := u / cfg.Scale
	frac := u % cfg.Scale

	out := fmt.Sprintf("%d", whole)
	if frac != 0 {
		fs := fmt.Sprintf("%0*d", cfg.DecimalPrecision, frac)
		fs = strings.TrimRight(fs, "0")
		out += "." + fs
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseScaled18 converts a raw big integer carrying 18 implied decimals
// (the signed-order wire encoding) into an int64 at the target scale.
// Precision below the target scale must be zero.
func ParseScaled18(raw *big.Int, cfg fpmath.DecimalConfig) (int64, error) {
	if raw == nil {
		return 0, fmt.Errorf("nil value")
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-cfg.DecimalPrecision)), nil)
	q, r := new(big.Int).QuoRem(raw, div, new(big.Int))
	if r.Sign() != 0 {
		return 0, fmt.Errorf("value %s has precision below 1e-%d", raw, cfg.DecimalPrecision)
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("value %s overflows", raw)
	}
	return q.Int64(), nil
}

// FormatScaled18 is the inverse of ParseScaled18.
func FormatScaled18(v int64, cfg fpmath.DecimalConfig) *big.Int {
	mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-cfg.DecimalPrecision)), nil)
	return new(big.Int).Mul(big.NewInt(v), mul)
}
