package game

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// UnitsPerCoin is the fixed-point scale of Amount (four decimals).
const UnitsPerCoin = int64(10_000)

// Amount is a currency value counted in 1/UnitsPerCoin units.
// Arithmetic is checked: overflow and negative results are errors, never clamped.
type Amount int64

func (a Amount) Add(b Amount) (Amount, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegativeAmount
	}
	if b > math.MaxInt64-a {
		return 0, ErrOverflow
	}
	return a + b, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a < 0 || b < 0 {
		return 0, ErrNegativeAmount
	}
	if b > a {
		return 0, fmt.Errorf("%w: %s - %s", ErrNegativeAmount, a, b)
	}
	return a - b, nil
}

// MulDiv returns a*num/den with integer division and a wide intermediate.
func (a Amount) MulDiv(num, den int64) (Amount, error) {
	if den == 0 {
		return 0, validationf("division by zero")
	}
	if a < 0 || num < 0 || den < 0 {
		return 0, ErrNegativeAmount
	}
	v := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(num))
	v = v.Quo(v, big.NewInt(den))
	if !v.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(v.Int64()), nil
}

// Pct returns a*pct/100.
func (a Amount) Pct(pct int64) (Amount, error) {
	return a.MulDiv(pct, 100)
}

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		if v == math.MinInt64 {
			return "-922337203685477.5808"
		}
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/UnitsPerCoin, v%UnitsPerCoin)
}

// ParseAmount reads a decimal coin value such as "12.5" into units.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, validationf("amount is required")
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, validationf("invalid amount %q", s)
	}
	var f int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 4 {
			return 0, validationf("amount %q must have 1 to 4 decimals", s)
		}
		frac += strings.Repeat("0", 4-len(frac))
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return 0, validationf("invalid amount %q", s)
		}
	}
	units, err := Amount(w).MulDiv(UnitsPerCoin, 1)
	if err != nil {
		return 0, err
	}
	return units.Add(Amount(f))
}

// Coins converts a whole coin count to an Amount.
func Coins(n int64) Amount {
	return Amount(n * UnitsPerCoin)
}
