package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by every scaled amount.
const Decimals = 18

var (
	// ErrOverflow is returned when an intermediate value exceeds 256 bits.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")
	// ErrDivideByZero is returned for a zero divisor.
	ErrDivideByZero = errors.New("fixedpoint: divide by zero")
	// ErrUnderflow is returned when a subtraction would go negative.
	ErrUnderflow = errors.New("fixedpoint: arithmetic underflow")

	scale     = uint256.NewInt(1_000_000_000_000_000_000)
	halfScale = uint256.NewInt(500_000_000_000_000_000)
)

// Scale returns 10^18 as a fresh value.
func Scale() *uint256.Int {
	return scale.Clone()
}

// Mul multiplies two scaled values, rounding to nearest: (x*y + Scale/2) / Scale.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow = prod.AddOverflow(prod, halfScale); overflow {
		return nil, ErrOverflow
	}
	return prod.Div(prod, scale), nil
}

// Div divides two scaled values, rounding to nearest: (x*Scale + y/2) / y.
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivideByZero
	}
	num, overflow := new(uint256.Int).MulOverflow(x, scale)
	if overflow {
		return nil, ErrOverflow
	}
	half := new(uint256.Int).Rsh(y, 1)
	if _, overflow = num.AddOverflow(num, half); overflow {
		return nil, ErrOverflow
	}
	return num.Div(num, y), nil
}

// MulDiv returns floor(x*y/d) using a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	res, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return res, nil
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// Sub returns x-y or ErrUnderflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return diff, nil
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// FromDecimal scales a human-readable decimal into an 18-decimal integer amount.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %s", d.String())
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", d.String(), Decimals)
	}
	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// Parse parses a decimal string such as "2.5" into a scaled amount.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal converts a scaled amount back into a decimal.
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// Format renders a scaled amount with trailing zeros trimmed.
func Format(v *uint256.Int) string {
	return ToDecimal(v).String()
}
