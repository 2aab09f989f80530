package fixedpoint

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulRoundsToNearest(t *testing.T) {
	got, err := Mul(MustParse("2"), MustParse("250"))
	require.NoError(t, err)
	assert.Equal(t, "500", Format(got))

	// 1 wei * 0.5 = 0.5 wei, rounds up to 1 wei.
	got, err = Mul(uint256.NewInt(1), MustParse("0.5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Uint64())

	// 1 wei * 0.4 = 0.4 wei, rounds down to 0.
	got, err = Mul(uint256.NewInt(1), MustParse("0.4"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestDivRoundsToNearest(t *testing.T) {
	got, err := Div(MustParse("500"), MustParse("2"))
	require.NoError(t, err)
	assert.Equal(t, "250", Format(got))

	got, err = Div(MustParse("1"), MustParse("3"))
	require.NoError(t, err)
	assert.Equal(t, "0.333333333333333333", Format(got))

	got, err = Div(MustParse("2"), MustParse("3"))
	require.NoError(t, err)
	assert.Equal(t, "0.666666666666666667", Format(got))
}

func TestDivideByZero(t *testing.T) {
	_, err := Div(MustParse("1"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrDivideByZero)

	_, err = MulDiv(MustParse("1"), MustParse("1"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrDivideByZero)
}

func TestOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := Mul(max, uint256.NewInt(2))
	assert.ErrorIs(t, err, ErrOverflow)

	// product fits but the rounding term does not
	_, err = Mul(max, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Div(max, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Add(max, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestMulDivFloors(t *testing.T) {
	got, err := MulDiv(MustParse("30"), MustParse("1000"), MustParse("100"))
	require.NoError(t, err)
	assert.Equal(t, "300", Format(got))

	got, err = MulDiv(uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(3))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	// intermediate exceeds 256 bits but the result does not
	max := new(uint256.Int).SetAllOne()
	got, err = MulDiv(max, uint256.NewInt(2), uint256.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Rsh(max, 1), got)
}

func TestParseAndFormat(t *testing.T) {
	v, err := Parse("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.Dec())
	assert.True(t, ToDecimal(v).Equal(decimal.RequireFromString("1.5")))

	_, err = Parse("-1")
	assert.Error(t, err)

	_, err = Parse("0.0000000000000000001")
	assert.Error(t, err)

	_, err = Parse("abc")
	assert.Error(t, err)
}
