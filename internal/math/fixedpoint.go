// internal/math/fixedpoint.go
package math

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FracBits is the number of fractional bits carried by I80F48.
const FracBits = 48

const maxLimb = ^uint64(0)

var (
	// ErrOverflow is carried by the panic value of any I80F48 operation whose
	// result leaves the signed 128-bit range.
	ErrOverflow = errors.New("fixed-point overflow")

	// ErrDivideByZero is carried by the panic value of a division by zero.
	ErrDivideByZero = errors.New("fixed-point division by zero")

	pow48  = new(big.Int).Lsh(big.NewInt(1), FracBits)
	five48 = new(big.Int).Exp(big.NewInt(5), big.NewInt(FracBits), nil)
	dPow48 = decimal.NewFromBigInt(pow48, 0)
)

// ArithmeticError is the panic value raised by I80F48 arithmetic. The
// deterministic core recovers it and aborts the running call.
type ArithmeticError struct {
	Op  string
	Err error
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ArithmeticError) Unwrap() error { return e.Err }

// I80F48 is a signed fixed-point number with 80 integer bits and 48
// fractional bits. The raw value lives in the low 128 bits of a 256-bit
// two's-complement word so products never wrap before the range check.
// The zero value is 0.
type I80F48 struct {
	v uint256.Int
}

var (
	Zero = I80F48{}
	One  = FromInt64(1)
)

// FromInt64 converts an integer exactly.
func FromInt64(i int64) I80F48 {
	var z uint256.Int
	z[0] = uint64(i)
	if i < 0 {
		z[1], z[2], z[3] = maxLimb, maxLimb, maxLimb
	}
	z.Lsh(&z, FracBits)
	return I80F48{v: z}
}

// FromUint64 converts an unsigned integer exactly.
func FromUint64(u uint64) I80F48 {
	var z uint256.Int
	z.SetUint64(u)
	z.Lsh(&z, FracBits)
	return I80F48{v: z}
}

// FromBits rebuilds a value from its raw little-endian 128-bit representation.
func FromBits(lo, hi uint64) I80F48 {
	var z uint256.Int
	z[0], z[1] = lo, hi
	if hi>>63 == 1 {
		z[2], z[3] = maxLimb, maxLimb
	}
	return I80F48{v: z}
}

// Bits returns the raw 128-bit two's-complement representation.
func (x I80F48) Bits() (lo, hi uint64) {
	return x.v[0], x.v[1]
}

// PutBytes writes the 16-byte little-endian encoding into b.
func (x I80F48) PutBytes(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], x.v[0])
	binary.LittleEndian.PutUint64(b[8:16], x.v[1])
}

// FromBytes decodes the 16-byte little-endian encoding written by PutBytes.
func FromBytes(b []byte) I80F48 {
	return FromBits(binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]))
}

func fits(z *uint256.Int) bool {
	if z[1]>>63 == 1 {
		return z[2] == maxLimb && z[3] == maxLimb
	}
	return z[2] == 0 && z[3] == 0
}

func checked(op string, z *uint256.Int) I80F48 {
	if !fits(z) {
		panic(&ArithmeticError{Op: op, Err: ErrOverflow})
	}
	return I80F48{v: *z}
}

func (x I80F48) Add(y I80F48) I80F48 {
	var z uint256.Int
	z.Add(&x.v, &y.v)
	return checked("add", &z)
}

func (x I80F48) Sub(y I80F48) I80F48 {
	var z uint256.Int
	z.Sub(&x.v, &y.v)
	return checked("sub", &z)
}

// Mul multiplies and truncates the extra fractional bits toward negative
// infinity.
func (x I80F48) Mul(y I80F48) I80F48 {
	var z uint256.Int
	z.Mul(&x.v, &y.v)
	z.SRsh(&z, FracBits)
	return checked("mul", &z)
}

// Div divides and truncates toward zero.
func (x I80F48) Div(y I80F48) I80F48 {
	if y.IsZero() {
		panic(&ArithmeticError{Op: "div", Err: ErrDivideByZero})
	}
	var n, z uint256.Int
	n.Lsh(&x.v, FracBits)
	z.SDiv(&n, &y.v)
	return checked("div", &z)
}

// DivCeil divides non-negative operands and rounds up to the next
// representable value when the division is inexact.
func (x I80F48) DivCeil(y I80F48) I80F48 {
	q := x.Div(y)
	if q.Mul(y).Cmp(x) < 0 {
		var z uint256.Int
		z.Add(&q.v, uint256.NewInt(1))
		return checked("div_ceil", &z)
	}
	return q
}

// MulInt64 multiplies by an integer exactly.
func (x I80F48) MulInt64(i int64) I80F48 {
	var y uint256.Int
	y[0] = uint64(i)
	if i < 0 {
		y[1], y[2], y[3] = maxLimb, maxLimb, maxLimb
	}
	var z uint256.Int
	z.Mul(&x.v, &y)
	return checked("mul_int", &z)
}

func (x I80F48) Neg() I80F48 {
	var z uint256.Int
	z.Neg(&x.v)
	return checked("neg", &z)
}

func (x I80F48) Abs() I80F48 {
	if x.IsNegative() {
		return x.Neg()
	}
	return x
}

// Sign returns -1, 0 or +1.
func (x I80F48) Sign() int { return x.v.Sign() }

func (x I80F48) IsZero() bool     { return x.v.IsZero() }
func (x I80F48) IsPositive() bool { return x.v.Sign() > 0 }
func (x I80F48) IsNegative() bool { return x.v.Sign() < 0 }

// Cmp compares two values as signed numbers.
func (x I80F48) Cmp(y I80F48) int {
	switch {
	case x.v.Eq(&y.v):
		return 0
	case x.v.Slt(&y.v):
		return -1
	default:
		return 1
	}
}

func (x I80F48) Equal(y I80F48) bool { return x.v.Eq(&y.v) }

const fracMask = uint64(1)<<FracBits - 1

// Floor rounds toward negative infinity.
func (x I80F48) Floor() I80F48 {
	z := x.v
	z[0] &^= fracMask
	return I80F48{v: z}
}

// Ceil rounds toward positive infinity.
func (x I80F48) Ceil() I80F48 {
	if x.v[0]&fracMask == 0 {
		return x
	}
	return x.Floor().Add(One)
}

// RoundToZero drops the fractional part.
func (x I80F48) RoundToZero() I80F48 {
	if x.IsNegative() {
		return x.Ceil()
	}
	return x.Floor()
}

// ToInt64TowardZero truncates toward zero and converts to int64. The second
// result is false when the integer part does not fit.
func (x I80F48) ToInt64TowardZero() (int64, bool) {
	r := x.RoundToZero()
	var q uint256.Int
	q.SRsh(&r.v, FracBits)
	ext := uint64(0)
	if q[0]>>63 == 1 {
		ext = maxLimb
	}
	if q[1] != ext || q[2] != ext || q[3] != ext {
		return 0, false
	}
	return int64(q[0]), true
}

// MustToInt64 is ToInt64TowardZero that panics with ErrOverflow.
func (x I80F48) MustToInt64() int64 {
	i, ok := x.ToInt64TowardZero()
	if !ok {
		panic(&ArithmeticError{Op: "to_int64", Err: ErrOverflow})
	}
	return i
}

func (x I80F48) bigInt() *big.Int {
	if x.IsNegative() {
		var a uint256.Int
		a.Neg(&x.v)
		b := a.ToBig()
		return b.Neg(b)
	}
	return x.v.ToBig()
}

// Decimal returns the exact decimal value. 2^-48 has a finite decimal
// expansion so no precision is lost.
func (x I80F48) Decimal() decimal.Decimal {
	b := x.bigInt()
	b.Mul(b, five48)
	return decimal.NewFromBigInt(b, -FracBits)
}

// FromDecimal converts d, flooring anything finer than 2^-48.
func FromDecimal(d decimal.Decimal) (I80F48, error) {
	raw := d.Mul(dPow48).Floor().BigInt()
	neg := raw.Sign() < 0
	if neg {
		raw.Neg(raw)
	}
	z, overflow := uint256.FromBig(raw)
	if overflow {
		return Zero, errors.Wrapf(ErrOverflow, "decimal %s", d.String())
	}
	if neg {
		z.Neg(z)
	}
	if !fits(z) {
		return Zero, errors.Wrapf(ErrOverflow, "decimal %s", d.String())
	}
	return I80F48{v: *z}, nil
}

// FromString parses a decimal string such as "-12.375".
func FromString(s string) (I80F48, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, errors.Wrapf(err, "parse fixed-point %q", s)
	}
	return FromDecimal(d)
}

// MustFromString is FromString for constants and tests.
func MustFromString(s string) I80F48 {
	x, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return x
}

func (x I80F48) String() string {
	return x.Decimal().String()
}

// Float64 is lossy and only meant for metrics.
func (x I80F48) Float64() float64 {
	f, _ := x.Decimal().Float64()
	return f
}

func (x I80F48) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.String() + `"`), nil
}

func (x *I80F48) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := FromString(s)
	if err != nil {
		return err
	}
	*x = v
	return nil
}

func (x I80F48) MarshalBinary() ([]byte, error) {
	b := make([]byte, 16)
	x.PutBytes(b)
	return b, nil
}

func (x *I80F48) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return errors.Errorf("fixed-point binary length %d, want 16", len(b))
	}
	*x = FromBytes(b)
	return nil
}
