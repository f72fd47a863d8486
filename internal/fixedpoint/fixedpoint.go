// Package fixedpoint implements 17.14 fixed-point arithmetic, the form
// this kernel's scheduler bookkeeping uses for load averages and
// priorities.
package fixedpoint

// scale is 1<<14, giving 17 integer bits, 14 fractional bits, and a sign
// bit within a 32-bit word.
const scale = 1 << 14

// Fixed is a 17.14 fixed-point value.
type Fixed int32

// FromInt converts an integer to fixed-point.
func FromInt(n int) Fixed {
	return Fixed(int32(n) * scale)
}

// ToIntTrunc converts to integer via a plain arithmetic shift, rounding
// toward negative infinity.
func ToIntTrunc(x Fixed) int {
	return int(int32(x) >> 14)
}

// ToIntRound converts to integer, rounding to nearest with ties away from
// zero.
func ToIntRound(x Fixed) int {
	v := int32(x)
	if v >= 0 {
		return int((v + scale/2) >> 14)
	}
	return int((v - scale/2) / scale)
}

// Add adds two fixed-point values.
func Add(x, y Fixed) Fixed {
	return x + y
}

// Sub subtracts two fixed-point values.
func Sub(x, y Fixed) Fixed {
	return x - y
}

// AddInt adds an integer to a fixed-point value.
func AddInt(x Fixed, n int) Fixed {
	return x + Fixed(int32(n)*scale)
}

// SubInt subtracts an integer from a fixed-point value.
func SubInt(x Fixed, n int) Fixed {
	return x - Fixed(int32(n)*scale)
}

// Mul multiplies two fixed-point values. The intermediate product is
// computed in 64 bits before rescaling to avoid overflow ahead of the
// shift.
func Mul(x, y Fixed) Fixed {
	return Fixed((int64(x) * int64(y)) >> 14)
}

// MulInt multiplies a fixed-point value by an integer.
func MulInt(x Fixed, n int) Fixed {
	return x * Fixed(n)
}

// Div divides two fixed-point values.
func Div(x, y Fixed) Fixed {
	return Fixed((int64(x) << 14) / int64(y))
}

// DivInt divides a fixed-point value by an integer.
func DivInt(x Fixed, n int) Fixed {
	return x / Fixed(n)
}
