// Package tickmath implements precision-safe rounding of prices to tick
// and quantities to lot step. All rounding is done with scaled-integer
// (fixed-point) arithmetic so it exactly matches a venue's acceptance
// check; binary floats are never used for the rounding itself, only as
// the input/output representation.
package tickmath

import (
	"math"
	"math/big"
)

// floatPrec is the mantissa precision for the intermediate big.Float
// conversions: wide enough that scaling a float64 by up to 10^27 loses
// nothing of the original 53-bit mantissa.
const floatPrec = 128

// precisionOf returns the negative decimal exponent of step, i.e. the number
// of digits after the decimal point implied by the step's magnitude
// (0.01 -> 2, 1 -> 0, 10 -> 0).
func precisionOf(step float64) int {
	if step <= 0 {
		return 0
	}
	p := 0
	s := step
	for p < 18 && math.Round(s*math.Pow10(p))/math.Pow10(p) != s {
		p++
	}
	return p
}

// pow10Float returns 10^n as an exact big.Float.
func pow10Float(n int) *big.Float {
	i := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	return new(big.Float).SetPrec(floatPrec).SetInt(i)
}

// toUnits converts x to integer units of the given scale, rounding to the
// NEAREST unit rather than truncating: the scale is always fine enough to
// represent x's decimal digits exactly, so the only thing rounded away is
// binary-float noise (0.29 stored as 0.28999...), never a real digit.
func toUnits(x float64, scale *big.Float) *big.Int {
	f := new(big.Float).SetPrec(floatPrec).SetFloat64(x)
	f.Mul(f, scale)
	half := big.NewFloat(0.5)
	if f.Sign() < 0 {
		f.Sub(f, half)
	} else {
		f.Add(f, half)
	}
	i, _ := f.Int(nil)
	return i
}

// scaled converts v and step to integer units fine enough to preserve BOTH
// values' decimal digits, so the remainder RoundTo/CeilTo inspect reflects
// the sub-step part of v. Scaling at the step's own precision alone would
// truncate that remainder to zero before the rounding direction is ever
// decided.
func scaled(v, step float64) (vUnits *big.Int, stepUnits *big.Int, scale *big.Float) {
	prec := precisionOf(step)
	if p := precisionOf(v); p > prec {
		prec = p
	}
	scale = pow10Float(prec)
	vUnits = toUnits(v, scale)
	stepUnits = toUnits(step, scale)
	if stepUnits.Sign() == 0 {
		stepUnits = big.NewInt(1)
	}
	return vUnits, stepUnits, scale
}

func unscale(units *big.Int, scale *big.Float) float64 {
	f := new(big.Float).SetPrec(floatPrec).SetInt(units)
	f.Quo(f, scale)
	out, _ := f.Float64()
	return out
}

// FloorTo rounds v down to the nearest multiple of step (toward zero for
// positive v, which is the only direction this system ever floors in).
func FloorTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	vUnits, stepUnits, scale := scaled(v, step)
	q := new(big.Int).Quo(vUnits, stepUnits)
	// big.Int.Quo truncates toward zero; for non-negative v that is floor.
	if vUnits.Sign() < 0 {
		rem := new(big.Int).Mod(vUnits, stepUnits)
		if rem.Sign() != 0 {
			q.Sub(q, big.NewInt(1))
		}
	}
	result := new(big.Int).Mul(q, stepUnits)
	return unscale(result, scale)
}

// CeilTo rounds v up to the nearest multiple of step.
func CeilTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	vUnits, stepUnits, scale := scaled(v, step)
	q := new(big.Int).Quo(vUnits, stepUnits)
	rem := new(big.Int).Mod(vUnits, stepUnits)
	if rem.Sign() != 0 && vUnits.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	result := new(big.Int).Mul(q, stepUnits)
	return unscale(result, scale)
}

// RoundTo rounds v to the nearest multiple of step, half-up. Prices and
// quantities in this system are always non-negative.
func RoundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	vUnits, stepUnits, scale := scaled(v, step)
	q := new(big.Int).Quo(vUnits, stepUnits)
	rem := new(big.Int).Mod(vUnits, stepUnits)
	twiceRem := new(big.Int).Mul(rem, big.NewInt(2))
	if twiceRem.Cmp(stepUnits) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	result := new(big.Int).Mul(q, stepUnits)
	return unscale(result, scale)
}

// Truncate truncates v to the given number of decimal digits, never
// rounding up. Used to format final submitted order strings so the venue
// never receives an over-sized quantity/price. The value is first
// recovered at a guard precision so float noise just below a digit
// boundary (0.29 stored as 0.28999...) doesn't lose a whole digit; only
// genuine sub-precision digits are dropped.
func Truncate(v float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	const guard = 9
	units := toUnits(v, pow10Float(precision+guard))
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(guard), nil)
	q := new(big.Int).Quo(units, divisor)
	return unscale(q, pow10Float(precision))
}

// CoarserStep returns the larger of two venues' steps, used to align lot
// sizes across venues so both legs round identically.
func CoarserStep(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// PrecisionOf is the exported form of precisionOf, used by formatting code
// that needs to know how many digits to print for a given tick/step.
func PrecisionOf(step float64) int {
	return precisionOf(step)
}
