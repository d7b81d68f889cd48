package dummynet

//
// Fixed-point arithmetic used by RED
//

import "math/bits"

// fixedShift is the number of fractional bits of a [fixed].
const fixedShift = 16

// fixedOne is the [fixed] representation of 1.
const fixedOne = fixed(1 << fixedShift)

// fixed is a signed fixed-point number with 16 fractional bits.
//
// Multiplication saturates to the int64 range rather than wrapping. The
// RED math never gets close to the limits with sane configurations, so
// saturation only matters for nonsensical inputs, where it keeps the
// comparisons monotonic.
type fixed int64

// fixedFromInt converts an integer to [fixed], saturating.
func fixedFromInt(v int64) fixed {
	const limit = (1<<63 - 1) >> fixedShift
	switch {
	case v > limit:
		return fixed(1<<63 - 1)
	case v < -limit:
		return fixed(-1 << 63)
	default:
		return fixed(v << fixedShift)
	}
}

// fixedFromFloat converts a float to [fixed]. We only use this function
// when converting user-provided configuration values.
func fixedFromFloat(v float64) fixed {
	return fixed(v * float64(fixedOne))
}

// mul returns f*g, truncating the fractional part toward negative infinity
// like the shift-based multiplication it replaces.
func (f fixed) mul(g fixed) fixed {
	neg := (f < 0) != (g < 0)
	hi, lo := bits.Mul64(fixedAbs(f), fixedAbs(g))
	if hi>>fixedShift != 0 {
		return fixedSaturate(neg)
	}
	v := hi<<(64-fixedShift) | lo>>fixedShift
	if neg {
		// round toward negative infinity, matching an arithmetic shift
		if lo&(1<<fixedShift-1) != 0 {
			v++
		}
		if v > 1<<63 {
			return fixedSaturate(true)
		}
		return fixed(-int64(v - 1) - 1)
	}
	if v > 1<<63-1 {
		return fixedSaturate(false)
	}
	return fixed(v)
}

// toInt returns the integer part of f.
func (f fixed) toInt() int64 {
	return int64(f) >> fixedShift
}

// toFloat converts f to float64 for reporting purposes.
func (f fixed) toFloat() float64 {
	return float64(f) / float64(fixedOne)
}

func fixedAbs(f fixed) uint64 {
	if f < 0 {
		return uint64(-(f + 1)) + 1
	}
	return uint64(f)
}

func fixedSaturate(neg bool) fixed {
	if neg {
		return fixed(-1 << 63)
	}
	return fixed(1<<63 - 1)
}
