package floats

import "math"

func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Clamp limits f to [lo, hi]. NaN is mapped to 0 before clamping.
func Clamp(f, lo, hi float64) float64 {
	if lo > hi {
		panic("invalid argument: lo must not be greater than hi")
	}
	if math.IsNaN(f) {
		f = 0
	}
	return math.Max(lo, math.Min(hi, f))
}

// Lerp interpolates linearly between a and b, t in [0, 1].
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
