package timemath

import (
	"math"
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func Micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}

// Inv negates d, saturating at math.MaxInt64.
func Inv(d time.Duration) time.Duration {
	switch {
	case d == math.MinInt64:
		return math.MaxInt64
	default:
		return -d
	}
}

func Abs(d time.Duration) time.Duration {
	if d < 0 {
		return Inv(d)
	}
	return d
}

func Clamp(d, lo, hi time.Duration) time.Duration {
	if lo > hi {
		panic("invalid argument: lo must not be greater than hi")
	}
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}
