// Package utils provides small shared helpers for the trading core.
package utils

import (
	"math"
	"time"
)

// UTCTimestampFormat is the journal timestamp layout: UTC ISO-8601 with
// millisecond precision and explicit Z suffix.
const UTCTimestampFormat = "2006-01-02T15:04:05.000Z"

// SessionDateFormat is the local calendar date layout used for session keys.
const SessionDateFormat = "2006-01-02"

// UTCTimestamp formats t as a journal timestamp.
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format(UTCTimestampFormat)
}

// SessionDate formats t as a local session date.
func SessionDate(t time.Time) string {
	return t.Format(SessionDateFormat)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FiniteFloat reports whether v is a usable finite number.
func FiniteFloat(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AbsInt returns the absolute value of an int.
func AbsInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// MinInt returns the smaller of a and b.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxInt returns the larger of a and b.
func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
