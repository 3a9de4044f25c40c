package execution

import (
	"math"
	"strings"
	"time"
)

// Bucket classifies a broker error for retry purposes.
type Bucket string

const (
	BucketTransient Bucket = "transient"
	BucketThrottle  Bucket = "throttle"
	BucketRisk      Bucket = "risk"
	BucketFatal     Bucket = "fatal"
)

// maxAttempts is the total attempt budget per bucket, first try included.
var maxAttempts = map[Bucket]int{
	BucketTransient: 3,
	BucketThrottle:  4,
	BucketRisk:      1,
	BucketFatal:     1,
}

// MaxAttempts returns the attempt budget for a bucket.
func MaxAttempts(bucket Bucket) int {
	if n, ok := maxAttempts[bucket]; ok {
		return n
	}
	return 1
}

var (
	throttleMarkers  = []string{"too many requests", "rate limit", "throttl", "429"}
	riskMarkers      = []string{"insufficient", "margin", "rms", "blocked", "circuit limit", "freeze quantity"}
	transientMarkers = []string{
		"timeout", "timed out", "connection", "network", "gateway",
		"temporarily", "unavailable", "502", "503", "504",
	}
)

// Classify buckets a broker error by message. Throttle and risk markers win
// over transient ones; anything unrecognized is fatal.
func Classify(err error) Bucket {
	if err == nil {
		return BucketTransient
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range throttleMarkers {
		if strings.Contains(msg, marker) {
			return BucketThrottle
		}
	}
	for _, marker := range riskMarkers {
		if strings.Contains(msg, marker) {
			return BucketRisk
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return BucketTransient
		}
	}
	return BucketFatal
}

// Backoff returns the sleep before retry number attempt (0-based: attempt 0
// is the pause after the first failure).
//
// Throttle grows linearly, capped at 1.5s. Transient doubles from 200ms,
// capped at 1s. Risk and fatal never retry so their backoff is zero.
func Backoff(bucket Bucket, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var seconds float64
	switch bucket {
	case BucketThrottle:
		seconds = math.Min(1.5, 0.4*float64(attempt+1))
	case BucketTransient:
		seconds = math.Min(1.0, 0.2*math.Pow(2, float64(attempt)))
	default:
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
