// Package timeutil holds the clock-skew helpers shared by the token
// verifier, the tunnel server, and the E2EE handshake. Skew windows are
// specified as durations but compared against Unix-second timestamps, so
// every consumer needs the same ceil-to-whole-seconds rounding: rounding
// down would let a replayed token or a late handshake squeak through in
// the sub-second remainder.
package timeutil

import (
	"math"
	"time"
)

// SkewSecondsCeil converts a skew duration to whole seconds, rounding up.
// Non-positive durations yield 0.
func SkewSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// NormalizeSkew rounds a skew duration up to a whole number of seconds.
func NormalizeSkew(d time.Duration) time.Duration {
	return time.Duration(SkewSecondsCeil(d)) * time.Second
}

// AddSkewUnix returns unixS + ceil(skew) in seconds, saturating at MaxInt64.
func AddSkewUnix(unixS int64, skew time.Duration) int64 {
	s := SkewSecondsCeil(skew)
	if unixS > math.MaxInt64-s {
		return math.MaxInt64
	}
	return unixS + s
}
