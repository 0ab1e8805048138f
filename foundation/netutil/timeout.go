package netutil

import "time"

// BoundTimeout normalizes a caller-supplied timeout against server limits:
//
//   - d <= 0 -> fallback
//   - d > max (when max > 0) -> max
//   - otherwise -> d
func BoundTimeout(d, fallback, max time.Duration) time.Duration {
	if d <= 0 {
		d = fallback
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Millis converts a millisecond count from a request body or config file.
// Negative counts become zero.
func Millis(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts whole seconds; negative counts become zero.
func Seconds(s int) time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
