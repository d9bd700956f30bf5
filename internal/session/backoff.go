package session

import "time"

// Backoff returns the exponential reconnect delay for a given attempt:
// base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 seconds already dwarfs any sane cap.
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<attempt)
	if delay > max {
		return max
	}
	return delay
}
