package runtime

import "time"

// maxBackoff caps the exponential delay so large attempt counts neither
// overflow nor stall a step for hours.
const maxBackoff = 5 * time.Minute

// backoffDelay computes base * 2^attempt, saturating at maxBackoff. A
// non-positive base disables the delay entirely.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^63 overflows long before attempt 63; anything past the cap's
	// exponent saturates.
	if attempt > 30 {
		return maxBackoff
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
