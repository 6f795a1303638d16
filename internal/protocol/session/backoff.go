package session

import (
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt n (1-based). The initial
// delay grows by Multiplier per attempt up to MaxDelay; with Jitter and a
// non-nil rng the result is scaled into [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay)
	for n := 1; n < attempt; n++ {
		delay *= growth
		if b.MaxDelay > 0 && delay >= float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	return time.Duration(delay)
}
