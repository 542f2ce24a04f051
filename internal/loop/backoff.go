package loop

import (
	"math"
	"time"
)

// Backoff doubles the delay after each unsuccessful attempt, starting at
// Base and capped at Max. A zero Max means no cap.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// DefaultBackoff yields 2m, 4m, 5m, 5m, ...
var DefaultBackoff = Backoff{Base: 2 * time.Minute, Max: 5 * time.Minute}

// Delay returns the pause after attempt (1-based). Delays never decrease
// as attempt grows.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
