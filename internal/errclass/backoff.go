package errclass

import (
	"time"

	"github.com/jpillora/backoff"
)

// BackoffFloor is the first retry delay of the exponential policy.
const BackoffFloor = time.Second

// Backoff doubles the retry delay from BackoffFloor up to max.
// Reset after a successful tick returns it to the floor.
type Backoff struct {
	b *backoff.Backoff
}

// NewBackoff creates a Backoff capped at max.
func NewBackoff(max time.Duration) *Backoff {
	if max < BackoffFloor {
		max = BackoffFloor
	}
	return &Backoff{b: &backoff.Backoff{
		Min:    BackoffFloor,
		Max:    max,
		Factor: 2,
		Jitter: false,
	}}
}

// Next returns the delay for the current consecutive failure and advances.
func (b *Backoff) Next() time.Duration {
	return b.b.Duration()
}

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int {
	return int(b.b.Attempt())
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.b.Reset()
}
