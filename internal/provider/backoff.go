package provider

import "time"

// Backoff yields the reconnect delay sequence Base, 2*Base, 4*Base, ...
// pinned at Max. The attempt counter stops advancing once the doubling
// reaches Max, so an arbitrarily long outage cannot shift the delay into
// overflow.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt uint
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d >= b.Max {
		return b.Max
	}
	b.attempt++
	return d
}

// Reset restarts the sequence after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
