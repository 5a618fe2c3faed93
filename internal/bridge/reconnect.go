package bridge

import "time"

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// backoff doubles the delay on every call to next, up to a ceiling.
type backoff struct {
	initial time.Duration
	ceiling time.Duration
	cur     time.Duration
}

func newBackoff(initial, ceiling time.Duration) *backoff {
	if initial <= 0 {
		initial = defaultBackoff
	}
	if ceiling < initial {
		ceiling = max(initial, defaultMaxBackoff)
	}
	return &backoff{initial: initial, ceiling: ceiling, cur: initial}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.ceiling)
	return d
}

func (b *backoff) reset() { b.cur = b.initial }
