package sync

import "time"

const (
	DefaultBatchSize   = 10
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 16 * time.Second
	DefaultSendTimeout = 30 * time.Second

	// maxBackoffExp clamps the exponent so the shift cannot overflow.
	maxBackoffExp = 4
)

// Backoff returns the delay after a failed attempt for an entry that had
// made the given number of attempts before it: base * 2^min(attempts, 4),
// capped at maxDelay. With defaults this is 1s, 2s, 4s, 8s, 16s, 16s...
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	exp := min(max(attempts, 0), maxBackoffExp)
	d := base << exp
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
