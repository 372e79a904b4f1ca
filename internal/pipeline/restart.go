package pipeline

import (
	"context"
	"time"
)

// Default restart parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RestartPolicy controls how a [Runner] restarts its source after the stream
// closed or the connection failed.
type RestartPolicy struct {
	// MaxRetries is the number of consecutive restarts before the runner
	// gives up. 0 disables restarting.
	MaxRetries int

	// Backoff is the initial wait between restarts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if
	// zero.
	MaxBackoff time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// backoff returns the wait before restart attempt n (1-based).
func (p RestartPolicy) backoff(n int) time.Duration {
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}

// sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
