package transport

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ccvpn-oss/ccvpn/profile"
)

// KeepaliveLoop sends SendKeepalive every profile.KeepaliveInterval
// until ctx is cancelled, protected by a circuit breaker so a carrier
// that starts failing keepalives stops hammering a dead peer (§4.5).
// The breaker's OnStateChange callback lets the controller surface a
// degraded-link notification without KeepaliveLoop depending on it.
func KeepaliveLoop(ctx context.Context, c Carrier, onStateChange func(from, to gobreaker.State)) {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "keepalive",
		MaxRequests: 1,
		Timeout:     profile.KeepaliveInterval * 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if onStateChange != nil {
				onStateChange(from, to)
			}
		},
	})

	ticker := time.NewTicker(profile.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = cb.Execute(func() (any, error) {
				return nil, c.SendKeepalive()
			})
		}
	}
}

// SSLKeepaliveCounter is the SSL-tunnel carrier's own keepalive
// underflow guard (§4.5: "underflow must be treated as a bug; saturate
// at zero instead" — the historic crash this replaces was an unchecked
// decrement past zero).
type SSLKeepaliveCounter struct {
	n uint32
}

// NewSSLKeepaliveCounter starts the counter at n missed-keepalive
// tolerance.
func NewSSLKeepaliveCounter(n uint32) *SSLKeepaliveCounter {
	return &SSLKeepaliveCounter{n: n}
}

// Decrement lowers the counter by one, saturating at zero rather than
// wrapping.
func (c *SSLKeepaliveCounter) Decrement() {
	if c.n > 0 {
		c.n--
	}
}

// Exhausted reports whether the tolerance has run out.
func (c *SSLKeepaliveCounter) Exhausted() bool { return c.n == 0 }
