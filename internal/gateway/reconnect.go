package gateway

import "time"

// State is the gateway's link state toward the broadcast bus.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // terminal until Retry()
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy is the exponential backoff schedule for bus reconnects.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt number `attempts`
// (0-based): min(base * 2^attempts, max).
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether another attempt is allowed.
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
