// Package ratelimit throttles inbound traffic. Window applies the
// per-connection frame policy in memory; Limiter applies Redis-backed
// per-identity rules shared by every server instance.
package ratelimit

import "time"

// Policy is the per-connection frame admission policy.
type Policy struct {
	MinInterval time.Duration // frames closer together than this are dropped
	Window      time.Duration // fixed window length
	MaxInWindow int           // frames admitted per window
}

// DefaultPolicy allows one frame per 50ms and 50 frames per minute.
func DefaultPolicy() Policy {
	return Policy{
		MinInterval: 50 * time.Millisecond,
		Window:      60 * time.Second,
		MaxInWindow: 50,
	}
}

// Counter is the mutable rate state of one connection. It is not
// goroutine-safe; frames from one connection are processed serially.
type Counter struct {
	MessageCount    int
	WindowStart     time.Time
	LastMessageTime time.Time
}

// Verdict is the outcome of an admission check.
type Verdict int

const (
	Allowed Verdict = iota
	TooSoon
	WindowExceeded
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case TooSoon:
		return "too_soon"
	case WindowExceeded:
		return "window_exceeded"
	}
	return "unknown"
}

// Admit decides whether a frame arriving at now may proceed and updates c.
// Only admitted frames advance LastMessageTime and MessageCount, so a burst
// can never yield more than one admitted frame per MinInterval.
func (p Policy) Admit(c *Counter, now time.Time) Verdict {
	if !c.LastMessageTime.IsZero() && now.Sub(c.LastMessageTime) < p.MinInterval {
		return TooSoon
	}

	if c.WindowStart.IsZero() || now.Sub(c.WindowStart) >= p.Window {
		c.WindowStart = now
		c.MessageCount = 0
	}
	if c.MessageCount >= p.MaxInWindow {
		return WindowExceeded
	}

	c.MessageCount++
	c.LastMessageTime = now
	return Allowed
}
