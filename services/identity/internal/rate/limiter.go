// Package rate throttles login attempts. Attempts are counted per Key, and
// each Scope carries its own budget.
package rate

import (
	"context"
	"time"
)

// Scope names what a login attempt is counted against.
type Scope string

const (
	ScopeHandle Scope = "handle"
	ScopeIP     Scope = "ip"
)

// Key identifies one counter.
type Key struct {
	Scope Scope
	Value string
}

func HandleKey(handle string) Key { return Key{Scope: ScopeHandle, Value: handle} }

func IPKey(ip string) Key { return Key{Scope: ScopeIP, Value: ip} }

func (k Key) String() string { return string(k.Scope) + ":" + k.Value }

// Limits is the number of attempts admitted per window for each scope. A
// scope with a non-positive limit is not throttled.
type Limits struct {
	Handle int
	IP     int
}

func (l Limits) For(scope Scope) int {
	switch scope {
	case ScopeHandle:
		return l.Handle
	case ScopeIP:
		return l.IP
	default:
		return 0
	}
}

// Enabled reports whether any scope is throttled.
func (l Limits) Enabled() bool { return l.Handle > 0 || l.IP > 0 }

// Decision is the outcome of one attempt. RetryAfter is set only when the
// attempt was rejected.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func admit(remaining int) Decision { return Decision{Allowed: true, Remaining: remaining} }

func reject(retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{RetryAfter: retryAfter}
}

type Limiter interface {
	Allow(ctx context.Context, key Key, now time.Time) (Decision, error)
	Reset(ctx context.Context, key Key) error
}

// Noop admits everything.
type Noop struct{}

func (Noop) Allow(context.Context, Key, time.Time) (Decision, error) { return admit(-1), nil }

func (Noop) Reset(context.Context, Key) error { return nil }
