// Package expiration decides whether a ticket is still valid from its
// stored timestamps and use count. Policies are pure predicates evaluated
// at read time; nothing here runs in the background.
package expiration

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ajtak/cas/ticket"
)

// Policy reports whether a ticket is expired at now.
type Policy interface {
	IsExpired(t *ticket.Ticket, now time.Time) bool
	fmt.Stringer
}

// justCreated covers the window between issuance and first use. A ticket
// in that window is never expired, whatever its policy, so a sweep can
// not race a fresh issuance.
func justCreated(t *ticket.Ticket, now time.Time) bool {
	return t.UseCount == 0 && !now.After(t.CreationTime)
}

// TimeToLive expires a ticket once it is older than MaxLifetime.
type TimeToLive struct {
	MaxLifetime time.Duration
}

func (p TimeToLive) IsExpired(t *ticket.Ticket, now time.Time) bool {
	if justCreated(t, now) {
		return false
	}
	return now.Sub(t.CreationTime) > p.MaxLifetime
}

func (p TimeToLive) String() string { return "ttl(" + p.MaxLifetime.String() + ")" }

// Idle expires a ticket unused for longer than MaxIdle.
type Idle struct {
	MaxIdle time.Duration
}

func (p Idle) IsExpired(t *ticket.Ticket, now time.Time) bool {
	if justCreated(t, now) {
		return false
	}
	last := t.LastUsedTime
	if last.IsZero() {
		last = t.CreationTime
	}
	return now.Sub(last) > p.MaxIdle
}

func (p Idle) String() string { return "idle(" + p.MaxIdle.String() + ")" }

// UseCount expires a ticket used MaxUses times. MaxUses of 1 makes a
// single-use ticket.
type UseCount struct {
	MaxUses int
}

func (p UseCount) IsExpired(t *ticket.Ticket, now time.Time) bool {
	if justCreated(t, now) {
		return false
	}
	return t.UseCount >= p.MaxUses
}

func (p UseCount) String() string { return fmt.Sprintf("uses(%d)", p.MaxUses) }

// Never keeps tickets valid forever.
type Never struct{}

func (Never) IsExpired(*ticket.Ticket, time.Time) bool { return false }
func (Never) String() string                         { return "never" }

// Always expires every ticket past its creation instant. It is used to
// retire a ticket type.
type Always struct{}

func (Always) IsExpired(t *ticket.Ticket, now time.Time) bool { return !justCreated(t, now) }
func (Always) String() string                                { return "always" }

// Composite expires a ticket when any member policy does.
type Composite []Policy

// Any combines policies with a logical OR.
func Any(policies ...Policy) Composite { return Composite(policies) }

func (c Composite) IsExpired(t *ticket.Ticket, now time.Time) bool {
	_, expired := c.Explain(t, now)
	return expired
}

// Explain returns the first member policy that reports the ticket
// expired.
func (c Composite) Explain(t *ticket.Ticket, now time.Time) (Policy, bool) {
	for _, p := range c {
		if p.IsExpired(t, now) {
			return p, true
		}
	}
	return nil, false
}

func (c Composite) String() string {
	parts := make([]string, len(c))
	for i, p := range c {
		parts[i] = p.String()
	}
	return "any(" + strings.Join(parts, ",") + ")"
}
