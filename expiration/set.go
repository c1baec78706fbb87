package expiration

import (
	"fmt"
	"time"

	"github.com/Ajtak/cas/ticket"
)

// Set maps ticket types to their policy. Types without an entry use the
// fallback.
type Set struct {
	byType   map[ticket.Type]Policy
	fallback Policy
}

// NewSet returns a set whose unknown types use fallback. A nil fallback
// means Never.
func NewSet(fallback Policy) *Set {
	if fallback == nil {
		fallback = Never{}
	}
	return &Set{byType: map[ticket.Type]Policy{}, fallback: fallback}
}

// With registers p for typ and returns the set for chaining.
func (s *Set) With(typ ticket.Type, p Policy) *Set {
	s.byType[typ] = p
	return s
}

// For returns the policy applied to typ.
func (s *Set) For(typ ticket.Type) Policy {
	if p, ok := s.byType[typ]; ok {
		return p
	}
	return s.fallback
}

// IsExpired evaluates the ticket against its type's policy.
func (s *Set) IsExpired(t *ticket.Ticket, now time.Time) bool {
	return s.For(t.Type).IsExpired(t, now)
}

// Default lifetimes, matching a stock CAS deployment.
const (
	DefaultTGTMaxIdle     = 2 * time.Hour
	DefaultTGTMaxLifetime = 8 * time.Hour
	DefaultSTMaxLifetime  = 10 * time.Second
	DefaultSTMaxUses      = 1
)

// DefaultSet returns the stock policies: sessions expire on idle or hard
// timeout, service and proxy tickets are single use with a short ttl.
func DefaultSet() *Set {
	session := Any(Idle{MaxIdle: DefaultTGTMaxIdle}, TimeToLive{MaxLifetime: DefaultTGTMaxLifetime})
	grant := Any(UseCount{MaxUses: DefaultSTMaxUses}, TimeToLive{MaxLifetime: DefaultSTMaxLifetime})
	return NewSet(Never{}).
		With(ticket.TypeTicketGranting, session).
		With(ticket.TypeProxyGranting, session).
		With(ticket.TypeService, grant).
		With(ticket.TypeProxy, grant)
}

// Spec describes one type's policy in configuration. Zero fields are
// not part of the composite; an all-zero Spec yields Never.
type Spec struct {
	MaxLifetime time.Duration
	MaxIdle     time.Duration
	MaxUses     int
	Disabled    bool
}

// Policy builds the policy described by s.
func (s Spec) Policy() (Policy, error) {
	if s.Disabled {
		return Always{}, nil
	}
	if s.MaxLifetime < 0 || s.MaxIdle < 0 || s.MaxUses < 0 {
		return nil, fmt.Errorf("expiration: negative limit in %+v", s)
	}
	var c Composite
	if s.MaxUses > 0 {
		c = append(c, UseCount{MaxUses: s.MaxUses})
	}
	if s.MaxIdle > 0 {
		c = append(c, Idle{MaxIdle: s.MaxIdle})
	}
	if s.MaxLifetime > 0 {
		c = append(c, TimeToLive{MaxLifetime: s.MaxLifetime})
	}
	switch len(c) {
	case 0:
		return Never{}, nil
	case 1:
		return c[0], nil
	}
	return c, nil
}

// FromSpecs builds a set on top of DefaultSet, replacing the policies of
// the types present in specs.
func FromSpecs(specs map[ticket.Type]Spec) (*Set, error) {
	set := DefaultSet()
	for typ, spec := range specs {
		p, err := spec.Policy()
		if err != nil {
			return nil, fmt.Errorf("policy for %s: %w", typ, err)
		}
		set.With(typ, p)
	}
	return set, nil
}
