// Package ticket defines the ticket model shared by every layer of the
// registry: the tagged ticket variant, the type catalog that encodes the
// parenting rules, the id generator and the error taxonomy.
//
// A Ticket carries no behavior beyond its invariants and the single
// MarkUsed mutator. Expiration is decided by the expiration package,
// persistence by the registry.
package ticket

import (
	"maps"
	"slices"
	"time"
)

// Type tags a ticket variant. The tag is stored next to the serialized
// body and selects the decoder and the parenting rules.
type Type string

const (
	// TypeTicketGranting is the root of an authenticated session.
	TypeTicketGranting Type = "TGT"
	// TypeService grants access to a single service.
	TypeService Type = "ST"
	// TypeProxyGranting lets a service obtain tickets on behalf of the
	// principal.
	TypeProxyGranting Type = "PGT"
	// TypeProxy is a service ticket issued from a proxy-granting ticket.
	TypeProxy Type = "PT"
)

func (t Type) String() string { return string(t) }

// Authentication is the opaque authentication context attached to
// ticket-granting tickets. The registry stores and returns it without
// interpreting principal or attributes.
type Authentication struct {
	PrincipalID     string              `json:"principalId" cbor:"principalId"`
	Attributes      map[string][]string `json:"attributes,omitempty" cbor:"attributes,omitempty"`
	AuthenticatedAt time.Time           `json:"authenticatedAt" cbor:"authenticatedAt"`
}

// Clone returns a deep copy.
func (a *Authentication) Clone() *Authentication {
	if a == nil {
		return nil
	}
	c := *a
	if a.Attributes != nil {
		c.Attributes = make(map[string][]string, len(a.Attributes))
		for k, v := range a.Attributes {
			c.Attributes[k] = slices.Clone(v)
		}
	}
	return &c
}

// Ticket is the tagged ticket variant. Common fields apply to all types;
// the remaining fields are populated according to Type (see Catalog).
type Ticket struct {
	ID           string
	Type         Type
	ParentID     string
	CreationTime time.Time
	LastUsedTime time.Time
	UseCount     int

	// Authentication is set on types whose descriptor has
	// CarriesAuthentication.
	Authentication *Authentication

	// Service is the target service of ST and PT tickets.
	Service string
	// FromNewLogin marks a service ticket issued right after a primary
	// authentication rather than from an existing session.
	FromNewLogin bool

	// Services maps service ticket ids granted by a TGT to their target
	// service.
	Services map[string]string
	// ProxiedBy is the callback service that received a PGT.
	ProxiedBy string
}

// New builds a ticket of type typ with a generated id. parent may be nil
// for root types; it must otherwise be of a type permitted to parent typ.
// auth is attached only when the type carries an authentication context;
// child tickets reach it through their parent chain.
func New(catalog *Catalog, ids *IDGenerator, typ Type, parent *Ticket, auth *Authentication, now time.Time) (*Ticket, error) {
	d, err := catalog.Lookup(typ)
	if err != nil {
		return nil, err
	}
	var parentType Type
	var parentID string
	if parent != nil {
		parentType, parentID = parent.Type, parent.ID
	}
	if err := d.checkParent(parentType); err != nil {
		return nil, err
	}
	t := &Ticket{
		ID:           ids.New(d.Prefix),
		Type:         typ,
		ParentID:     parentID,
		CreationTime: now,
		LastUsedTime: now,
	}
	if d.CarriesAuthentication {
		t.Authentication = auth.Clone()
	}
	if typ == TypeTicketGranting {
		t.Services = map[string]string{}
	}
	return t, nil
}

// MarkUsed records one use of the ticket.
func (t *Ticket) MarkUsed(now time.Time) {
	t.UseCount++
	t.LastUsedTime = now
}

// Equal reports whether both tickets have the same identity.
func (t *Ticket) Equal(o *Ticket) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.ID == o.ID
}

// PrincipalID returns the principal of the attached authentication, or
// the empty string.
func (t *Ticket) PrincipalID() string {
	if t.Authentication == nil {
		return ""
	}
	return t.Authentication.PrincipalID
}

// Clone returns a deep copy so callers can mutate without affecting a
// ticket shared with another goroutine.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Authentication = t.Authentication.Clone()
	if t.Services != nil {
		c.Services = maps.Clone(t.Services)
	}
	return &c
}

// Filter selects tickets during enumeration.
type Filter func(*Ticket) bool

// OfType matches tickets whose type is one of types.
func OfType(types ...Type) Filter {
	return func(t *Ticket) bool { return slices.Contains(types, t.Type) }
}

// ForPrincipal matches tickets carrying an authentication for principal.
func ForPrincipal(principal string) Filter {
	return func(t *Ticket) bool { return t.PrincipalID() == principal }
}

// All matches when every filter matches.
func All(filters ...Filter) Filter {
	return func(t *Ticket) bool {
		for _, f := range filters {
			if f != nil && !f(t) {
				return false
			}
		}
		return true
	}
}
