package ticket

import (
	"fmt"
	"slices"
	"strings"
)

// Descriptor holds the per-type rules. Dispatch on a ticket's type goes
// through this table rather than through methods on the ticket.
type Descriptor struct {
	Type Type
	// Prefix starts every id of this type, e.g. "ST" in "ST-1-abc-cas".
	Prefix string
	// Parents lists the types allowed as parent. Empty means the type is
	// a root and must not have a parent.
	Parents []Type
	// AssignableTo lists broader types a caller may request this type as.
	AssignableTo []Type
	// CarriesAuthentication marks types that hold the authentication
	// context themselves.
	CarriesAuthentication bool
	// Label is a human readable name used for per-type table naming.
	Label string
}

func (d Descriptor) checkParent(parent Type) error {
	if parent == "" {
		if len(d.Parents) == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s requires a parent", ErrInvalidParent, d.Type)
	}
	if !slices.Contains(d.Parents, parent) {
		return fmt.Errorf("%w: %s cannot parent %s", ErrInvalidParent, parent, d.Type)
	}
	return nil
}

// Catalog is the lookup table of known ticket types.
type Catalog struct {
	byType   map[Type]Descriptor
	byPrefix map[string]Type
	order    []Type
}

// NewCatalog builds a catalog from descriptors. Prefixes and types must
// be unique.
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{byType: map[Type]Descriptor{}, byPrefix: map[string]Type{}}
	for _, d := range descs {
		if d.Type == "" || d.Prefix == "" {
			return nil, fmt.Errorf("ticket: descriptor needs type and prefix")
		}
		if strings.Contains(d.Prefix, "-") {
			return nil, fmt.Errorf("ticket: prefix %q must not contain '-'", d.Prefix)
		}
		if _, dup := c.byType[d.Type]; dup {
			return nil, fmt.Errorf("ticket: duplicate type %s", d.Type)
		}
		if _, dup := c.byPrefix[d.Prefix]; dup {
			return nil, fmt.Errorf("ticket: duplicate prefix %s", d.Prefix)
		}
		c.byType[d.Type] = d
		c.byPrefix[d.Prefix] = d.Type
		c.order = append(c.order, d.Type)
	}
	return c, nil
}

// DefaultCatalog holds the CAS ticket types.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Descriptor{
			Type:                  TypeTicketGranting,
			Prefix:                "TGT",
			CarriesAuthentication: true,
			Label:                 "ticketGrantingTickets",
		},
		Descriptor{
			Type:    TypeService,
			Prefix:  "ST",
			Parents: []Type{TypeTicketGranting},
			Label:   "serviceTickets",
		},
		Descriptor{
			Type:                  TypeProxyGranting,
			Prefix:                "PGT",
			Parents:               []Type{TypeTicketGranting, TypeProxyGranting},
			AssignableTo:          []Type{TypeTicketGranting},
			CarriesAuthentication: true,
			Label:                 "proxyGrantingTickets",
		},
		Descriptor{
			Type:         TypeProxy,
			Prefix:       "PT",
			Parents:      []Type{TypeProxyGranting},
			AssignableTo: []Type{TypeService},
			Label:        "proxyTickets",
		},
	)
	if err != nil {
		panic("ticket: default catalog: " + err.Error())
	}
	return c
}

// Lookup returns the descriptor for typ.
func (c *Catalog) Lookup(typ Type) (Descriptor, error) {
	d, ok := c.byType[typ]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return d, nil
}

// Types returns the registered types in registration order.
func (c *Catalog) Types() []Type { return slices.Clone(c.order) }

// TypeOfID derives a ticket's type from its id prefix.
func (c *Catalog) TypeOfID(id string) (Type, error) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("%w: malformed id %q", ErrUnknownType, id)
	}
	typ, ok := c.byPrefix[prefix]
	if !ok {
		return "", fmt.Errorf("%w: prefix %q", ErrUnknownType, prefix)
	}
	return typ, nil
}

// Assignable reports whether a stored ticket of type have satisfies a
// request for type want.
func (c *Catalog) Assignable(have, want Type) bool {
	if have == want {
		return true
	}
	d, ok := c.byType[have]
	return ok && slices.Contains(d.AssignableTo, want)
}

// CanParent reports whether parent may parent child.
func (c *Catalog) CanParent(parent, child Type) bool {
	d, ok := c.byType[child]
	return ok && slices.Contains(d.Parents, parent)
}

// CheckParent validates a ticket's parent reference against the rules.
func (c *Catalog) CheckParent(child, parent Type) error {
	d, err := c.Lookup(child)
	if err != nil {
		return err
	}
	return d.checkParent(parent)
}

// IsRoot reports whether typ never has a parent.
func (c *Catalog) IsRoot(typ Type) bool {
	d, ok := c.byType[typ]
	return ok && len(d.Parents) == 0
}
