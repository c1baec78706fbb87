package registry

import (
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/Ajtak/cas/ticket"
)

// QueryOption narrows GetTickets.
type QueryOption func(*query)

type query struct {
	types     []ticket.Type
	principal string
	filter    ticket.Filter
	validOnly bool
}

// WithTypes limits enumeration to the given types. Only the tables
// holding those types are scanned.
func WithTypes(types ...ticket.Type) QueryOption {
	return func(q *query) { q.types = append(q.types, types...) }
}

// WithPrincipal keeps tickets whose stored principal matches. The check
// runs on the record header, before the body is decoded.
func WithPrincipal(principal string) QueryOption {
	return func(q *query) { q.principal = principal }
}

// WithFilter applies an arbitrary predicate to decoded tickets.
func WithFilter(f ticket.Filter) QueryOption {
	return func(q *query) { q.filter = ticket.All(q.filter, f) }
}

// ValidOnly drops tickets that are expired or have an invalid ancestor.
// Validity is decided against the live store when each ticket is about
// to be yielded, not against the enumeration's snapshot: a ticket
// revoked mid-enumeration is skipped even though the snapshot holds it.
func ValidOnly() QueryOption {
	return func(q *query) { q.validOnly = true }
}

// GetTickets enumerates stored tickets lazily. Each range reads a fresh
// store snapshot, so the sequence can be restarted and never observes
// writes made after it began. Without ValidOnly, expired tickets are
// included; with it, every yielded ticket was valid at the moment it
// was yielded. A corrupt record is yielded as an error and enumeration
// continues if the consumer does.
func (r *Registry) GetTickets(ctx context.Context, opts ...QueryOption) iter.Seq2[*ticket.Ticket, error] {
	var q query
	for _, opt := range opts {
		opt(&q)
	}
	tables := r.mapper.Tables()
	if len(q.types) > 0 {
		tables = tables[:0]
		for _, typ := range q.types {
			if name := r.mapper.Table(typ); name != "" && !slices.Contains(tables, name) {
				tables = append(tables, name)
			}
		}
	}

	return func(yield func(*ticket.Ticket, error) bool) {
		if len(tables) == 0 {
			return
		}
		ctx := withOp(ctx, "enumerate")
		now := r.now()
		for e, err := range r.store.Scan(ctx, tables...) {
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			rec, err := r.mapper.FromEntity(e)
			if err == nil {
				if len(q.types) > 0 && !slices.Contains(q.types, rec.Type) {
					continue
				}
				if q.principal != "" && rec.PrincipalID != q.principal {
					continue
				}
			}
			t, _, err := r.decode(ctx, e)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if q.filter != nil && !q.filter(t) {
				continue
			}
			if q.validOnly {
				if err := r.checkValid(ctx, t, now); err != nil {
					if errors.Is(err, ticket.ErrExpired) {
						continue
					}
					if !yield(nil, err) {
						return
					}
					continue
				}
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (r *Registry) count(ctx context.Context, opts ...QueryOption) (int, error) {
	n := 0
	for _, err := range r.GetTickets(ctx, opts...) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// SessionCount returns the number of valid ticket-granting tickets.
func (r *Registry) SessionCount(ctx context.Context) (int, error) {
	return r.count(ctx, WithTypes(ticket.TypeTicketGranting), ValidOnly())
}

// ServiceTicketCount returns the number of valid service tickets.
func (r *Registry) ServiceTicketCount(ctx context.Context) (int, error) {
	return r.count(ctx, WithTypes(ticket.TypeService), ValidOnly())
}

// SessionsFor returns the valid ticket-granting tickets of principal.
func (r *Registry) SessionsFor(ctx context.Context, principal string) ([]*ticket.Ticket, error) {
	var out []*ticket.Ticket
	for t, err := range r.GetTickets(ctx, WithTypes(ticket.TypeTicketGranting), WithPrincipal(principal), ValidOnly()) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CountSessionsFor returns len(SessionsFor(principal)) without keeping
// the tickets.
func (r *Registry) CountSessionsFor(ctx context.Context, principal string) (int, error) {
	return r.count(ctx, WithTypes(ticket.TypeTicketGranting), WithPrincipal(principal), ValidOnly())
}
