package registry

import (
	"context"
	"fmt"

	"github.com/Ajtak/cas/ticket"
)

// CreateSession issues and stores a ticket-granting ticket for auth.
func (r *Registry) CreateSession(ctx context.Context, auth *ticket.Authentication) (*ticket.Ticket, error) {
	if auth == nil || auth.PrincipalID == "" {
		return nil, fmt.Errorf("registry: session needs an authenticated principal")
	}
	tgt, err := ticket.New(r.catalog, r.cfg.IDs, ticket.TypeTicketGranting, nil, auth, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.AddTicket(ctx, tgt); err != nil {
		return nil, err
	}
	return tgt, nil
}

// GrantServiceTicket issues a service ticket for service from a valid
// ticket-granting ticket. The granting ticket records the grant and
// counts as used.
func (r *Registry) GrantServiceTicket(ctx context.Context, tgtID, service string, fromNewLogin bool) (*ticket.Ticket, error) {
	tgt, err := r.GetTicketAs(ctx, tgtID, ticket.TypeTicketGranting)
	if err != nil {
		return nil, err
	}
	if tgt.Type != ticket.TypeTicketGranting {
		// A PGT is assignable to TGT but issues proxy tickets instead.
		return r.GrantProxyTicket(ctx, tgtID, service)
	}
	st, err := ticket.New(r.catalog, r.cfg.IDs, ticket.TypeService, tgt, nil, r.now())
	if err != nil {
		return nil, err
	}
	st.Service = service
	st.FromNewLogin = fromNewLogin
	if err := r.AddTicket(ctx, st); err != nil {
		return nil, err
	}
	if err := r.recordGrant(ctx, tgt, st); err != nil {
		return nil, err
	}
	return st, nil
}

// GrantProxyGrantingTicket issues a proxy-granting ticket to callback
// under a valid ticket-granting or proxy-granting ticket. The proxy
// chain inherits the parent's authentication.
func (r *Registry) GrantProxyGrantingTicket(ctx context.Context, parentID, callback string) (*ticket.Ticket, error) {
	parent, err := r.GetTicketAs(ctx, parentID, ticket.TypeTicketGranting)
	if err != nil {
		return nil, err
	}
	pgt, err := ticket.New(r.catalog, r.cfg.IDs, ticket.TypeProxyGranting, parent, parent.Authentication, r.now())
	if err != nil {
		return nil, err
	}
	pgt.ProxiedBy = callback
	if err := r.AddTicket(ctx, pgt); err != nil {
		return nil, err
	}
	return pgt, nil
}

// GrantProxyTicket issues a proxy ticket for service from a valid
// proxy-granting ticket.
func (r *Registry) GrantProxyTicket(ctx context.Context, pgtID, service string) (*ticket.Ticket, error) {
	pgt, err := r.GetTicketAs(ctx, pgtID, ticket.TypeProxyGranting)
	if err != nil {
		return nil, err
	}
	pt, err := ticket.New(r.catalog, r.cfg.IDs, ticket.TypeProxy, pgt, nil, r.now())
	if err != nil {
		return nil, err
	}
	pt.Service = service
	if err := r.AddTicket(ctx, pt); err != nil {
		return nil, err
	}
	if err := r.recordGrant(ctx, pgt, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

// recordGrant marks the granting ticket used and, for sessions, keeps
// the service the child was issued for. Concurrent grants from one
// session each land.
func (r *Registry) recordGrant(ctx context.Context, granting, child *ticket.Ticket) error {
	_, err := r.modify(ctx, granting.ID, "", func(t *ticket.Ticket) {
		t.MarkUsed(r.now())
		if t.Type == ticket.TypeTicketGranting {
			if t.Services == nil {
				t.Services = map[string]string{}
			}
			t.Services[child.ID] = child.Service
		}
	})
	return err
}

// ValidateServiceTicket consumes a service or proxy ticket for service:
// the ticket must be valid and issued for that service. The use is
// recorded even when the service does not match, so a single-use policy
// rejects the next validation either way.
func (r *Registry) ValidateServiceTicket(ctx context.Context, id, service string) (*ticket.Ticket, error) {
	t, err := r.MarkUsed(ctx, id, ticket.TypeService)
	if err != nil {
		return nil, err
	}
	if t.Service != service {
		return nil, fmt.Errorf("%w: %s was issued for %q", ticket.ErrServiceMismatch, id, t.Service)
	}
	return t, nil
}

// ValidateServiceTicketToken validates like ValidateServiceTicket and
// also returns the ticket signed as a token for service. The granting
// ticket must still be valid; a token is never issued from an expired
// session.
func (r *Registry) ValidateServiceTicketToken(ctx context.Context, id, service string) (string, *ticket.Ticket, error) {
	if r.cfg.Tokens == nil {
		return "", nil, ErrNoTokenIssuer
	}
	st, err := r.ValidateServiceTicket(ctx, id, service)
	if err != nil {
		return "", nil, err
	}
	granting, _, err := r.getValid(ctx, st.ParentID, "")
	if err != nil {
		return "", nil, fmt.Errorf("granting ticket of %s: %w", id, err)
	}
	token, err := r.cfg.Tokens.Issue(st, granting)
	if err != nil {
		r.recordMetric("tokens_failed", nil)
		return "", nil, err
	}
	r.recordMetric("tokens_issued", typeTag(st.Type))
	return token, st, nil
}
