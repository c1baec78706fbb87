package codec

import (
	"time"

	"github.com/Ajtak/cas/ticket"
)

// Body documents. Field order is the on-wire order for JSON; CBOR sorts
// keys itself. fxamacker/cbor falls back to the json tags.

type grantingBody struct {
	ID             string                 `json:"id"`
	ParentID       string                 `json:"parentId,omitempty"`
	CreationTime   time.Time              `json:"creationTime"`
	LastUsedTime   time.Time              `json:"lastUsedTime"`
	UseCount       int                    `json:"useCount"`
	Authentication *ticket.Authentication `json:"authentication,omitempty"`
	Services       map[string]string      `json:"services,omitempty"`
	ProxiedBy      string                 `json:"proxiedBy,omitempty"`
}

type serviceBody struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parentId"`
	CreationTime time.Time `json:"creationTime"`
	LastUsedTime time.Time `json:"lastUsedTime"`
	UseCount     int       `json:"useCount"`
	Service      string    `json:"service"`
	FromNewLogin bool      `json:"fromNewLogin,omitempty"`
}

// Shape converts between a ticket and the document stored for its type.
type Shape struct {
	// New returns a pointer to an empty document for decoding.
	New func() any
	// From builds the document for t.
	From func(t *ticket.Ticket) any
	// To rebuilds the ticket from a decoded document.
	To func(doc any, typ ticket.Type) *ticket.Ticket
}

var grantingShape = Shape{
	New: func() any { return new(grantingBody) },
	From: func(t *ticket.Ticket) any {
		auth := t.Authentication.Clone()
		if auth != nil {
			auth.AuthenticatedAt = auth.AuthenticatedAt.UTC()
		}
		return &grantingBody{
			ID:             t.ID,
			ParentID:       t.ParentID,
			CreationTime:   t.CreationTime.UTC(),
			LastUsedTime:   t.LastUsedTime.UTC(),
			UseCount:       t.UseCount,
			Authentication: auth,
			Services:       t.Services,
			ProxiedBy:      t.ProxiedBy,
		}
	},
	To: func(doc any, typ ticket.Type) *ticket.Ticket {
		b := doc.(*grantingBody)
		t := &ticket.Ticket{
			ID:             b.ID,
			Type:           typ,
			ParentID:       b.ParentID,
			CreationTime:   b.CreationTime.UTC(),
			LastUsedTime:   b.LastUsedTime.UTC(),
			UseCount:       b.UseCount,
			Authentication: b.Authentication,
			Services:       b.Services,
			ProxiedBy:      b.ProxiedBy,
		}
		if t.Authentication != nil {
			t.Authentication.AuthenticatedAt = t.Authentication.AuthenticatedAt.UTC()
		}
		return t
	},
}

var serviceShape = Shape{
	New: func() any { return new(serviceBody) },
	From: func(t *ticket.Ticket) any {
		return &serviceBody{
			ID:           t.ID,
			ParentID:     t.ParentID,
			CreationTime: t.CreationTime.UTC(),
			LastUsedTime: t.LastUsedTime.UTC(),
			UseCount:     t.UseCount,
			Service:      t.Service,
			FromNewLogin: t.FromNewLogin,
		}
	},
	To: func(doc any, typ ticket.Type) *ticket.Ticket {
		b := doc.(*serviceBody)
		return &ticket.Ticket{
			ID:           b.ID,
			Type:         typ,
			ParentID:     b.ParentID,
			CreationTime: b.CreationTime.UTC(),
			LastUsedTime: b.LastUsedTime.UTC(),
			UseCount:     b.UseCount,
			Service:      b.Service,
			FromNewLogin: b.FromNewLogin,
		}
	},
}

// DefaultShapes is the shape table for the default catalog.
func DefaultShapes() map[ticket.Type]Shape {
	return map[ticket.Type]Shape{
		ticket.TypeTicketGranting: grantingShape,
		ticket.TypeProxyGranting:  grantingShape,
		ticket.TypeService:        serviceShape,
		ticket.TypeProxy:          serviceShape,
	}
}
