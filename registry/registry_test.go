package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Ajtak/cas/expiration"
	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

func TestServiceTicketLifecycle(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			h := newHarnessOn(t, b, nil)
			ctx := h.ctx(t)

			tgt := h.session(t, "alice")
			st := h.serviceTicket(t, tgt, "https://app.example.org")

			h.clock.Advance(time.Second)
			used, err := h.reg.MarkUsed(ctx, st.ID, ticket.TypeService)
			if err != nil {
				t.Fatalf("MarkUsed: %v", err)
			}
			if used.UseCount != 1 {
				t.Fatalf("UseCount = %d, want 1", used.UseCount)
			}
			h.expectErr(t, st.ID, ticket.ErrExpired)

			n, err := h.reg.DeleteTicket(ctx, tgt.ID)
			if err != nil {
				t.Fatalf("DeleteTicket: %v", err)
			}
			if n != 2 {
				t.Fatalf("DeleteTicket removed %d, want 2", n)
			}
			h.expectErr(t, st.ID, ticket.ErrNotFound)
			h.expectErr(t, tgt.ID, ticket.ErrNotFound)
		})
	}
}

func TestRoundTripThroughStore(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			h := newHarnessOn(t, b, expiration.NewSet(expiration.Never{}))
			ctx := h.ctx(t)

			tgt := h.session(t, "alice")
			tgt.Authentication.Attributes = map[string][]string{"memberOf": {"staff", "admins"}}
			if err := h.reg.UpdateTicket(ctx, tgt); err != nil {
				t.Fatalf("UpdateTicket: %v", err)
			}
			st := h.serviceTicket(t, tgt, "https://app.example.org")
			pgt, err := h.reg.GrantProxyGrantingTicket(ctx, tgt.ID, "https://proxy.example.org/cb")
			if err != nil {
				t.Fatalf("GrantProxyGrantingTicket: %v", err)
			}
			pt, err := h.reg.GrantProxyTicket(ctx, pgt.ID, "https://backend.example.org")
			if err != nil {
				t.Fatalf("GrantProxyTicket: %v", err)
			}

			got := h.mustGet(t, tgt.ID)
			if got.PrincipalID() != "alice" || got.Authentication.Attributes["memberOf"][1] != "admins" {
				t.Fatalf("authentication = %+v", got.Authentication)
			}
			if got.Services[st.ID] != "https://app.example.org" {
				t.Fatalf("Services = %v", got.Services)
			}
			if gotST := h.mustGet(t, st.ID); gotST.Service != st.Service || gotST.ParentID != tgt.ID || !gotST.CreationTime.Equal(st.CreationTime) {
				t.Fatalf("service ticket = %+v, want %+v", gotST, st)
			}
			if gotPGT := h.mustGet(t, pgt.ID); gotPGT.ProxiedBy != "https://proxy.example.org/cb" || gotPGT.PrincipalID() != "alice" {
				t.Fatalf("proxy-granting ticket = %+v", gotPGT)
			}
			if gotPT := h.mustGet(t, pt.ID); gotPT.Type != ticket.TypeProxy || gotPT.ParentID != pgt.ID {
				t.Fatalf("proxy ticket = %+v", gotPT)
			}
		})
	}
}

func TestAddDuplicateKeepsOriginal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	impostor := tgt.Clone()
	impostor.Authentication.PrincipalID = "mallory"

	err := h.reg.AddTicket(ctx, impostor)
	if !errors.Is(err, ticket.ErrDuplicate) {
		t.Fatalf("AddTicket duplicate err = %v, want ErrDuplicate", err)
	}
	if got := h.mustGet(t, tgt.ID); got.PrincipalID() != "alice" {
		t.Fatalf("principal = %q after duplicate add, want alice", got.PrincipalID())
	}
}

func TestAddRejectsInvalidParents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	st := h.serviceTicket(t, tgt, "https://app.example.org")

	stale := h.session(t, "bob")
	h.clock.Advance(9 * time.Hour)

	tests := []struct {
		name   string
		ticket *ticket.Ticket
		want   []error
	}{
		{"missing parent id", h.child(ticket.TypeService, ""), []error{ticket.ErrInvalidParent}},
		{"unknown parent", h.child(ticket.TypeService, "TGT-404-nope"), []error{ticket.ErrInvalidParent, ticket.ErrNotFound}},
		{"service ticket as parent", h.child(ticket.TypeService, st.ID), []error{ticket.ErrInvalidParent}},
		{"root with parent", h.child(ticket.TypeTicketGranting, tgt.ID), []error{ticket.ErrInvalidParent}},
		{"expired parent", h.child(ticket.TypeService, stale.ID), []error{ticket.ErrInvalidParent, ticket.ErrExpired}},
		{"malformed parent id", h.child(ticket.TypeService, "garbage"), []error{ticket.ErrInvalidParent}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.reg.AddTicket(ctx, tt.ticket)
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Fatalf("AddTicket err = %v, want %v", err, want)
				}
			}
			h.expectErr(t, tt.ticket.ID, ticket.ErrNotFound)
		})
	}

	t.Run("id prefix disagrees with type", func(t *testing.T) {
		bad := h.child(ticket.TypeService, tgt.ID)
		bad.Type = ticket.TypeProxy
		if err := h.reg.AddTicket(ctx, bad); !errors.Is(err, ticket.ErrUnknownType) {
			t.Fatalf("AddTicket err = %v, want ErrUnknownType", err)
		}
	})
}

func TestGetTicketAsChecksAssignability(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	st := h.serviceTicket(t, tgt, "https://app.example.org")
	pgt, err := h.reg.GrantProxyGrantingTicket(ctx, tgt.ID, "https://proxy.example.org/cb")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := h.reg.GrantProxyTicket(ctx, pgt.ID, "https://backend.example.org")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id   string
		want ticket.Type
		err  error
	}{
		{tgt.ID, ticket.TypeTicketGranting, nil},
		{st.ID, ticket.TypeService, nil},
		{pt.ID, ticket.TypeService, nil},
		{pgt.ID, ticket.TypeTicketGranting, nil},
		{st.ID, ticket.TypeTicketGranting, ticket.ErrTypeMismatch},
		{tgt.ID, ticket.TypeService, ticket.ErrTypeMismatch},
		{tgt.ID, ticket.TypeProxyGranting, ticket.ErrTypeMismatch},
		{st.ID, ticket.TypeProxy, ticket.ErrTypeMismatch},
	}
	for _, tt := range tests {
		_, err := h.reg.GetTicketAs(ctx, tt.id, tt.want)
		if tt.err == nil && err != nil {
			t.Errorf("GetTicketAs(%s, %s) = %v", tt.id, tt.want, err)
		}
		if tt.err != nil && !errors.Is(err, tt.err) {
			t.Errorf("GetTicketAs(%s, %s) err = %v, want %v", tt.id, tt.want, err, tt.err)
		}
	}

	// The type check comes before validity.
	h.clock.Advance(time.Minute)
	if _, err := h.reg.GetTicketAs(ctx, st.ID, ticket.TypeTicketGranting); !errors.Is(err, ticket.ErrTypeMismatch) {
		t.Fatalf("expired ticket of wrong type: err = %v, want ErrTypeMismatch", err)
	}
}

func TestGetUnknownIDs(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"TGT-1-missing", "XYZ-1-abc", "", "no-prefix"} {
		h.expectErr(t, id, ticket.ErrNotFound)
	}
}

func TestIdlePolicyBoundary(t *testing.T) {
	policies := expiration.NewSet(expiration.Never{}).
		With(ticket.TypeTicketGranting, expiration.Idle{MaxIdle: 5 * time.Minute})
	h := newHarness(t, policies)

	tgt := h.session(t, "alice")
	h.clock.Advance(4 * time.Minute)
	h.mustGet(t, tgt.ID)
	h.clock.Advance(2 * time.Minute)
	h.expectErr(t, tgt.ID, ticket.ErrExpired)
}

func TestUpdateTicket(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")

	t.Run("unchanged body is skipped", func(t *testing.T) {
		before := h.metrics.count("tickets_updated")
		if err := h.reg.UpdateTicket(ctx, tgt); err != nil {
			t.Fatalf("UpdateTicket: %v", err)
		}
		if h.metrics.count("tickets_update_skipped") != 1 || h.metrics.count("tickets_updated") != before {
			t.Fatalf("counters = %v", h.metrics.counters)
		}
	})

	t.Run("changes are persisted", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		tgt.MarkUsed(h.clock.Now())
		if err := h.reg.UpdateTicket(ctx, tgt); err != nil {
			t.Fatalf("UpdateTicket: %v", err)
		}
		got := h.mustGet(t, tgt.ID)
		if got.UseCount != tgt.UseCount || !got.LastUsedTime.Equal(h.clock.Now()) {
			t.Fatalf("stored = %+v, want use count %d", got, tgt.UseCount)
		}
	})

	t.Run("reparenting is rejected", func(t *testing.T) {
		other := h.session(t, "bob")
		st := h.serviceTicket(t, tgt, "https://app.example.org")
		moved := st.Clone()
		moved.ParentID = other.ID
		if err := h.reg.UpdateTicket(ctx, moved); !errors.Is(err, ticket.ErrInvalidParent) {
			t.Fatalf("UpdateTicket err = %v, want ErrInvalidParent", err)
		}
	})

	t.Run("update after delete does not resurrect", func(t *testing.T) {
		if _, err := h.reg.DeleteTicket(ctx, tgt.ID); err != nil {
			t.Fatal(err)
		}
		tgt.MarkUsed(h.clock.Now())
		if err := h.reg.UpdateTicket(ctx, tgt); !errors.Is(err, ticket.ErrNotFound) {
			t.Fatalf("UpdateTicket err = %v, want ErrNotFound", err)
		}
		h.expectErr(t, tgt.ID, ticket.ErrNotFound)
	})
}

func TestCorruptRecordIsReported(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	rec := mapper.Record{
		ID:           h.ids.New("ST"),
		ParentID:     tgt.ID,
		Type:         ticket.TypeService,
		Body:         []byte(`{"id": 42`),
		CreationTime: h.clock.Now(),
	}
	e, err := h.mapper.ToEntity(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.Write(ctx, e, storage.ModeCreate); err != nil {
		t.Fatal(err)
	}

	_, err = h.reg.GetTicket(ctx, rec.ID)
	var de *ticket.DeserializationError
	if !errors.As(err, &de) || !errors.Is(err, ticket.ErrCorrupt) {
		t.Fatalf("GetTicket err = %v, want DeserializationError", err)
	}
	if de.ID != rec.ID {
		t.Fatalf("DeserializationError.ID = %q, want %q", de.ID, rec.ID)
	}
	if h.metrics.count("tickets_corrupt") == 0 {
		t.Fatal("corrupt record was not counted")
	}

	// Enumeration reports the record and keeps going.
	var good, bad int
	for tk, err := range h.reg.GetTickets(ctx) {
		switch {
		case err != nil:
			bad++
		case tk.ID == tgt.ID:
			good++
		}
	}
	if good != 1 || bad != 1 {
		t.Fatalf("GetTickets saw %d good, %d corrupt; want 1 and 1", good, bad)
	}
}

func TestSetPoliciesTakesEffect(t *testing.T) {
	h := newHarness(t, nil)

	tgt := h.session(t, "alice")
	st := h.serviceTicket(t, tgt, "https://app.example.org")
	h.clock.Advance(time.Millisecond)
	h.mustGet(t, st.ID)

	h.reg.SetPolicies(expiration.DefaultSet().With(ticket.TypeService, expiration.Always{}))
	h.expectErr(t, st.ID, ticket.ErrExpired)
	h.mustGet(t, tgt.ID)

	h.reg.SetPolicies(nil)
	h.mustGet(t, st.ID)
}
