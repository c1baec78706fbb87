package registry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ajtak/cas/codec"
	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/storage/memory"
	"github.com/Ajtak/cas/ticket"
)

func TestSweepRemovesExpiredSubtrees(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			h := newHarnessOn(t, b, nil)
			ctx := h.ctx(t)

			alice := h.session(t, "alice")
			h.serviceTicket(t, alice, "https://app.example.org")
			bob := issueTree(t, h, "bob")

			h.clock.Advance(9 * time.Hour)
			carol := h.session(t, "carol")

			n, err := h.reg.DeleteExpiredTickets(ctx)
			if err != nil {
				t.Fatalf("DeleteExpiredTickets: %v", err)
			}
			if n != 7 {
				t.Fatalf("first sweep removed %d, want 7", n)
			}
			h.expectErr(t, alice.ID, ticket.ErrNotFound)
			h.expectErr(t, bob.pgt2.ID, ticket.ErrNotFound)
			h.mustGet(t, carol.ID)

			n, err = h.reg.DeleteExpiredTickets(ctx)
			if err != nil || n != 0 {
				t.Fatalf("second sweep = %d, %v; want 0, nil", n, err)
			}
			if h.metrics.count("sweeps") != 2 {
				t.Fatalf("sweeps = %d, want 2", h.metrics.count("sweeps"))
			}
		})
	}
}

func TestSweepKeepsValidParentsOfExpiredChildren(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	st := h.serviceTicket(t, tgt, "https://app.example.org")
	h.clock.Advance(time.Minute)

	n, err := h.reg.DeleteExpiredTickets(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}
	h.expectErr(t, st.ID, ticket.ErrNotFound)
	h.mustGet(t, tgt.ID)
}

func TestSweepReapsOrphans(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	tgt := h.session(t, "alice")
	st := h.serviceTicket(t, tgt, "https://app.example.org")

	// Simulate an interrupted cascade: the root is gone, the child stays.
	if _, err := h.store.Delete(ctx, h.mapper.Table(ticket.TypeTicketGranting), tgt.ID); err != nil {
		t.Fatal(err)
	}
	h.expectErr(t, st.ID, ticket.ErrExpired)

	n, err := h.reg.DeleteExpiredTickets(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}
	h.expectErr(t, st.ID, ticket.ErrNotFound)
}

func TestSweepSkipsCorruptRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	expired := h.session(t, "alice")
	bad := mapper.Record{
		ID:           h.ids.New("TGT"),
		Type:         ticket.TypeTicketGranting,
		Body:         []byte(`["not", "a", "ticket"]`),
		CreationTime: h.clock.Now(),
	}
	e, err := h.mapper.ToEntity(bad)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.Write(ctx, e, storage.ModeCreate); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(9 * time.Hour)

	n, err := h.reg.DeleteExpiredTickets(ctx)
	if !errors.Is(err, ticket.ErrCorrupt) {
		t.Fatalf("sweep err = %v, want ErrCorrupt", err)
	}
	if n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	h.expectErr(t, expired.ID, ticket.ErrNotFound)
	if _, err := h.store.Read(ctx, e.Table, e.Key); err != nil {
		t.Fatalf("corrupt record was removed: %v", err)
	}
}

func TestSweepWithoutParentIndex(t *testing.T) {
	m, err := mapper.New(mapper.DialectDocument, ticket.DefaultCatalog(), mapper.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := newHarnessWith(t, noIndexStore{memory.New()}, m, codec.FormatJSON, nil)
	issueTree(t, h, "alice")
	issueTree(t, h, "bob")
	h.clock.Advance(9 * time.Hour)

	n, err := h.reg.DeleteExpiredTickets(h.ctx(t))
	if err != nil || n != 10 {
		t.Fatalf("sweep = %d, %v; want 10, nil", n, err)
	}
}

func TestSweepAlongsideTraffic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx(t)

	for range 5 {
		issueTree(t, h, "stale")
	}
	h.clock.Advance(9 * time.Hour)

	var wg sync.WaitGroup
	fresh := make(chan *ticket.Ticket, 20)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			tgt, err := h.reg.CreateSession(ctx, &ticket.Authentication{PrincipalID: "live"})
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			fresh <- tgt
		}
	}()
	if _, err := h.reg.DeleteExpiredTickets(ctx); err != nil {
		t.Fatalf("DeleteExpiredTickets: %v", err)
	}
	wg.Wait()
	close(fresh)

	for tgt := range fresh {
		h.mustGet(t, tgt.ID)
	}
	if n, err := h.reg.CountSessionsFor(ctx, "stale"); err != nil || n != 0 {
		t.Fatalf("stale sessions = %d, %v", n, err)
	}
}
