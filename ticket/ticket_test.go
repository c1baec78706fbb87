package ticket

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewTicketGrantingTicket(t *testing.T) {
	cat := DefaultCatalog()
	ids := NewIDGenerator("cas-1")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	auth := &Authentication{PrincipalID: "casuser", Attributes: map[string][]string{"mail": {"a@example.org"}}}

	tgt, err := New(cat, ids, TypeTicketGranting, nil, auth, now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(tgt.ID, "TGT-1-") || !strings.HasSuffix(tgt.ID, "-cas1") {
		t.Fatalf("unexpected id %q", tgt.ID)
	}
	if tgt.UseCount != 0 || !tgt.CreationTime.Equal(now) || !tgt.LastUsedTime.Equal(now) {
		t.Fatalf("unexpected initial state: %+v", tgt)
	}
	if tgt.PrincipalID() != "casuser" {
		t.Fatalf("principal = %q", tgt.PrincipalID())
	}
	auth.Attributes["mail"][0] = "changed"
	if tgt.Authentication.Attributes["mail"][0] != "a@example.org" {
		t.Fatal("authentication was not copied")
	}
}

func TestParentingRules(t *testing.T) {
	cat := DefaultCatalog()
	ids := NewIDGenerator("")
	now := time.Now()
	tgt, _ := New(cat, ids, TypeTicketGranting, nil, &Authentication{PrincipalID: "u"}, now)
	st, err := New(cat, ids, TypeService, tgt, nil, now)
	if err != nil {
		t.Fatalf("ST from TGT: %v", err)
	}
	if st.ParentID != tgt.ID || st.Authentication != nil {
		t.Fatalf("unexpected ST %+v", st)
	}

	cases := []struct {
		name   string
		typ    Type
		parent *Ticket
	}{
		{"ST without parent", TypeService, nil},
		{"ST parenting ST", TypeService, st},
		{"TGT with parent", TypeTicketGranting, tgt},
		{"PGT from ST", TypeProxyGranting, st},
		{"PT from TGT", TypeProxy, tgt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(cat, ids, tc.typ, tc.parent, nil, now)
			if !errors.Is(err, ErrInvalidParent) {
				t.Fatalf("expected ErrInvalidParent, got %v", err)
			}
		})
	}

	pgt, err := New(cat, ids, TypeProxyGranting, tgt, &Authentication{PrincipalID: "u"}, now)
	if err != nil {
		t.Fatalf("PGT: %v", err)
	}
	if _, err := New(cat, ids, TypeProxy, pgt, nil, now); err != nil {
		t.Fatalf("PT from PGT: %v", err)
	}
	if _, err := New(cat, ids, TypeProxyGranting, pgt, nil, now); err != nil {
		t.Fatalf("PGT from PGT: %v", err)
	}
}

func TestMarkUsed(t *testing.T) {
	created := time.Unix(100, 0)
	tk := &Ticket{ID: "ST-1", Type: TypeService, CreationTime: created, LastUsedTime: created}
	used := created.Add(3 * time.Second)
	tk.MarkUsed(used)
	if tk.UseCount != 1 || !tk.LastUsedTime.Equal(used) || !tk.CreationTime.Equal(created) {
		t.Fatalf("unexpected state after use: %+v", tk)
	}
}

func TestCatalogLookups(t *testing.T) {
	cat := DefaultCatalog()
	typ, err := cat.TypeOfID("PGT-12-abc-node")
	if err != nil || typ != TypeProxyGranting {
		t.Fatalf("TypeOfID = %v, %v", typ, err)
	}
	if _, err := cat.TypeOfID("XYZ-1"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := cat.TypeOfID("nohyphen"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if !cat.Assignable(TypeProxyGranting, TypeTicketGranting) {
		t.Error("PGT should be assignable to TGT")
	}
	if !cat.Assignable(TypeProxy, TypeService) {
		t.Error("PT should be assignable to ST")
	}
	if cat.Assignable(TypeService, TypeTicketGranting) {
		t.Error("ST must not be assignable to TGT")
	}
	if !cat.IsRoot(TypeTicketGranting) || cat.IsRoot(TypeService) {
		t.Error("root detection wrong")
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(
		Descriptor{Type: "A", Prefix: "A"},
		Descriptor{Type: "B", Prefix: "A"},
	)
	if err == nil {
		t.Fatal("expected duplicate prefix error")
	}
	if _, err := NewCatalog(Descriptor{Type: "A", Prefix: "A-B"}); err == nil {
		t.Fatal("expected hyphen prefix error")
	}
}

func TestIDGeneratorUnique(t *testing.T) {
	g := NewIDGenerator("node")
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := g.New("ST")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestFilters(t *testing.T) {
	tgt := &Ticket{ID: "TGT-1", Type: TypeTicketGranting, Authentication: &Authentication{PrincipalID: "alice"}}
	st := &Ticket{ID: "ST-1", Type: TypeService}
	if !OfType(TypeTicketGranting)(tgt) || OfType(TypeTicketGranting)(st) {
		t.Error("OfType mismatch")
	}
	f := All(OfType(TypeTicketGranting), ForPrincipal("alice"))
	if !f(tgt) || f(st) {
		t.Error("All mismatch")
	}
	if ForPrincipal("bob")(tgt) {
		t.Error("ForPrincipal mismatch")
	}
}

func TestErrorsMatch(t *testing.T) {
	var err error = &DeserializationError{ID: "ST-1", Type: TypeService, Err: errors.New("bad")}
	if !errors.Is(err, ErrCorrupt) {
		t.Fatal("DeserializationError should match ErrCorrupt")
	}
	var de *DeserializationError
	if !errors.As(err, &de) || de.ID != "ST-1" {
		t.Fatal("errors.As failed")
	}
	pc := &PartialCascadeError{Root: "TGT-1", Removed: 1, Remaining: []string{"ST-2"}, Err: ErrBackendUnavailable}
	if !errors.Is(pc, ErrBackendUnavailable) {
		t.Fatal("PartialCascadeError should unwrap")
	}
}
