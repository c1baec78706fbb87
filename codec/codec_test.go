package codec

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"maps"
	"reflect"
	"testing"
	"time"

	"github.com/Ajtak/cas/ticket"
)

func sampleTickets(t *testing.T) []*ticket.Ticket {
	t.Helper()
	cat := ticket.DefaultCatalog()
	ids := ticket.NewIDGenerator("node")
	now := time.Date(2024, 3, 4, 5, 6, 7, 891011, time.UTC)
	auth := &ticket.Authentication{
		PrincipalID:     "casuser",
		Attributes:      map[string][]string{"mail": {"casuser@example.org"}, "groups": {"b", "a"}},
		AuthenticatedAt: now.Add(-time.Second),
	}
	tgt, err := ticket.New(cat, ids, ticket.TypeTicketGranting, nil, auth, now)
	if err != nil {
		t.Fatal(err)
	}
	st, _ := ticket.New(cat, ids, ticket.TypeService, tgt, nil, now)
	st.Service = "https://app.example.org"
	st.FromNewLogin = true
	st.MarkUsed(now.Add(time.Millisecond))
	tgt.Services[st.ID] = st.Service
	pgt, _ := ticket.New(cat, ids, ticket.TypeProxyGranting, tgt, auth, now)
	pgt.ProxiedBy = "https://proxy.example.org/callback"
	pt, _ := ticket.New(cat, ids, ticket.TypeProxy, pgt, nil, now)
	pt.Service = "https://backend.example.org"
	return []*ticket.Ticket{tgt, st, pgt, pt}
}

// sameTicket compares observable fields, treating nil and empty maps
// alike.
func sameTicket(a, b *ticket.Ticket) bool {
	if a.ID != b.ID || a.Type != b.Type || a.ParentID != b.ParentID ||
		!a.CreationTime.Equal(b.CreationTime) || !a.LastUsedTime.Equal(b.LastUsedTime) ||
		a.UseCount != b.UseCount || a.Service != b.Service || a.FromNewLogin != b.FromNewLogin ||
		a.ProxiedBy != b.ProxiedBy || !maps.Equal(a.Services, b.Services) {
		return false
	}
	if (a.Authentication == nil) != (b.Authentication == nil) {
		return false
	}
	if a.Authentication == nil {
		return true
	}
	return a.Authentication.PrincipalID == b.Authentication.PrincipalID &&
		a.Authentication.AuthenticatedAt.Equal(b.Authentication.AuthenticatedAt) &&
		reflect.DeepEqual(a.Authentication.Attributes, b.Authentication.Attributes)
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		t.Run(string(format), func(t *testing.T) {
			s, err := New(format, ticket.DefaultCatalog())
			if err != nil {
				t.Fatal(err)
			}
			for _, tk := range sampleTickets(t) {
				body, err := s.Serialize(tk)
				if err != nil {
					t.Fatalf("serialize %s: %v", tk.Type, err)
				}
				got, err := s.Deserialize(body, tk.Type)
				if err != nil {
					t.Fatalf("deserialize %s: %v", tk.Type, err)
				}
				if !sameTicket(tk, got) {
					t.Fatalf("round trip mismatch for %s:\n got %+v\nwant %+v", tk.Type, got, tk)
				}
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		s, _ := New(format, ticket.DefaultCatalog())
		tk := sampleTickets(t)[0]
		for k := range 20 {
			tk.Authentication.Attributes["attr"+string(rune('a'+k))] = []string{"v"}
		}
		first, err := s.Serialize(tk)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 10; i++ {
			again, _ := s.Serialize(tk.Clone())
			if !bytes.Equal(first, again) {
				t.Fatalf("%s: serialization not deterministic", format)
			}
		}
		if Digest(first) != Digest(append([]byte(nil), first...)) {
			t.Fatal("digest not stable")
		}
	}
}

func TestDeserializeErrors(t *testing.T) {
	s, _ := New(FormatJSON, ticket.DefaultCatalog())
	tickets := sampleTickets(t)
	stBody, _ := s.Serialize(tickets[1])

	cases := []struct {
		name string
		body []byte
		tag  ticket.Type
	}{
		{"unknown tag", stBody, "NOPE"},
		{"empty body", nil, ticket.TypeService},
		{"not json", []byte("{oops"), ticket.TypeService},
		{"unknown field", []byte(`{"id":"ST-1-a","parentId":"TGT-1-a","creationTime":"2024-01-01T00:00:00Z","lastUsedTime":"2024-01-01T00:00:00Z","useCount":0,"service":"s","extra":1}`), ticket.TypeService},
		{"missing id", []byte(`{"parentId":"TGT-1-a","creationTime":"2024-01-01T00:00:00Z","lastUsedTime":"2024-01-01T00:00:00Z","useCount":0,"service":"s"}`), ticket.TypeService},
		{"tag disagrees with id", stBody, ticket.TypeProxy},
		{"wrong shape for tag", stBody, ticket.TypeTicketGranting},
		{"orphan service ticket", []byte(`{"id":"ST-1-a","parentId":"","creationTime":"2024-01-01T00:00:00Z","lastUsedTime":"2024-01-01T00:00:00Z","useCount":0,"service":"s"}`), ticket.TypeService},
		{"trailing data", append(append([]byte(nil), stBody...), []byte(" {}")...), ticket.TypeService},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Deserialize(tc.body, tc.tag)
			var de *ticket.DeserializationError
			if !errors.As(err, &de) {
				t.Fatalf("expected DeserializationError, got %v", err)
			}
			if !errors.Is(err, ticket.ErrCorrupt) {
				t.Fatal("expected ErrCorrupt match")
			}
		})
	}
}

func TestCBORRejectsUnknownFields(t *testing.T) {
	s, _ := New(FormatCBOR, ticket.DefaultCatalog())
	extra, err := cborEnc.Marshal(map[string]any{"id": "ST-1-a", "parentId": "TGT-1-a", "bogus": true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Deserialize(extra, ticket.TypeService); !errors.Is(err, ticket.ErrCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestSealer(t *testing.T) {
	_, priv1, _ := ed25519.GenerateKey(rand.Reader)
	_, priv2, _ := ed25519.GenerateKey(rand.Reader)
	sealer := NewSealer()
	sealer.AddKey("k1", priv1)
	if err := sealer.SetActive("k1"); err != nil {
		t.Fatal(err)
	}
	if err := sealer.SetActive("missing"); err == nil {
		t.Fatal("expected unknown kid error")
	}

	s, _ := New(FormatJSON, ticket.DefaultCatalog(), WithSealer(sealer))
	tk := sampleTickets(t)[0]
	body, err := s.Serialize(tk)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := s.Serialize(tk)
	if !bytes.Equal(body, again) {
		t.Fatal("sealed bodies should be deterministic")
	}
	got, err := s.Deserialize(body, tk.Type)
	if err != nil || got.ID != tk.ID {
		t.Fatalf("deserialize sealed: %v", err)
	}

	// Rotation: bodies signed by the old key still open.
	sealer.AddKey("k2", priv2)
	_ = sealer.SetActive("k2")
	if _, err := s.Deserialize(body, tk.Type); err != nil {
		t.Fatalf("old kid should verify: %v", err)
	}

	tampered := bytes.Clone(body)
	tampered[len(tampered)-5] ^= 0x01
	_, err = s.Deserialize(tampered, tk.Type)
	if !errors.Is(err, ErrSeal) || !errors.Is(err, ticket.ErrCorrupt) {
		t.Fatalf("expected seal failure, got %v", err)
	}

	plain, _ := New(FormatJSON, ticket.DefaultCatalog())
	unsealed, _ := plain.Serialize(tk)
	if _, err := s.Deserialize(unsealed, tk.Type); !errors.Is(err, ErrSeal) {
		t.Fatalf("unsealed body must be rejected, got %v", err)
	}
}

func TestNewRequiresShapes(t *testing.T) {
	cat, _ := ticket.NewCatalog(ticket.Descriptor{Type: "LT", Prefix: "LT"})
	if _, err := New(FormatJSON, cat); err == nil {
		t.Fatal("expected missing shape error")
	}
	if _, err := New(FormatJSON, cat, WithShape("LT", serviceShape)); err != nil {
		t.Fatalf("custom shape: %v", err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected format error")
	}
}
