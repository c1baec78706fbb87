package expiration

import (
	"testing"
	"time"

	"github.com/Ajtak/cas/ticket"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fresh() *ticket.Ticket {
	return &ticket.Ticket{ID: "ST-1", Type: ticket.TypeService, CreationTime: t0, LastUsedTime: t0}
}

func TestUseCountSingleUse(t *testing.T) {
	p := UseCount{MaxUses: 1}
	tk := fresh()
	if p.IsExpired(tk, t0) {
		t.Fatal("fresh ticket must be valid")
	}
	tk.MarkUsed(t0)
	if !p.IsExpired(tk, t0) {
		t.Fatal("ticket must be expired after one use")
	}
}

func TestIdleBoundary(t *testing.T) {
	unit := time.Second
	p := Idle{MaxIdle: 5 * unit}
	tk := fresh()
	tk.MarkUsed(t0.Add(10 * unit))
	last := tk.LastUsedTime
	if p.IsExpired(tk, last.Add(4*unit)) {
		t.Fatal("valid at lastUsed+4")
	}
	if !p.IsExpired(tk, last.Add(6*unit)) {
		t.Fatal("invalid at lastUsed+6")
	}
}

func TestTimeToLive(t *testing.T) {
	p := TimeToLive{MaxLifetime: time.Minute}
	tk := fresh()
	tk.MarkUsed(t0.Add(59 * time.Second))
	if p.IsExpired(tk, t0.Add(time.Minute)) {
		t.Fatal("valid at exactly max lifetime")
	}
	if !p.IsExpired(tk, t0.Add(time.Minute+time.Millisecond)) {
		t.Fatal("expired past max lifetime")
	}
}

func TestJustCreatedNeverExpired(t *testing.T) {
	policies := []Policy{
		UseCount{MaxUses: 0},
		Idle{MaxIdle: 0},
		TimeToLive{MaxLifetime: 0},
		Always{},
		Any(UseCount{}, Idle{}, TimeToLive{}),
	}
	for _, p := range policies {
		t.Run(p.String(), func(t *testing.T) {
			if p.IsExpired(fresh(), t0) {
				t.Fatalf("%s expired a just-created ticket", p)
			}
			if !p.IsExpired(fresh(), t0.Add(time.Nanosecond)) {
				t.Fatalf("%s should expire once time moves", p)
			}
		})
	}
}

func TestCompositeIsLogicalOr(t *testing.T) {
	c := Any(UseCount{MaxUses: 1}, TimeToLive{MaxLifetime: 10 * time.Second})

	tk := fresh()
	if c.IsExpired(tk, t0.Add(5*time.Second)) {
		t.Fatal("neither member fired")
	}

	byTTL, ok := c.Explain(tk, t0.Add(11*time.Second))
	if !ok || byTTL.String() != "ttl(10s)" {
		t.Fatalf("expected ttl member, got %v %v", byTTL, ok)
	}

	tk.MarkUsed(t0.Add(time.Second))
	byUse, ok := c.Explain(tk, t0.Add(2*time.Second))
	if !ok || byUse.String() != "uses(1)" {
		t.Fatalf("expected use-count member, got %v %v", byUse, ok)
	}
	if got := c.String(); got != "any(uses(1),ttl(10s))" {
		t.Fatalf("String() = %q", got)
	}
}

func TestNever(t *testing.T) {
	tk := fresh()
	tk.UseCount = 100
	if (Never{}).IsExpired(tk, t0.Add(1000*time.Hour)) {
		t.Fatal("never expired")
	}
}

func TestDefaultSet(t *testing.T) {
	s := DefaultSet()
	st := fresh()
	st.MarkUsed(t0.Add(time.Second))
	if !s.IsExpired(st, t0.Add(time.Second)) {
		t.Fatal("used ST should be expired")
	}
	tgt := &ticket.Ticket{ID: "TGT-1", Type: ticket.TypeTicketGranting, CreationTime: t0, LastUsedTime: t0}
	if s.IsExpired(tgt, t0.Add(time.Hour)) {
		t.Fatal("TGT within idle window")
	}
	if !s.IsExpired(tgt, t0.Add(3*time.Hour)) {
		t.Fatal("TGT idle past 2h")
	}
	if _, ok := s.For("UNKNOWN").(Never); !ok {
		t.Fatal("fallback should be Never")
	}
}

func TestSpecPolicy(t *testing.T) {
	tests := []struct {
		spec Spec
		want string
	}{
		{Spec{}, "never"},
		{Spec{Disabled: true}, "always"},
		{Spec{MaxUses: 2}, "uses(2)"},
		{Spec{MaxIdle: time.Minute, MaxLifetime: time.Hour}, "any(idle(1m0s),ttl(1h0m0s))"},
	}
	for _, tt := range tests {
		p, err := tt.spec.Policy()
		if err != nil {
			t.Fatalf("Policy(%+v): %v", tt.spec, err)
		}
		if p.String() != tt.want {
			t.Errorf("Policy(%+v) = %s, want %s", tt.spec, p, tt.want)
		}
	}
	if _, err := (Spec{MaxUses: -1}).Policy(); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestFromSpecs(t *testing.T) {
	s, err := FromSpecs(map[ticket.Type]Spec{ticket.TypeService: {MaxUses: 3}})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.For(ticket.TypeService).String(); got != "uses(3)" {
		t.Fatalf("ST policy = %s", got)
	}
	if got := s.For(ticket.TypeTicketGranting).String(); got != "any(idle(2h0m0s),ttl(8h0m0s))" {
		t.Fatalf("TGT policy = %s", got)
	}
}
