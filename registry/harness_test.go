package registry_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Ajtak/cas/codec"
	"github.com/Ajtak/cas/expiration"
	"github.com/Ajtak/cas/internal/logctx"
	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/registry"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/storage/leveldb"
	"github.com/Ajtak/cas/storage/memory"
	"github.com/Ajtak/cas/storage/sqlite"
	"github.com/Ajtak/cas/ticket"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	counters map[string]int
	observed map[string][]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counters: map[string]int{}, observed: map[string][]float64{}}
}

func (s *recordingSink) IncCounter(name string, _ map[string]string) {
	s.mu.Lock()
	s.counters[name]++
	s.mu.Unlock()
}

func (s *recordingSink) ObserveHistogram(name string, v float64, _ map[string]string) {
	s.mu.Lock()
	s.observed[name] = append(s.observed[name], v)
	s.mu.Unlock()
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// backend builds an empty store and the mapper matching it.
type backend struct {
	name   string
	format codec.Format
	open   func(t *testing.T) (storage.Store, mapper.Mapper)
}

func memoryBackend(dialect string) func(t *testing.T) (storage.Store, mapper.Mapper) {
	return func(t *testing.T) (storage.Store, mapper.Mapper) {
		m, err := mapper.New(dialect, ticket.DefaultCatalog(), mapper.Options{})
		if err != nil {
			t.Fatal(err)
		}
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })
		return s, m
	}
}

func sqliteBackend(dialect string) func(t *testing.T) (storage.Store, mapper.Mapper) {
	return func(t *testing.T) (storage.Store, mapper.Mapper) {
		m, err := mapper.NewSQL(dialect, ticket.DefaultCatalog(), mapper.Options{})
		if err != nil {
			t.Fatal(err)
		}
		s, err := sqlite.Open(context.Background(), sqlite.Config{
			Path:     filepath.Join(t.TempDir(), "tickets.db"),
			PoolSize: 4,
			Mapper:   m,
		})
		if err != nil {
			t.Fatalf("sqlite.Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s, m
	}
}

func leveldbBackend(c mapper.Compression) func(t *testing.T) (storage.Store, mapper.Mapper) {
	return func(t *testing.T) (storage.Store, mapper.Mapper) {
		m, err := mapper.New(mapper.DialectKV, ticket.DefaultCatalog(), mapper.Options{Compression: c})
		if err != nil {
			t.Fatal(err)
		}
		s, err := leveldb.Open(leveldb.Config{Path: filepath.Join(t.TempDir(), "tickets")})
		if err != nil {
			t.Fatalf("leveldb.Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s, m
	}
}

func backends() []backend {
	return []backend{
		{name: "memory/document/json", format: codec.FormatJSON, open: memoryBackend(mapper.DialectDocument)},
		{name: "memory/generic/cbor", format: codec.FormatCBOR, open: memoryBackend(mapper.DialectGeneric)},
		{name: "sqlite/oracle/json", format: codec.FormatJSON, open: sqliteBackend(mapper.DialectOracle)},
		{name: "sqlite/postgres/cbor", format: codec.FormatCBOR, open: sqliteBackend(mapper.DialectPostgres)},
		{name: "leveldb/kv-zstd/cbor", format: codec.FormatCBOR, open: leveldbBackend(mapper.CompressionZstd)},
	}
}

type harness struct {
	reg     *registry.Registry
	store   storage.Store
	mapper  mapper.Mapper
	clock   *fakeClock
	metrics *recordingSink
	ids     *ticket.IDGenerator
}

func newHarnessOn(t *testing.T, b backend, policies *expiration.Set) *harness {
	t.Helper()
	store, m := b.open(t)
	return newHarnessWith(t, store, m, b.format, policies)
}

// newHarness uses the in-memory store with the document mapper.
func newHarness(t *testing.T, policies *expiration.Set) *harness {
	t.Helper()
	return newHarnessOn(t, backends()[0], policies)
}

func newHarnessWith(t *testing.T, store storage.Store, m mapper.Mapper, format codec.Format, policies *expiration.Set) *harness {
	t.Helper()
	ser, err := codec.New(format, ticket.DefaultCatalog())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:   store,
		mapper:  m,
		clock:   &fakeClock{now: epoch},
		metrics: newRecordingSink(),
		ids:     ticket.NewIDGenerator("test"),
	}
	h.reg = registry.New(store, m, ser, policies, registry.Config{
		Clock:   h.clock.Now,
		IDs:     h.ids,
		Metrics: h.metrics,
		Logger:  slog.New(logctx.Handler{Handler: slog.DiscardHandler}),
	})
	return h
}

func (h *harness) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) session(t *testing.T, principal string) *ticket.Ticket {
	t.Helper()
	tgt, err := h.reg.CreateSession(h.ctx(t), &ticket.Authentication{PrincipalID: principal, AuthenticatedAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", principal, err)
	}
	return tgt
}

func (h *harness) serviceTicket(t *testing.T, tgt *ticket.Ticket, service string) *ticket.Ticket {
	t.Helper()
	st, err := h.reg.GrantServiceTicket(h.ctx(t), tgt.ID, service, false)
	if err != nil {
		t.Fatalf("GrantServiceTicket(%s): %v", tgt.ID, err)
	}
	return st
}

// child builds an unsaved ticket of typ under parent without any checks.
func (h *harness) child(typ ticket.Type, parentID string) *ticket.Ticket {
	d, _ := ticket.DefaultCatalog().Lookup(typ)
	now := h.clock.Now()
	t := &ticket.Ticket{
		ID:           h.ids.New(d.Prefix),
		Type:         typ,
		ParentID:     parentID,
		CreationTime: now,
		LastUsedTime: now,
	}
	if typ == ticket.TypeService || typ == ticket.TypeProxy {
		t.Service = "https://svc.example.org"
	}
	return t
}

func (h *harness) mustGet(t *testing.T, id string) *ticket.Ticket {
	t.Helper()
	got, err := h.reg.GetTicket(h.ctx(t), id)
	if err != nil {
		t.Fatalf("GetTicket(%s): %v", id, err)
	}
	return got
}

func (h *harness) expectErr(t *testing.T, id string, want error) {
	t.Helper()
	_, err := h.reg.GetTicket(h.ctx(t), id)
	if !errors.Is(err, want) {
		t.Fatalf("GetTicket(%s) err = %v, want %v", id, err, want)
	}
}

// noIndexStore hides the ParentIndex capability of the wrapped store.
type noIndexStore struct {
	storage.Store
}

// failingStore fails deletes of one key.
type failingStore struct {
	storage.Store
	mu      sync.Mutex
	failKey string
}

func (s *failingStore) setFailKey(k string) {
	s.mu.Lock()
	s.failKey = k
	s.mu.Unlock()
}

func (s *failingStore) Delete(ctx context.Context, table, key string) (bool, error) {
	s.mu.Lock()
	fail := key == s.failKey
	s.mu.Unlock()
	if fail {
		return false, fmt.Errorf("%w: injected", ticket.ErrBackendUnavailable)
	}
	return s.Store.Delete(ctx, table, key)
}

// interleavingStore runs beforeSwap once, ahead of the next Swap, to
// slip a competing write between a read and its compare-and-swap.
type interleavingStore struct {
	storage.Store
	mu         sync.Mutex
	beforeSwap func()
}

func (s *interleavingStore) Swap(ctx context.Context, old, e mapper.Entity) error {
	s.mu.Lock()
	hook := s.beforeSwap
	s.beforeSwap = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Store.Swap(ctx, old, e)
}
