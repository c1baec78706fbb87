// Package storagetest holds the conformance suite every storage.Store
// implementation runs from its own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

// StoreFactory creates an empty store together with the mapper whose
// entities it persists. The factory owns cleanup via t.Cleanup.
type StoreFactory func(t *testing.T) (storage.Store, mapper.Mapper)

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateThenRead", func(t *testing.T) { testCreateThenRead(t, factory) })
	t.Run("CreateDuplicateFails", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, factory) })
	t.Run("UpdateReplaces", func(t *testing.T) { testUpdateReplaces(t, factory) })
	t.Run("UpdateMissingFails", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("SwapReplaces", func(t *testing.T) { testSwapReplaces(t, factory) })
	t.Run("SwapStaleFails", func(t *testing.T) { testSwapStale(t, factory) })
	t.Run("Concurrent_CreateSameKey", func(t *testing.T) { testConcurrentCreate(t, factory) })
	t.Run("Concurrent_SwapSameKey", func(t *testing.T) { testConcurrentSwap(t, factory) })
	t.Run("DeleteReportsExistence", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Scan_AllTables", func(t *testing.T) { testScanAll(t, factory) })
	t.Run("Scan_SelectedTables", func(t *testing.T) { testScanSelected(t, factory) })
	t.Run("Scan_IgnoresLaterWrites", func(t *testing.T) { testScanSnapshot(t, factory) })
	t.Run("Scan_EarlyBreak", func(t *testing.T) { testScanEarlyBreak(t, factory) })
	t.Run("ParentIndex_Children", func(t *testing.T) { testChildren(t, factory) })
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Record builds a record with a recognizable body.
func Record(id string, typ ticket.Type, parent, principal string) mapper.Record {
	return mapper.Record{
		ID:           id,
		ParentID:     parent,
		Type:         typ,
		PrincipalID:  principal,
		Body:         []byte(fmt.Sprintf(`{"id":%q}`, id)),
		CreationTime: epoch,
	}
}

func mustEntity(t *testing.T, m mapper.Mapper, r mapper.Record) mapper.Entity {
	t.Helper()
	e, err := m.ToEntity(r)
	if err != nil {
		t.Fatalf("ToEntity(%s): %v", r.ID, err)
	}
	return e
}

func mustCreate(t *testing.T, ctx context.Context, s storage.Store, m mapper.Mapper, r mapper.Record) mapper.Entity {
	t.Helper()
	e := mustEntity(t, m, r)
	if err := s.Write(ctx, e, storage.ModeCreate); err != nil {
		t.Fatalf("create %s: %v", r.ID, err)
	}
	return e
}

func mustRecord(t *testing.T, m mapper.Mapper, e mapper.Entity) mapper.Record {
	t.Helper()
	r, err := m.FromEntity(e)
	if err != nil {
		t.Fatalf("FromEntity(%s): %v", e.Key, err)
	}
	return r
}

func sameRecord(a, b mapper.Record) bool {
	return a.ID == b.ID && a.ParentID == b.ParentID && a.Type == b.Type &&
		a.PrincipalID == b.PrincipalID && bytes.Equal(a.Body, b.Body) &&
		a.CreationTime.UnixMilli() == b.CreationTime.UnixMilli()
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testCreateThenRead(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	want := Record("TGT-1-a", ticket.TypeTicketGranting, "", "casuser")
	e := mustCreate(t, ctx, s, m, want)

	got, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Table != e.Table || got.Key != e.Key {
		t.Fatalf("entity header %s/%s, want %s/%s", got.Table, got.Key, e.Table, e.Key)
	}
	if r := mustRecord(t, m, got); !sameRecord(r, want) {
		t.Fatalf("read back %+v, want %+v", r, want)
	}
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	r := Record("TGT-1-dup", ticket.TypeTicketGranting, "", "casuser")
	mustCreate(t, ctx, s, m, r)

	other := r
	other.PrincipalID = "intruder"
	err := s.Write(ctx, mustEntity(t, m, other), storage.ModeCreate)
	if !errors.Is(err, ticket.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	e, err := s.Read(ctx, m.Table(r.Type), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := mustRecord(t, m, e); got.PrincipalID != "casuser" {
		t.Fatalf("duplicate create overwrote the original: %q", got.PrincipalID)
	}
}

func testReadMissing(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	_, err := s.Read(ctx, m.Table(ticket.TypeService), "ST-404")
	if !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpdateReplaces(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	r := Record("TGT-1-upd", ticket.TypeTicketGranting, "", "casuser")
	mustCreate(t, ctx, s, m, r)

	r.Body = []byte(`{"id":"TGT-1-upd","useCount":3}`)
	if err := s.Write(ctx, mustEntity(t, m, r), storage.ModeUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}
	e, err := s.Read(ctx, m.Table(r.Type), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := mustRecord(t, m, e); !sameRecord(got, r) {
		t.Fatalf("after update got %s, want %s", got.Body, r.Body)
	}
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	err := s.Write(ctx, mustEntity(t, m, Record("TGT-1-gone", ticket.TypeTicketGranting, "", "")), storage.ModeUpdate)
	if !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Read(ctx, m.Table(ticket.TypeTicketGranting), "TGT-1-gone"); !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("update of a missing key must not create it, read returned %v", err)
	}
}

func testSwapReplaces(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	r := Record("ST-1-swap", ticket.TypeService, "TGT-1-swap", "casuser")
	e := mustCreate(t, ctx, s, m, r)
	old, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatal(err)
	}

	r.Body = []byte(`{"id":"ST-1-swap","useCount":1}`)
	if err := s.Swap(ctx, old, mustEntity(t, m, r)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	got, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatal(err)
	}
	if rec := mustRecord(t, m, got); !sameRecord(rec, r) {
		t.Fatalf("after swap got %s, want %s", rec.Body, r.Body)
	}
	if p, ok := s.(storage.ParentIndex); ok {
		refs, err := p.Children(ctx, "TGT-1-swap")
		if err != nil || len(refs) != 1 {
			t.Fatalf("children after swap = %v, %v", refs, err)
		}
	}
}

func testSwapStale(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	r := Record("ST-1-stale", ticket.TypeService, "TGT-1-stale", "casuser")
	e := mustCreate(t, ctx, s, m, r)
	old, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatal(err)
	}

	winner := r
	winner.Body = []byte(`{"id":"ST-1-stale","useCount":1}`)
	if err := s.Write(ctx, mustEntity(t, m, winner), storage.ModeUpdate); err != nil {
		t.Fatal(err)
	}
	loser := r
	loser.Body = []byte(`{"id":"ST-1-stale","useCount":7}`)
	if err := s.Swap(ctx, old, mustEntity(t, m, loser)); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale swap: expected ErrConflict, got %v", err)
	}
	cur, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatal(err)
	}
	if rec := mustRecord(t, m, cur); !bytes.Equal(rec.Body, winner.Body) {
		t.Fatalf("stale swap overwrote the winner: %s", rec.Body)
	}

	if _, err := s.Delete(ctx, e.Table, e.Key); err != nil {
		t.Fatal(err)
	}
	if err := s.Swap(ctx, cur, mustEntity(t, m, loser)); !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("swap after delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Read(ctx, e.Table, e.Key); !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("swap must not recreate a deleted key, read returned %v", err)
	}

	moved := mustEntity(t, m, Record("ST-1-stale", ticket.TypeService, "TGT-1-other", "casuser"))
	if err := s.Swap(ctx, cur, moved); err == nil {
		t.Fatal("swap that changes the parent must fail")
	}
}

const racers = 16

// race runs fn from racers goroutines released at once and returns
// their errors.
func race(fn func(i int) error) []error {
	errs := make([]error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func testConcurrentCreate(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	entities := make([]mapper.Entity, racers)
	for i := range entities {
		entities[i] = mustEntity(t, m, Record("TGT-1-race", ticket.TypeTicketGranting, "", fmt.Sprintf("user-%d", i)))
	}
	errs := race(func(i int) error {
		return s.Write(ctx, entities[i], storage.ModeCreate)
	})
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("creates %d and %d both succeeded", winner, i)
			}
			winner = i
		case !errors.Is(err, ticket.ErrDuplicate):
			t.Fatalf("create %d: expected ErrDuplicate, got %v", i, err)
		}
	}
	if winner < 0 {
		t.Fatal("no create succeeded")
	}
	e, err := s.Read(ctx, m.Table(ticket.TypeTicketGranting), "TGT-1-race")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mustRecord(t, m, e).PrincipalID, fmt.Sprintf("user-%d", winner); got != want {
		t.Fatalf("stored principal %q, want the winner's %q", got, want)
	}
}

func testConcurrentSwap(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	r := Record("ST-1-race", ticket.TypeService, "TGT-1-race", "casuser")
	e := mustCreate(t, ctx, s, m, r)
	old, err := s.Read(ctx, e.Table, e.Key)
	if err != nil {
		t.Fatal(err)
	}

	entities := make([]mapper.Entity, racers)
	for i := range entities {
		next := r
		next.Body = []byte(fmt.Sprintf(`{"id":"ST-1-race","useCount":1,"by":%d}`, i))
		entities[i] = mustEntity(t, m, next)
	}
	errs := race(func(i int) error {
		return s.Swap(ctx, old, entities[i])
	})
	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, storage.ErrConflict):
			t.Fatalf("swap %d: expected ErrConflict, got %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("%d swaps succeeded from the same read, want 1", won)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	e := mustCreate(t, ctx, s, m, Record("ST-1-del", ticket.TypeService, "TGT-1-p", ""))

	removed, err := s.Delete(ctx, e.Table, e.Key)
	if err != nil || !removed {
		t.Fatalf("first delete = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.Delete(ctx, e.Table, e.Key)
	if err != nil || removed {
		t.Fatalf("second delete = %v, %v; want false, nil", removed, err)
	}
	if _, err := s.Read(ctx, e.Table, e.Key); !errors.Is(err, ticket.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func seed(t *testing.T, ctx context.Context, s storage.Store, m mapper.Mapper) []mapper.Record {
	t.Helper()
	records := []mapper.Record{
		Record("TGT-1-a", ticket.TypeTicketGranting, "", "alice"),
		Record("TGT-2-b", ticket.TypeTicketGranting, "", "bob"),
		Record("ST-3-a", ticket.TypeService, "TGT-1-a", ""),
		Record("ST-4-a", ticket.TypeService, "TGT-1-a", ""),
		Record("PGT-5-a", ticket.TypeProxyGranting, "TGT-1-a", "alice"),
	}
	for _, r := range records {
		mustCreate(t, ctx, s, m, r)
	}
	return records
}

func scanIDs(t *testing.T, ctx context.Context, s storage.Store, m mapper.Mapper, tables ...string) []string {
	t.Helper()
	var ids []string
	for e, err := range s.Scan(ctx, tables...) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, mustRecord(t, m, e).ID)
	}
	slices.Sort(ids)
	return ids
}

func testScanAll(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)

	var want []string
	for _, r := range seed(t, ctx, s, m) {
		want = append(want, r.ID)
	}
	slices.Sort(want)

	if got := scanIDs(t, ctx, s, m, m.Tables()...); !slices.Equal(got, want) {
		t.Fatalf("scan = %v, want %v", got, want)
	}
	// Scanning twice returns the same population.
	if got := scanIDs(t, ctx, s, m, m.Tables()...); !slices.Equal(got, want) {
		t.Fatalf("second scan = %v, want %v", got, want)
	}
}

func testScanSelected(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)
	seed(t, ctx, s, m)

	table := m.Table(ticket.TypeService)
	for e, err := range s.Scan(ctx, table) {
		if err != nil {
			t.Fatal(err)
		}
		if e.Table != table {
			t.Fatalf("scan of %s yielded entity of %s", table, e.Table)
		}
	}
	if len(m.Tables()) == 1 {
		return
	}
	want := []string{"ST-3-a", "ST-4-a"}
	if got := scanIDs(t, ctx, s, m, table); !slices.Equal(got, want) {
		t.Fatalf("scan(%s) = %v, want %v", table, got, want)
	}
}

func testScanSnapshot(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)
	seed(t, ctx, s, m)

	late := Record("TGT-9-late", ticket.TypeTicketGranting, "", "carol")
	seen, wrote := 0, false
	for e, err := range s.Scan(ctx, m.Tables()...) {
		if err != nil {
			t.Fatal(err)
		}
		if !wrote {
			mustCreate(t, ctx, s, m, late)
			wrote = true
		}
		if e.Key == late.ID {
			t.Fatalf("scan observed an entity written after it started")
		}
		seen++
	}
	if seen != 5 {
		t.Fatalf("scan saw %d entities, want 5", seen)
	}
	if got := scanIDs(t, ctx, s, m, m.Tables()...); !slices.Contains(got, late.ID) {
		t.Fatalf("a fresh scan should observe %s: %v", late.ID, got)
	}
}

func testScanEarlyBreak(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	ctx := testCtx(t)
	seed(t, ctx, s, m)

	n := 0
	for _, err := range s.Scan(ctx, m.Tables()...) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	// The store stays usable after an abandoned scan.
	if _, err := s.Read(ctx, m.Table(ticket.TypeTicketGranting), "TGT-1-a"); err != nil {
		t.Fatalf("read after early break: %v", err)
	}
}

func testChildren(t *testing.T, factory StoreFactory) {
	s, m := factory(t)
	idx, ok := s.(storage.ParentIndex)
	if !ok {
		t.Skip("store does not implement storage.ParentIndex")
	}
	ctx := testCtx(t)
	seed(t, ctx, s, m)

	refs, err := idx.Children(ctx, "TGT-1-a")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, ref := range refs {
		keys = append(keys, ref.Key)
		typ, err := ticket.DefaultCatalog().TypeOfID(ref.Key)
		if err != nil {
			t.Fatal(err)
		}
		if want := m.Table(typ); ref.Table != want {
			t.Fatalf("child %s reported in table %s, want %s", ref.Key, ref.Table, want)
		}
	}
	slices.Sort(keys)
	if want := []string{"PGT-5-a", "ST-3-a", "ST-4-a"}; !slices.Equal(keys, want) {
		t.Fatalf("children = %v, want %v", keys, want)
	}

	if _, err := s.Delete(ctx, m.Table(ticket.TypeService), "ST-3-a"); err != nil {
		t.Fatal(err)
	}
	refs, err = idx.Children(ctx, "TGT-1-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("children after delete = %v, want 2 entries", refs)
	}

	refs, err = idx.Children(ctx, "TGT-2-b")
	if err != nil || len(refs) != 0 {
		t.Fatalf("childless parent = %v, %v", refs, err)
	}
}
