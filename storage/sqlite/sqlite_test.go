package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/storage/storagetest"
	"github.com/Ajtak/cas/ticket"
)

func openStore(t *testing.T, dialect string, naming mapper.Naming) (*Store, *mapper.SQL) {
	t.Helper()
	m, err := mapper.NewSQL(dialect, ticket.DefaultCatalog(), mapper.Options{Naming: naming})
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), Config{
		Path:     filepath.Join(t.TempDir(), "tickets.db"),
		PoolSize: 4,
		Mapper:   m,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func TestSQLiteStore(t *testing.T) {
	for _, dialect := range mapper.SQLDialects() {
		t.Run(dialect, func(t *testing.T) {
			storagetest.RunStoreTests(t, func(t *testing.T) (storage.Store, mapper.Mapper) {
				return openStore(t, dialect, mapper.Naming{})
			})
		})
	}
	t.Run("per_type_tables", func(t *testing.T) {
		storagetest.RunStoreTests(t, func(t *testing.T) (storage.Store, mapper.Mapper) {
			return openStore(t, mapper.DialectPostgres, mapper.Naming{Base: "casTickets", Case: mapper.CaseLowerUnderscore, PerType: true})
		})
	})
}

func TestReopenKeepsData(t *testing.T) {
	m, err := mapper.NewSQL(mapper.DialectGeneric, ticket.DefaultCatalog(), mapper.Options{})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tickets.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path, Mapper: m})
	if err != nil {
		t.Fatal(err)
	}
	e, err := m.ToEntity(storagetest.Record("TGT-1-keep", ticket.TypeTicketGranting, "", "casuser"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, e, storage.ModeCreate); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(ctx, Config{Path: path, Mapper: m})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Read(ctx, e.Table, e.Key); err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
}

func TestUnknownTableRejected(t *testing.T) {
	s, _ := openStore(t, mapper.DialectGeneric, mapper.Naming{})
	if _, err := s.Read(context.Background(), "users; DROP TABLE CAS_TICKETS", "x"); err == nil {
		t.Fatal("expected unknown table error")
	}
}
