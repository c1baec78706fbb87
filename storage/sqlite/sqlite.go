// Package sqlite implements storage.Store on SQLite through a pool of
// zombiezen connections. The table layout, column types and DDL come
// from a mapper.SQL dialect, so the same store exercises every
// relational layout the registry supports.
package sqlite

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening the store. Path and Mapper
// are required.
type Config struct {
	// Path is the database file. The parent directory must exist. An
	// in-memory database cannot be shared by a pool, so use a file in
	// a temporary directory for tests.
	Path string

	// PoolSize is the number of connections. Defaults to
	// max(runtime.NumCPU(), 4). Writes are serialized by SQLite
	// regardless; extra connections serve concurrent reads.
	PoolSize int

	Mapper *mapper.SQL

	// Logger receives open and close messages. Nil discards them.
	Logger *slog.Logger
}

// Store is safe for concurrent use. Each call takes its own connection
// from the pool and returns it before returning.
type Store struct {
	pool   *sqlitex.Pool
	m      *mapper.SQL
	logger *slog.Logger
	path   string

	cols    []mapper.Column
	colList string
	tables  []string
}

// Open creates the pool, applies the connection pragmas and creates the
// dialect's tables and parent indexes if they do not exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("sqlite store: Mapper is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite store: opening %s: %v", ticket.ErrBackendUnavailable, cfg.Path, err)
	}

	s := &Store{
		pool:   pool,
		m:      cfg.Mapper,
		logger: logger,
		path:   cfg.Path,
		cols:   cfg.Mapper.Columns(),
		tables: cfg.Mapper.Tables(),
	}
	names := make([]string, len(s.cols))
	for i, c := range s.cols {
		names[i] = c.Name
	}
	s.colList = strings.Join(names, ", ")

	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	logger.Info("sqlite store opened",
		"path", cfg.Path,
		"dialect", cfg.Mapper.Dialect(),
		"pool_size", poolSize,
		"tables", s.tables,
	)
	return s, nil
}

// prepareConnection applies the standard pragmas once per connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin schema transaction: %w", err)
	}
	defer endTransaction(&err)
	for _, stmt := range s.m.Schema() {
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			return fmt.Errorf("sqlite store: schema: %w", err)
		}
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite store: take: %v", ticket.ErrBackendUnavailable, err)
	}
	return conn, nil
}

func (s *Store) knownTable(table string) error {
	if !slices.Contains(s.tables, table) {
		return fmt.Errorf("sqlite store: unknown table %q", table)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, table, key string) (mapper.Entity, error) {
	if err := s.knownTable(table); err != nil {
		return mapper.Entity{}, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return mapper.Entity{}, err
	}
	defer s.pool.Put(conn)

	var (
		found bool
		e     mapper.Entity
	)
	query := "SELECT " + s.colList + " FROM " + table + " WHERE " + s.m.KeyColumn() + " = ?"
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			e = s.scanEntity(stmt, table, 0)
			return nil
		},
	})
	if err != nil {
		return mapper.Entity{}, fmt.Errorf("%w: sqlite store: read %s: %v", ticket.ErrBackendUnavailable, key, err)
	}
	if !found {
		return mapper.Entity{}, ticket.ErrNotFound
	}
	return e, nil
}

func (s *Store) Write(ctx context.Context, e mapper.Entity, mode storage.WriteMode) error {
	if err := s.knownTable(e.Table); err != nil {
		return err
	}
	args := make([]any, len(s.cols))
	for i, c := range s.cols {
		v, ok := e.Get(c.Name)
		if !ok {
			return fmt.Errorf("sqlite store: entity %s missing column %s", e.Key, c.Name)
		}
		args[i] = v
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var query string
	switch mode {
	case storage.ModeCreate:
		query = "INSERT INTO " + e.Table + " (" + s.colList + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?, ", len(s.cols)), ", ") +
			") ON CONFLICT (" + s.m.KeyColumn() + ") DO NOTHING"
	case storage.ModeUpdate:
		sets := make([]string, 0, len(s.cols)-1)
		for _, c := range s.cols[1:] {
			sets = append(sets, c.Name+" = ?")
		}
		query = "UPDATE " + e.Table + " SET " + strings.Join(sets, ", ") + " WHERE " + s.m.KeyColumn() + " = ?"
		// Key column moves to the end to match the WHERE clause.
		args = append(args[1:], args[0])
	default:
		return fmt.Errorf("sqlite store: unknown write mode %d", mode)
	}

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("%w: sqlite store: %s %s: %v", ticket.ErrBackendUnavailable, mode, e.Key, err)
	}
	if conn.Changes() == 0 {
		if mode == storage.ModeCreate {
			return ticket.ErrDuplicate
		}
		return ticket.ErrNotFound
	}
	return nil
}

// Swap compares and updates inside one immediate transaction, which
// holds the database write lock across both statements.
func (s *Store) Swap(ctx context.Context, old, e mapper.Entity) (err error) {
	if err := storage.CheckSwap(old, e); err != nil {
		return err
	}
	if err := s.knownTable(e.Table); err != nil {
		return err
	}
	args := make([]any, 0, len(s.cols))
	sets := make([]string, 0, len(s.cols)-1)
	for _, c := range s.cols[1:] {
		v, ok := e.Get(c.Name)
		if !ok {
			return fmt.Errorf("sqlite store: entity %s missing column %s", e.Key, c.Name)
		}
		args = append(args, v)
		sets = append(sets, c.Name+" = ?")
	}
	args = append(args, e.Key)

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("%w: sqlite store: begin swap %s: %v", ticket.ErrBackendUnavailable, e.Key, err)
	}
	defer endTransaction(&err)

	var (
		found bool
		cur   mapper.Entity
	)
	query := "SELECT " + s.colList + " FROM " + e.Table + " WHERE " + s.m.KeyColumn() + " = ?"
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{e.Key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			cur = s.scanEntity(stmt, e.Table, 0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("%w: sqlite store: swap read %s: %v", ticket.ErrBackendUnavailable, e.Key, err)
	}
	if !found {
		return ticket.ErrNotFound
	}
	if !cur.Equal(old) {
		return storage.ErrConflict
	}
	update := "UPDATE " + e.Table + " SET " + strings.Join(sets, ", ") + " WHERE " + s.m.KeyColumn() + " = ?"
	if err := sqlitex.Execute(conn, update, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("%w: sqlite store: swap %s: %v", ticket.ErrBackendUnavailable, e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	if err := s.knownTable(table); err != nil {
		return false, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	query := "DELETE FROM " + table + " WHERE " + s.m.KeyColumn() + " = ?"
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return false, fmt.Errorf("%w: sqlite store: delete %s: %v", ticket.ErrBackendUnavailable, key, err)
	}
	return conn.Changes() > 0, nil
}

// Scan reads every requested table with a single UNION ALL statement,
// which SQLite evaluates against one read snapshot, then releases the
// connection before yielding.
func (s *Store) Scan(ctx context.Context, tables ...string) iter.Seq2[mapper.Entity, error] {
	return func(yield func(mapper.Entity, error) bool) {
		selected := tables
		if len(selected) == 0 {
			selected = s.tables
		}
		entities, err := s.snapshot(ctx, selected)
		if err != nil {
			yield(mapper.Entity{}, err)
			return
		}
		for _, e := range entities {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) snapshot(ctx context.Context, tables []string) ([]mapper.Entity, error) {
	tables = slices.Clone(tables)
	slices.Sort(tables)
	tables = slices.Compact(tables)
	selects := make([]string, 0, len(tables))
	for _, t := range tables {
		if err := s.knownTable(t); err != nil {
			return nil, err
		}
		selects = append(selects, "SELECT '"+t+"', "+s.colList+" FROM "+t)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []mapper.Entity
	query := strings.Join(selects, " UNION ALL ") + " ORDER BY 1, 2"
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, s.scanEntity(stmt, stmt.ColumnText(0), 1))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite store: scan: %v", ticket.ErrBackendUnavailable, err)
	}
	return out, nil
}

func (s *Store) Children(ctx context.Context, parentKey string) ([]storage.Ref, error) {
	selects := make([]string, 0, len(s.tables))
	args := make([]any, 0, len(s.tables))
	for _, t := range s.tables {
		selects = append(selects, "SELECT '"+t+"', "+s.m.KeyColumn()+" FROM "+t+" WHERE "+s.m.ParentColumn()+" = ?")
		args = append(args, parentKey)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	refs := []storage.Ref{}
	err = sqlitex.Execute(conn, strings.Join(selects, " UNION ALL ")+" ORDER BY 2", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			refs = append(refs, storage.Ref{Table: stmt.ColumnText(0), Key: stmt.ColumnText(1)})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite store: children of %s: %v", ticket.ErrBackendUnavailable, parentKey, err)
	}
	return refs, nil
}

// scanEntity reads the mapper columns starting at result column offset.
func (s *Store) scanEntity(stmt *sqlite.Stmt, table string, offset int) mapper.Entity {
	e := mapper.Entity{Table: table, Fields: make([]mapper.Field, len(s.cols))}
	for i, c := range s.cols {
		col := offset + i
		var v any
		switch {
		case stmt.ColumnIsNull(col):
		case c.Kind == mapper.KindInt:
			v = stmt.ColumnInt64(col)
		case c.Kind == mapper.KindBlob:
			b := make([]byte, stmt.ColumnLen(col))
			stmt.ColumnBytes(col, b)
			v = b
		default:
			v = stmt.ColumnText(col)
		}
		e.Fields[i] = mapper.Field{Name: c.Name, Value: v}
	}
	e.Key, _ = e.Fields[0].Value.(string)
	if p, ok := e.Get(s.m.ParentColumn()); ok && p != nil {
		e.Parent, _ = p.(string)
	}
	return e
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", "path", s.path, "error", err)
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

// Ensure interface compliance
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ParentIndex = (*Store)(nil)
)
