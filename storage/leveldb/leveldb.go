// Package leveldb implements storage.Store on an embedded goleveldb
// database. Entities are CBOR encoded; a secondary key per child lets
// cascades find descendants without a scan.
package leveldb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout
//
//	e 0x00 <table> 0x00 <key>                       entity
//	c 0x00 <parent> 0x00 <table> 0x00 <key>         child marker
const sep = 0x00

var (
	entityPrefix = []byte{'e', sep}
	childPrefix  = []byte{'c', sep}
)

type Config struct {
	// Path is the database directory. It is created if missing.
	Path string
	// Options are passed to goleveldb unchanged; nil uses its defaults.
	Options *opt.Options
	Logger  *slog.Logger
}

type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
	path   string

	// mu serializes the read-check-write sequence of Write and Delete.
	mu sync.Mutex
}

func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("leveldb store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := leveldb.OpenFile(cfg.Path, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: leveldb store: opening %s: %v", ticket.ErrBackendUnavailable, cfg.Path, err)
	}
	logger.Info("leveldb store opened", "path", cfg.Path)
	return &Store{db: db, logger: logger, path: cfg.Path}, nil
}

func entityKey(table, key string) []byte {
	b := make([]byte, 0, len(entityPrefix)+len(table)+1+len(key))
	b = append(b, entityPrefix...)
	b = append(b, table...)
	b = append(b, sep)
	return append(b, key...)
}

func tablePrefix(table string) []byte {
	b := append(slices.Clone(entityPrefix), table...)
	return append(b, sep)
}

func childrenPrefix(parent string) []byte {
	b := append(slices.Clone(childPrefix), parent...)
	return append(b, sep)
}

func childKey(parent, table, key string) []byte {
	b := childrenPrefix(parent)
	b = append(b, table...)
	b = append(b, sep)
	return append(b, key...)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return storage.ErrClosed
	case errors.Is(err, leveldb.ErrNotFound):
		return ticket.ErrNotFound
	}
	return fmt.Errorf("%w: leveldb: %v", ticket.ErrBackendUnavailable, err)
}

func (s *Store) Read(ctx context.Context, table, key string) (mapper.Entity, error) {
	if err := ctx.Err(); err != nil {
		return mapper.Entity{}, translate(err)
	}
	raw, err := s.db.Get(entityKey(table, key), nil)
	if err != nil {
		return mapper.Entity{}, translate(err)
	}
	return decodeEntity(raw)
}

func (s *Store) Write(ctx context.Context, e mapper.Entity, mode storage.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return translate(err)
	}
	raw, err := encodeEntity(e)
	if err != nil {
		return err
	}
	k := entityKey(e.Table, e.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.db.Get(k, nil)
	exists := err == nil
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return translate(err)
	}

	batch := new(leveldb.Batch)
	switch mode {
	case storage.ModeCreate:
		if exists {
			return ticket.ErrDuplicate
		}
	case storage.ModeUpdate:
		if !exists {
			return ticket.ErrNotFound
		}
		prev, err := decodeEntity(old)
		if err != nil {
			return err
		}
		if prev.Parent != "" {
			batch.Delete(childKey(prev.Parent, prev.Table, prev.Key))
		}
	default:
		return fmt.Errorf("leveldb store: unknown write mode %d", mode)
	}
	batch.Put(k, raw)
	if e.Parent != "" {
		batch.Put(childKey(e.Parent, e.Table, e.Key), nil)
	}
	return translate(s.db.Write(batch, nil))
}

func (s *Store) Swap(ctx context.Context, old, e mapper.Entity) error {
	if err := storage.CheckSwap(old, e); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return translate(err)
	}
	raw, err := encodeEntity(e)
	if err != nil {
		return err
	}
	k := entityKey(e.Table, e.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.db.Get(k, nil)
	if err != nil {
		return translate(err)
	}
	cur, err := decodeEntity(stored)
	if err != nil {
		return err
	}
	if !cur.Equal(old) {
		return storage.ErrConflict
	}
	// The parent is unchanged, so the child marker stays valid.
	return translate(s.db.Put(k, raw, nil))
}

func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	k := entityKey(table, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translate(err)
	}
	batch := new(leveldb.Batch)
	batch.Delete(k)
	if prev, err := decodeEntity(old); err == nil && prev.Parent != "" {
		batch.Delete(childKey(prev.Parent, table, key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, translate(err)
	}
	return true, nil
}

// Scan iterates a database snapshot taken when the range starts.
func (s *Store) Scan(ctx context.Context, tables ...string) iter.Seq2[mapper.Entity, error] {
	return func(yield func(mapper.Entity, error) bool) {
		snap, err := s.db.GetSnapshot()
		if err != nil {
			yield(mapper.Entity{}, translate(err))
			return
		}
		defer snap.Release()

		prefixes := [][]byte{entityPrefix}
		if len(tables) > 0 {
			selected := slices.Clone(tables)
			slices.Sort(selected)
			selected = slices.Compact(selected)
			prefixes = prefixes[:0]
			for _, t := range selected {
				prefixes = append(prefixes, tablePrefix(t))
			}
		}
		for _, p := range prefixes {
			if !s.scanPrefix(ctx, snap, p, yield) {
				return
			}
		}
	}
}

func (s *Store) scanPrefix(ctx context.Context, snap *leveldb.Snapshot, prefix []byte, yield func(mapper.Entity, error) bool) bool {
	it := snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			yield(mapper.Entity{}, translate(err))
			return false
		}
		// Values are only valid until the next call to Next.
		e, err := decodeEntity(slices.Clone(it.Value()))
		if !yield(e, err) {
			return false
		}
	}
	if err := it.Error(); err != nil {
		yield(mapper.Entity{}, translate(err))
		return false
	}
	return true
}

func (s *Store) Children(ctx context.Context, parentKey string) ([]storage.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, translate(err)
	}
	prefix := childrenPrefix(parentKey)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	refs := []storage.Ref{}
	for it.Next() {
		rest := it.Key()[len(prefix):]
		table, key, ok := bytes.Cut(rest, []byte{sep})
		if !ok {
			continue
		}
		refs = append(refs, storage.Ref{Table: string(table), Key: string(key)})
	}
	if err := it.Error(); err != nil {
		return nil, translate(err)
	}
	slices.SortFunc(refs, func(a, b storage.Ref) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return refs, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldb store: closing %s: %w", s.path, err)
	}
	s.logger.Info("leveldb store closed", "path", s.path)
	return nil
}

// --- Wire format ---

type wireEntity struct {
	Table  string      `cbor:"1,keyasint"`
	Key    string      `cbor:"2,keyasint"`
	Parent string      `cbor:"3,keyasint,omitempty"`
	Fields []wireField `cbor:"4,keyasint"`
}

type wireField struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value any
}

func encodeEntity(e mapper.Entity) ([]byte, error) {
	w := wireEntity{Table: e.Table, Key: e.Key, Parent: e.Parent, Fields: make([]wireField, len(e.Fields))}
	for i, f := range e.Fields {
		w.Fields[i] = wireField{Name: f.Name, Value: f.Value}
	}
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("leveldb store: encode %s: %w", e.Key, err)
	}
	return b, nil
}

func decodeEntity(raw []byte) (mapper.Entity, error) {
	var w wireEntity
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return mapper.Entity{}, fmt.Errorf("%w: leveldb entity: %v", ticket.ErrCorrupt, err)
	}
	e := mapper.Entity{Table: w.Table, Key: w.Key, Parent: w.Parent, Fields: make([]mapper.Field, len(w.Fields))}
	for i, f := range w.Fields {
		e.Fields[i] = mapper.Field{Name: f.Name, Value: f.Value}
	}
	return e, nil
}

// Ensure interface compliance
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ParentIndex = (*Store)(nil)
)
