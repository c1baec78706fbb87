// Package memory provides an in-process implementation of storage.Store.
// It is the reference implementation used by tests and single-node
// deployments; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

// Store implements storage.Store and storage.ParentIndex with maps
// guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	tables   map[string]map[string]mapper.Entity
	children map[string]map[storage.Ref]struct{}
	closed   bool
}

func New() *Store {
	return &Store{
		tables:   make(map[string]map[string]mapper.Entity),
		children: make(map[string]map[storage.Ref]struct{}),
	}
}

func (s *Store) Read(ctx context.Context, table, key string) (mapper.Entity, error) {
	if err := ctx.Err(); err != nil {
		return mapper.Entity{}, fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mapper.Entity{}, storage.ErrClosed
	}
	e, ok := s.tables[table][key]
	if !ok {
		return mapper.Entity{}, ticket.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) Write(ctx context.Context, e mapper.Entity, mode storage.WriteMode) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	tbl, ok := s.tables[e.Table]
	if !ok {
		tbl = make(map[string]mapper.Entity)
		s.tables[e.Table] = tbl
	}
	old, exists := tbl[e.Key]
	switch mode {
	case storage.ModeCreate:
		if exists {
			return ticket.ErrDuplicate
		}
	case storage.ModeUpdate:
		if !exists {
			return ticket.ErrNotFound
		}
		s.unindex(old)
	}
	tbl[e.Key] = e.Clone()
	s.index(e)
	return nil
}

func (s *Store) Swap(ctx context.Context, old, e mapper.Entity) error {
	if err := storage.CheckSwap(old, e); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	cur, ok := s.tables[e.Table][e.Key]
	if !ok {
		return ticket.ErrNotFound
	}
	if !cur.Equal(old) {
		return storage.ErrConflict
	}
	s.tables[e.Table][e.Key] = e.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	e, ok := s.tables[table][key]
	if !ok {
		return false, nil
	}
	delete(s.tables[table], key)
	s.unindex(e)
	return true, nil
}

func (s *Store) Scan(ctx context.Context, tables ...string) iter.Seq2[mapper.Entity, error] {
	return func(yield func(mapper.Entity, error) bool) {
		snapshot, err := s.snapshot(tables)
		if err != nil {
			yield(mapper.Entity{}, err)
			return
		}
		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(mapper.Entity{}, fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// snapshot copies the requested tables under the read lock. Entities
// are ordered by table then key so scans are repeatable.
func (s *Store) snapshot(tables []string) ([]mapper.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if len(tables) == 0 {
		for name := range s.tables {
			tables = append(tables, name)
		}
	}
	tables = slices.Clone(tables)
	slices.Sort(tables)
	tables = slices.Compact(tables)
	var out []mapper.Entity
	for _, name := range tables {
		start := len(out)
		for _, e := range s.tables[name] {
			out = append(out, e.Clone())
		}
		part := out[start:]
		sort.Slice(part, func(i, j int) bool { return part[i].Key < part[j].Key })
	}
	return out, nil
}

func (s *Store) Children(ctx context.Context, parentKey string) ([]storage.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ticket.ErrBackendUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	refs := make([]storage.Ref, 0, len(s.children[parentKey]))
	for ref := range s.children[parentKey] {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// Len returns the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tbl := range s.tables {
		n += len(tbl)
	}
	return n
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	s.children = nil
	return nil
}

func (s *Store) index(e mapper.Entity) {
	if e.Parent == "" {
		return
	}
	set, ok := s.children[e.Parent]
	if !ok {
		set = make(map[storage.Ref]struct{})
		s.children[e.Parent] = set
	}
	set[storage.Ref{Table: e.Table, Key: e.Key}] = struct{}{}
}

func (s *Store) unindex(e mapper.Entity) {
	if e.Parent == "" {
		return
	}
	set := s.children[e.Parent]
	delete(set, storage.Ref{Table: e.Table, Key: e.Key})
	if len(set) == 0 {
		delete(s.children, e.Parent)
	}
}

// Ensure interface compliance
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ParentIndex = (*Store)(nil)
)
