// Package storage defines the persistence contract the ticket registry
// consumes. A Store moves mapper.Entity values in and out of one physical
// backend; it knows nothing about ticket semantics.
//
// Implementations
//
//	memory  : in-process maps, for tests and single-node deployments
//	redis   : shared cache for horizontally scaled deployments
//	sqlite  : relational tables laid out by a SQL dialect mapper
//	leveldb : embedded key/value files with snapshot iteration
//
// Every call takes the caller's context and acquires whatever backend
// handle it needs for the duration of the call only.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Ajtak/cas/mapper"
)

// WriteMode selects the conflict behavior of Write.
type WriteMode int

const (
	// ModeCreate stores the entity only if its key is absent and fails
	// with ticket.ErrDuplicate otherwise.
	ModeCreate WriteMode = iota
	// ModeUpdate replaces an existing entity and fails with
	// ticket.ErrNotFound if it is absent, so an update racing a delete
	// never brings a ticket back.
	ModeUpdate
)

func (m WriteMode) String() string {
	if m == ModeUpdate {
		return "update"
	}
	return "create"
}

// Store is the uniform persistence contract. Writes of a single entity
// are atomic. Errors map onto the ticket taxonomy: ticket.ErrNotFound,
// ticket.ErrDuplicate, and ticket.ErrBackendUnavailable for connectivity
// or timeout failures.
type Store interface {
	// Read returns the entity stored under key in table.
	Read(ctx context.Context, table, key string) (mapper.Entity, error)

	// Write stores e according to mode.
	Write(ctx context.Context, e mapper.Entity, mode WriteMode) error

	// Swap replaces old with e only if the stored entity still equals
	// old (see mapper.Entity.Equal). It fails with ticket.ErrNotFound
	// when the key is gone and ErrConflict when another write landed
	// first. old and e must name the same table, key and parent.
	Swap(ctx context.Context, old, e mapper.Entity) error

	// Delete removes key from table and reports whether it existed.
	Delete(ctx context.Context, table, key string) (bool, error)

	// Scan enumerates entities of the given tables (all tables when
	// none are given). Each range over the returned sequence reads a
	// fresh snapshot; writes made after the range starts are not
	// observed. Errors are yielded with a zero entity.
	Scan(ctx context.Context, tables ...string) iter.Seq2[mapper.Entity, error]

	// Close releases the backend.
	Close() error
}

// Ref locates an entity.
type Ref struct {
	Table string
	Key   string
}

// ParentIndex is implemented by stores that can list the direct
// children of a parent key without a full scan.
type ParentIndex interface {
	Children(ctx context.Context, parentKey string) ([]Ref, error)
}

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
	// ErrConflict is returned by Swap when the stored entity changed.
	ErrConflict = errors.New("storage: entity changed concurrently")
)

// CheckSwap rejects a Swap that would move an entity.
func CheckSwap(old, e mapper.Entity) error {
	if old.Table != e.Table || old.Key != e.Key || old.Parent != e.Parent {
		return fmt.Errorf("storage: swap cannot move %s/%s to %s/%s under %q", old.Table, old.Key, e.Table, e.Key, e.Parent)
	}
	return nil
}
