// Package mapper translates the generic ticket record into the physical
// layout a storage dialect needs, and back.
//
// The record body is opaque here: a mapper may compress or re-encode
// it but never looks inside. One Mapper is selected per backend at
// startup (see New) and is stateless per call.
package mapper

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Ajtak/cas/ticket"
)

// Record is the backend-neutral form of a stored ticket.
type Record struct {
	ID           string
	ParentID     string
	Type         ticket.Type
	PrincipalID  string
	Body         []byte
	CreationTime time.Time
}

// Field is one named physical value.
type Field struct {
	Name  string
	Value any
}

// Entity is a record in physical form. Table names the table or
// partition, Key the primary key and Parent the parent key used by
// stores that index children. Fields are in column order.
type Entity struct {
	Table  string
	Key    string
	Parent string
	Fields []Field
}

// Get returns the value of the named field.
func (e Entity) Get(name string) (any, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Clone returns a copy whose field slice and byte values are not shared.
func (e Entity) Clone() Entity {
	c := e
	c.Fields = slices.Clone(e.Fields)
	for i, f := range c.Fields {
		if b, ok := f.Value.([]byte); ok {
			c.Fields[i].Value = slices.Clone(b)
		}
	}
	return c
}

// Equal reports whether e and o hold the same values. Integers compare
// by value whatever their Go type, since backends decode them
// differently.
func (e Entity) Equal(o Entity) bool {
	if e.Table != o.Table || e.Key != o.Key || e.Parent != o.Parent || len(e.Fields) != len(o.Fields) {
		return false
	}
	for i, f := range e.Fields {
		g := o.Fields[i]
		if f.Name != g.Name || !valueEqual(f.Value, g.Value) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case string, nil, bool:
		return a == b
	}
	an, aok := integer(a)
	bn, bok := integer(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// Mapper converts records for one dialect.
type Mapper interface {
	// Dialect names the physical layout, e.g. "postgres" or "document".
	Dialect() string
	// Table returns the table or partition holding tickets of typ.
	Table(typ ticket.Type) string
	// Tables lists every distinct table, in catalog order.
	Tables() []string
	ToEntity(r Record) (Entity, error)
	FromEntity(e Entity) (Record, error)
}

// ErrFieldTooLong is returned when a value exceeds a dialect column.
var ErrFieldTooLong = errors.New("mapper: value exceeds column size")

// Options configures the mapper built by New.
type Options struct {
	Naming      Naming
	Compression Compression
}

// Dialect names accepted by New.
const (
	DialectGeneric  = "generic"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectOracle   = "oracle"
	DialectMSSQL    = "mssql"
	DialectDocument = "document"
	DialectKV       = "kv"
)

// New selects the mapper for dialect.
func New(dialect string, catalog *ticket.Catalog, opts Options) (Mapper, error) {
	if opts.Naming == (Naming{}) {
		opts.Naming = DefaultNaming()
	}
	switch dialect {
	case DialectDocument:
		return newDocument(catalog, opts)
	case DialectKV:
		return newKV(catalog, opts)
	}
	if _, ok := sqlDialects[dialect]; ok || dialect == "" {
		return NewSQL(dialect, catalog, opts)
	}
	return nil, fmt.Errorf("mapper: unknown dialect %q", dialect)
}

// tableSet holds the type to table mapping shared by the dialects.
type tableSet struct {
	byType map[ticket.Type]string
	order  []string
}

func newTableSet(catalog *ticket.Catalog, naming Naming, maxLen int) (tableSet, error) {
	byType, err := naming.tables(catalog, maxLen)
	if err != nil {
		return tableSet{}, err
	}
	ts := tableSet{byType: byType}
	for _, typ := range catalog.Types() {
		if name := byType[typ]; !slices.Contains(ts.order, name) {
			ts.order = append(ts.order, name)
		}
	}
	return ts, nil
}

func (ts tableSet) Table(typ ticket.Type) string { return ts.byType[typ] }
func (ts tableSet) Tables() []string            { return slices.Clone(ts.order) }

func (ts tableSet) check(r Record) (string, error) {
	if r.ID == "" {
		return "", errors.New("mapper: record without id")
	}
	table, ok := ts.byType[r.Type]
	if !ok {
		return "", fmt.Errorf("%w: %s", ticket.ErrUnknownType, r.Type)
	}
	return table, nil
}

// Value coercions. Stores hand back what their driver decoded, which
// may be a different numeric or byte type than what was written.

func asString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("expected bytes, got %T", v)
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func field(e Entity, name string) (any, error) {
	v, ok := e.Get(name)
	if !ok {
		return nil, fmt.Errorf("mapper: entity %s missing field %s", e.Key, name)
	}
	return v, nil
}

func fieldString(e Entity, name string) (string, error) {
	v, err := field(e, name)
	if err != nil {
		return "", err
	}
	s, err := asString(v)
	if err != nil {
		return "", fmt.Errorf("mapper: field %s: %w", name, err)
	}
	return s, nil
}
