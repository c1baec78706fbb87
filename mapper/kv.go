package mapper

import (
	"fmt"
	"time"

	"github.com/Ajtak/cas/ticket"
)

// KV maps records to compact entities for embedded key/value stores.
// Field names are single letters, the body is always packed (optionally
// compressed) and the creation time is kept in epoch milliseconds.
type KV struct {
	tableSet
	compression Compression
}

func newKV(catalog *ticket.Catalog, opts Options) (*KV, error) {
	ts, err := newTableSet(catalog, opts.Naming, 0)
	if err != nil {
		return nil, err
	}
	return &KV{tableSet: ts, compression: opts.Compression}, nil
}

func (m *KV) Dialect() string { return DialectKV }

func (m *KV) ToEntity(r Record) (Entity, error) {
	table, err := m.check(r)
	if err != nil {
		return Entity{}, err
	}
	packed, err := pack(r.Body, m.compression)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		Table:  table,
		Key:    r.ID,
		Parent: r.ParentID,
		Fields: []Field{
			{"i", r.ID},
			{"p", r.ParentID},
			{"t", string(r.Type)},
			{"u", r.PrincipalID},
			{"c", r.CreationTime.UnixMilli()},
			{"b", packed},
		},
	}, nil
}

func (m *KV) FromEntity(e Entity) (Record, error) {
	var r Record
	var err error
	if r.ID, err = fieldString(e, "i"); err != nil {
		return Record{}, err
	}
	if r.ParentID, err = fieldString(e, "p"); err != nil {
		return Record{}, err
	}
	typ, err := fieldString(e, "t")
	if err != nil {
		return Record{}, err
	}
	r.Type = ticket.Type(typ)
	if r.PrincipalID, err = fieldString(e, "u"); err != nil {
		return Record{}, err
	}
	c, err := field(e, "c")
	if err != nil {
		return Record{}, err
	}
	ms, err := asInt64(c)
	if err != nil {
		return Record{}, fmt.Errorf("mapper: field c: %w", err)
	}
	r.CreationTime = time.UnixMilli(ms).UTC()
	b, err := field(e, "b")
	if err != nil {
		return Record{}, err
	}
	packed, err := asBytes(b)
	if err != nil {
		return Record{}, fmt.Errorf("mapper: field b: %w", err)
	}
	if r.Body, err = unpack(packed); err != nil {
		return Record{}, fmt.Errorf("mapper: field b: %w", err)
	}
	return r, nil
}

var _ Mapper = (*KV)(nil)
