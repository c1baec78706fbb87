package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ajtak/cas/ticket"
)

// ColumnKind is the Go-side value kind of a column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindBlob
	KindInt
)

// Column describes one physical column.
type Column struct {
	Name     string
	SQLType  string
	Kind     ColumnKind
	Nullable bool
	// MaxLen bounds text values; 0 means unbounded.
	MaxLen int
}

// timeEncoding is how a dialect stores the record creation time.
type timeEncoding int

const (
	timeRFC3339 timeEncoding = iota
	timeDateTime
	timeEpochMillis
)

const mysqlDateTime = "2006-01-02 15:04:05.000000"

// sqlDialect is the strategy value describing one relational layout.
type sqlDialect struct {
	name         string
	upperColumns bool
	nameLimit    int
	idType       string
	idLen        int
	bodyType     string
	timeType     string
	timeEnc      timeEncoding
}

var sqlDialects = map[string]sqlDialect{
	DialectGeneric: {
		name: DialectGeneric, idType: "VARCHAR(%d)", idLen: 768,
		bodyType: "TEXT", timeType: "TIMESTAMP", timeEnc: timeRFC3339,
	},
	DialectPostgres: {
		name: DialectPostgres, nameLimit: 63, idType: "VARCHAR(%d)", idLen: 768,
		bodyType: "TEXT", timeType: "TIMESTAMPTZ", timeEnc: timeRFC3339,
	},
	// utf8mb4 index keys are limited to 767 bytes, hence 191 characters.
	DialectMySQL: {
		name: DialectMySQL, nameLimit: 64, idType: "VARCHAR(%d)", idLen: 191,
		bodyType: "LONGTEXT", timeType: "DATETIME(6)", timeEnc: timeDateTime,
	},
	DialectOracle: {
		name: DialectOracle, upperColumns: true, nameLimit: 30, idType: "VARCHAR2(%d)", idLen: 768,
		bodyType: "CLOB", timeType: "NUMBER(19)", timeEnc: timeEpochMillis,
	},
	// Index keys are limited to 900 bytes; NVARCHAR uses two per character.
	DialectMSSQL: {
		name: DialectMSSQL, nameLimit: 128, idType: "NVARCHAR(%d)", idLen: 450,
		bodyType: "NTEXT", timeType: "BIGINT", timeEnc: timeEpochMillis,
	},
}

// SQLDialects lists the relational dialect names.
func SQLDialects() []string {
	return []string{DialectGeneric, DialectMySQL, DialectPostgres, DialectOracle, DialectMSSQL}
}

// SQL is the mapper for relational stores. Besides the conversions it
// exposes the column layout and DDL for its dialect.
type SQL struct {
	tableSet
	d    sqlDialect
	cols sqlColumns
}

type sqlColumns struct {
	id, parent, typ, principal, body, created Column
}

func (c sqlColumns) list() []Column {
	return []Column{c.id, c.parent, c.typ, c.principal, c.body, c.created}
}

// NewSQL returns the mapper for a relational dialect. An empty dialect
// means generic.
func NewSQL(dialect string, catalog *ticket.Catalog, opts Options) (*SQL, error) {
	if dialect == "" {
		dialect = DialectGeneric
	}
	d, ok := sqlDialects[dialect]
	if !ok {
		return nil, fmt.Errorf("mapper: unknown sql dialect %q", dialect)
	}
	if opts.Naming == (Naming{}) {
		opts.Naming = DefaultNaming()
	}
	ts, err := newTableSet(catalog, opts.Naming, d.nameLimit)
	if err != nil {
		return nil, err
	}
	name := func(n string) string {
		if d.upperColumns {
			return strings.ToUpper(n)
		}
		return n
	}
	timeKind := KindText
	if d.timeEnc == timeEpochMillis {
		timeKind = KindInt
	}
	cols := sqlColumns{
		id:        Column{Name: name("id"), SQLType: fmt.Sprintf(d.idType, d.idLen), Kind: KindText, MaxLen: d.idLen},
		parent:    Column{Name: name("parent_id"), SQLType: fmt.Sprintf(d.idType, d.idLen), Kind: KindText, Nullable: true, MaxLen: d.idLen},
		typ:       Column{Name: name("type"), SQLType: fmt.Sprintf(d.idType, 255), Kind: KindText, MaxLen: 255},
		principal: Column{Name: name("principal_id"), SQLType: fmt.Sprintf(d.idType, 768), Kind: KindText, Nullable: true, MaxLen: 768},
		body:      Column{Name: name("body"), SQLType: d.bodyType, Kind: KindBlob},
		created:   Column{Name: name("creation_time"), SQLType: d.timeType, Kind: timeKind},
	}
	return &SQL{tableSet: ts, d: d, cols: cols}, nil
}

func (m *SQL) Dialect() string { return m.d.name }

// Columns returns the columns in table order.
func (m *SQL) Columns() []Column { return m.cols.list() }

// KeyColumn names the primary key column.
func (m *SQL) KeyColumn() string { return m.cols.id.Name }

// ParentColumn names the indexed parent column.
func (m *SQL) ParentColumn() string { return m.cols.parent.Name }

// Schema returns the statements creating every table and its parent
// index. Statements are idempotent.
func (m *SQL) Schema() []string {
	var stmts []string
	for _, table := range m.Tables() {
		var cols []string
		for _, c := range m.Columns() {
			def := c.Name + " " + c.SQLType
			if !c.Nullable {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		cols = append(cols, "PRIMARY KEY ("+m.cols.id.Name+")")
		stmts = append(stmts,
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", ")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", m.indexName(table), table, m.cols.parent.Name),
		)
	}
	return stmts
}

func (m *SQL) indexName(table string) string {
	name := "IX_" + table + "_PARENT"
	if !m.d.upperColumns && strings.ToLower(table) == table {
		name = strings.ToLower(name)
	}
	if m.d.nameLimit > 0 && len(name) > m.d.nameLimit {
		name = name[:m.d.nameLimit]
	}
	return name
}

func (m *SQL) ToEntity(r Record) (Entity, error) {
	table, err := m.check(r)
	if err != nil {
		return Entity{}, err
	}
	for _, v := range []struct {
		col Column
		val string
	}{{m.cols.id, r.ID}, {m.cols.parent, r.ParentID}, {m.cols.typ, string(r.Type)}, {m.cols.principal, r.PrincipalID}} {
		if v.col.MaxLen > 0 && len(v.val) > v.col.MaxLen {
			return Entity{}, fmt.Errorf("%w: %s is %d long, %s allows %d", ErrFieldTooLong, v.col.Name, len(v.val), m.d.name, v.col.MaxLen)
		}
	}
	nullable := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	return Entity{
		Table:  table,
		Key:    r.ID,
		Parent: r.ParentID,
		Fields: []Field{
			{m.cols.id.Name, r.ID},
			{m.cols.parent.Name, nullable(r.ParentID)},
			{m.cols.typ.Name, string(r.Type)},
			{m.cols.principal.Name, nullable(r.PrincipalID)},
			{m.cols.body.Name, r.Body},
			{m.cols.created.Name, m.encodeTime(r.CreationTime)},
		},
	}, nil
}

func (m *SQL) FromEntity(e Entity) (Record, error) {
	var r Record
	var err error
	if r.ID, err = fieldString(e, m.cols.id.Name); err != nil {
		return Record{}, err
	}
	if r.ParentID, err = fieldString(e, m.cols.parent.Name); err != nil {
		return Record{}, err
	}
	typ, err := fieldString(e, m.cols.typ.Name)
	if err != nil {
		return Record{}, err
	}
	r.Type = ticket.Type(typ)
	if r.PrincipalID, err = fieldString(e, m.cols.principal.Name); err != nil {
		return Record{}, err
	}
	body, err := field(e, m.cols.body.Name)
	if err != nil {
		return Record{}, err
	}
	if r.Body, err = asBytes(body); err != nil {
		return Record{}, fmt.Errorf("mapper: field %s: %w", m.cols.body.Name, err)
	}
	created, err := field(e, m.cols.created.Name)
	if err != nil {
		return Record{}, err
	}
	if r.CreationTime, err = m.decodeTime(created); err != nil {
		return Record{}, fmt.Errorf("mapper: field %s: %w", m.cols.created.Name, err)
	}
	return r, nil
}

func (m *SQL) encodeTime(t time.Time) any {
	t = t.UTC()
	switch m.d.timeEnc {
	case timeEpochMillis:
		return t.UnixMilli()
	case timeDateTime:
		return t.Format(mysqlDateTime)
	default:
		return t.Format(time.RFC3339Nano)
	}
}

func (m *SQL) decodeTime(v any) (time.Time, error) {
	if m.d.timeEnc == timeEpochMillis {
		ms, err := asInt64(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	s, err := asString(v)
	if err != nil {
		return time.Time{}, err
	}
	layout := time.RFC3339Nano
	if m.d.timeEnc == timeDateTime {
		layout = mysqlDateTime
	}
	return time.ParseInLocation(layout, s, time.UTC)
}

var _ Mapper = (*SQL)(nil)
