package mapper

import (
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Ajtak/cas/ticket"
)

// Body encodings of the document dialect.
const (
	bodyText   = "text"
	bodyBase64 = "base64"
	bodyPacked = "packed"
)

// Document maps records to flat JSON-friendly documents for key/value
// caches such as Redis. Every value is a string so the document survives
// any JSON round trip unchanged.
type Document struct {
	tableSet
	compression Compression
}

func newDocument(catalog *ticket.Catalog, opts Options) (*Document, error) {
	ts, err := newTableSet(catalog, opts.Naming, 0)
	if err != nil {
		return nil, err
	}
	return &Document{tableSet: ts, compression: opts.Compression}, nil
}

func (m *Document) Dialect() string { return DialectDocument }

func (m *Document) ToEntity(r Record) (Entity, error) {
	table, err := m.check(r)
	if err != nil {
		return Entity{}, err
	}
	encoding, body := bodyText, string(r.Body)
	switch {
	case m.compression != CompressionNone:
		packed, err := pack(r.Body, m.compression)
		if err != nil {
			return Entity{}, err
		}
		encoding, body = bodyPacked, base64.StdEncoding.EncodeToString(packed)
	case !utf8.Valid(r.Body):
		encoding, body = bodyBase64, base64.StdEncoding.EncodeToString(r.Body)
	}
	return Entity{
		Table:  table,
		Key:    r.ID,
		Parent: r.ParentID,
		Fields: []Field{
			{"id", r.ID},
			{"parentId", r.ParentID},
			{"type", string(r.Type)},
			{"principalId", r.PrincipalID},
			{"creationTime", r.CreationTime.UTC().Format(time.RFC3339Nano)},
			{"bodyEncoding", encoding},
			{"body", body},
		},
	}, nil
}

func (m *Document) FromEntity(e Entity) (Record, error) {
	get := make(map[string]string, len(e.Fields))
	for _, name := range []string{"id", "parentId", "type", "principalId", "creationTime", "bodyEncoding", "body"} {
		s, err := fieldString(e, name)
		if err != nil {
			return Record{}, err
		}
		get[name] = s
	}
	created, err := time.Parse(time.RFC3339Nano, get["creationTime"])
	if err != nil {
		return Record{}, fmt.Errorf("mapper: creationTime: %w", err)
	}
	var body []byte
	switch get["bodyEncoding"] {
	case bodyText:
		body = []byte(get["body"])
	case bodyBase64:
		if body, err = base64.StdEncoding.DecodeString(get["body"]); err != nil {
			return Record{}, fmt.Errorf("mapper: body: %w", err)
		}
	case bodyPacked:
		packed, err := base64.StdEncoding.DecodeString(get["body"])
		if err != nil {
			return Record{}, fmt.Errorf("mapper: body: %w", err)
		}
		if body, err = unpack(packed); err != nil {
			return Record{}, fmt.Errorf("mapper: body: %w", err)
		}
	default:
		return Record{}, fmt.Errorf("mapper: unknown body encoding %q", get["bodyEncoding"])
	}
	return Record{
		ID:           get["id"],
		ParentID:     get["parentId"],
		Type:         ticket.Type(get["type"]),
		PrincipalID:  get["principalId"],
		Body:         body,
		CreationTime: created.UTC(),
	}, nil
}

var _ Mapper = (*Document)(nil)
