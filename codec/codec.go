// Package codec turns tickets into opaque, deterministic bodies and back.
//
// A body plus its type tag is enough to rebuild the ticket; the only
// external reference is the parent id. Two formats are supported: JSON
// (the default, human readable) and CBOR (compact, Core Deterministic
// Encoding). Either way identical tickets produce identical bytes, which
// the registry relies on to skip no-op updates.
//
// Decoding is strict. An unknown tag, an unknown field, a missing id or
// an id whose prefix disagrees with the tag yields a
// *ticket.DeserializationError.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Ajtak/cas/ticket"
)

// Format selects the body encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat parses a configured format name. The empty string means
// JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("codec: unknown format %q", s)
}

// Serializer converts tickets to bodies using a per-type shape table.
// It is safe for concurrent use.
type Serializer struct {
	format  Format
	catalog *ticket.Catalog
	shapes  map[ticket.Type]Shape
	sealer  *Sealer
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithShape registers the document shape for a custom ticket type.
func WithShape(typ ticket.Type, s Shape) Option {
	return func(sz *Serializer) { sz.shapes[typ] = s }
}

// WithSealer signs every body and verifies signatures on decode.
func WithSealer(s *Sealer) Option {
	return func(sz *Serializer) { sz.sealer = s }
}

// New returns a serializer for the types of catalog. Every catalog type
// needs a shape.
func New(format Format, catalog *ticket.Catalog, opts ...Option) (*Serializer, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCBOR {
		return nil, fmt.Errorf("codec: unknown format %q", format)
	}
	s := &Serializer{format: format, catalog: catalog, shapes: DefaultShapes()}
	for _, opt := range opts {
		opt(s)
	}
	for _, typ := range catalog.Types() {
		if _, ok := s.shapes[typ]; !ok {
			return nil, fmt.Errorf("codec: no shape for ticket type %s", typ)
		}
	}
	return s, nil
}

// Format returns the body encoding in use.
func (s *Serializer) Format() Format { return s.format }

// Catalog returns the type catalog the serializer validates against.
func (s *Serializer) Catalog() *ticket.Catalog { return s.catalog }

// Serialize encodes t.
func (s *Serializer) Serialize(t *ticket.Ticket) ([]byte, error) {
	if _, err := s.catalog.Lookup(t.Type); err != nil {
		return nil, err
	}
	shape, ok := s.shapes[t.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ticket.ErrUnknownType, t.Type)
	}
	doc := shape.From(t)

	var body []byte
	var err error
	switch s.format {
	case FormatCBOR:
		body, err = cborEnc.Marshal(doc)
	default:
		body, err = json.Marshal(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", t.ID, err)
	}
	if s.sealer != nil {
		return s.sealer.Seal(body)
	}
	return body, nil
}

// Deserialize rebuilds the ticket stored as body under typeTag.
func (s *Serializer) Deserialize(body []byte, typeTag ticket.Type) (*ticket.Ticket, error) {
	fail := func(id string, err error) error {
		return &ticket.DeserializationError{ID: id, Type: typeTag, Err: err}
	}
	if _, err := s.catalog.Lookup(typeTag); err != nil {
		return nil, fail("", err)
	}
	shape, ok := s.shapes[typeTag]
	if !ok {
		return nil, fail("", ticket.ErrUnknownType)
	}
	if s.sealer != nil {
		var err error
		if body, err = s.sealer.Open(body); err != nil {
			return nil, fail("", err)
		}
	}

	doc := shape.New()
	if err := s.decode(body, doc); err != nil {
		return nil, fail("", err)
	}
	t := shape.To(doc, typeTag)
	if err := s.validate(t); err != nil {
		return nil, fail(t.ID, err)
	}
	return t, nil
}

func (s *Serializer) decode(body []byte, doc any) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if s.format == FormatCBOR {
		return cborDec.Unmarshal(body, doc)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after body")
	}
	return nil
}

func (s *Serializer) validate(t *ticket.Ticket) error {
	if t.ID == "" {
		return errors.New("missing id")
	}
	if t.CreationTime.IsZero() {
		return errors.New("missing creation time")
	}
	if t.UseCount < 0 {
		return fmt.Errorf("negative use count %d", t.UseCount)
	}
	idType, err := s.catalog.TypeOfID(t.ID)
	if err != nil {
		return err
	}
	if idType != t.Type {
		return fmt.Errorf("id prefix says %s", idType)
	}
	var parentType ticket.Type
	if t.ParentID != "" {
		if parentType, err = s.catalog.TypeOfID(t.ParentID); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
	}
	return s.catalog.CheckParent(t.Type, parentType)
}
