// Package registry orchestrates ticket storage: it serializes tickets,
// maps them onto a backend dialect, evaluates expiration lazily on read
// and cascades deletes down the parent chain.
//
// Validity is never stored. A ticket is valid iff it exists, its own
// policy holds and every ancestor is valid; an ancestor that is missing
// makes the whole subtree expired even before a sweep removes it. This
// is what keeps the registry correct when a cascade is interrupted.
//
// The registry owns no goroutines and no timeouts. Every call uses the
// caller's context for each store round trip.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Ajtak/cas/codec"
	"github.com/Ajtak/cas/expiration"
	"github.com/Ajtak/cas/internal/logctx"
	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
)

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// TokenIssuer renders a validated service ticket as a signed token.
// granting is the ticket holding the authentication. *tokens.Issuer
// implements it.
type TokenIssuer interface {
	Issue(st, granting *ticket.Ticket) (string, error)
}

// ErrNoTokenIssuer is returned by ValidateServiceTicketToken when the
// registry was built without Config.Tokens.
var ErrNoTokenIssuer = errors.New("registry: no token issuer configured")

// Config configures a Registry.
type Config struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// MaxDepth is the most ancestors a ticket may have. AddTicket
	// rejects longer proxy chains, and walks stop there so a corrupt
	// parent cycle cannot loop forever. Defaults to 16.
	MaxDepth int
	// IDs generates ids for tickets issued through the Grant methods.
	// Defaults to a generator without node suffix.
	IDs     *ticket.IDGenerator
	// Tokens signs JWTs for ValidateServiceTicketToken. Optional.
	Tokens  TokenIssuer
	Metrics MetricsSink
	Logger  *slog.Logger
}

// applyDefaults populates zero values with conservative defaults.
func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 16
	}
	if c.IDs == nil {
		c.IDs = ticket.NewIDGenerator("")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry is safe for concurrent use, including by several processes
// sharing one backend.
type Registry struct {
	store    storage.Store
	mapper   mapper.Mapper
	codec    *codec.Serializer
	catalog  *ticket.Catalog
	policies atomic.Pointer[expiration.Set]
	cfg      Config
}

// New wires a registry. A nil policy set uses expiration.DefaultSet.
func New(store storage.Store, m mapper.Mapper, serializer *codec.Serializer, policies *expiration.Set, cfg Config) *Registry {
	cfg.applyDefaults()
	if policies == nil {
		policies = expiration.DefaultSet()
	}
	r := &Registry{
		store:   store,
		mapper:  m,
		codec:   serializer,
		catalog: serializer.Catalog(),
		cfg:     cfg,
	}
	r.policies.Store(policies)
	return r
}

// SetPolicies swaps the expiration policies. Readers see either the old
// or the new set, never a mix.
func (r *Registry) SetPolicies(p *expiration.Set) {
	if p == nil {
		p = expiration.DefaultSet()
	}
	r.policies.Store(p)
	r.cfg.Logger.Info("expiration policies replaced")
}

// Policies returns the active policy set.
func (r *Registry) Policies() *expiration.Set { return r.policies.Load() }

// Catalog returns the ticket type catalog.
func (r *Registry) Catalog() *ticket.Catalog { return r.catalog }

func (r *Registry) now() time.Time { return r.cfg.Clock() }

func (r *Registry) recordMetric(name string, tags map[string]string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IncCounter(name, tags)
	}
}

func (r *Registry) observe(name string, v float64, tags map[string]string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveHistogram(name, v, tags)
	}
}

func typeTag(typ ticket.Type) map[string]string {
	return map[string]string{"type": string(typ)}
}

// withOp names the operation for log records, keeping a request id the
// caller may already have attached.
func withOp(ctx context.Context, name string) context.Context {
	od := &logctx.OperationData{Name: name}
	if prev, ok := logctx.Operation(ctx); ok {
		od.RequestID = prev.RequestID
	}
	return logctx.WithOperation(ctx, od)
}

// WithRequestID tags every log record the registry writes for ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return logctx.WithOperation(ctx, &logctx.OperationData{RequestID: id})
}

// --- Conversions ---

func (r *Registry) toRecord(t *ticket.Ticket) (mapper.Record, error) {
	body, err := r.codec.Serialize(t)
	if err != nil {
		return mapper.Record{}, err
	}
	return mapper.Record{
		ID:           t.ID,
		ParentID:     t.ParentID,
		Type:         t.Type,
		PrincipalID:  t.PrincipalID(),
		Body:         body,
		CreationTime: t.CreationTime,
	}, nil
}

func (r *Registry) toEntity(t *ticket.Ticket) (mapper.Entity, mapper.Record, error) {
	rec, err := r.toRecord(t)
	if err != nil {
		return mapper.Entity{}, mapper.Record{}, err
	}
	e, err := r.mapper.ToEntity(rec)
	return e, rec, err
}

// decode turns a stored entity back into a ticket. Failures are data
// integrity faults: logged, counted and returned as-is.
func (r *Registry) decode(ctx context.Context, e mapper.Entity) (*ticket.Ticket, mapper.Record, error) {
	rec, err := r.mapper.FromEntity(e)
	if err != nil {
		err = &ticket.DeserializationError{ID: e.Key, Err: err}
		r.corrupt(ctx, e.Key, err)
		return nil, mapper.Record{}, err
	}
	t, err := r.codec.Deserialize(rec.Body, rec.Type)
	if err != nil {
		var de *ticket.DeserializationError
		if errors.As(err, &de) && de.ID == "" {
			de.ID = rec.ID
		}
		r.corrupt(ctx, rec.ID, err)
		return nil, rec, err
	}
	if t.ID != rec.ID || t.ParentID != rec.ParentID {
		err = &ticket.DeserializationError{ID: rec.ID, Type: rec.Type, Err: errors.New("body disagrees with record header")}
		r.corrupt(ctx, rec.ID, err)
		return nil, rec, err
	}
	return t, rec, nil
}

func (r *Registry) corrupt(ctx context.Context, id string, err error) {
	r.recordMetric("tickets_corrupt", nil)
	r.cfg.Logger.ErrorContext(ctx, "corrupt ticket record", "id", id, "error", err)
}

// load reads one ticket by id regardless of validity, together with the
// entity it was decoded from.
func (r *Registry) load(ctx context.Context, id string) (*ticket.Ticket, mapper.Entity, error) {
	typ, err := r.catalog.TypeOfID(id)
	if err != nil {
		// An id the catalog cannot place was never issued here.
		return nil, mapper.Entity{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
	}
	e, err := r.store.Read(ctx, r.mapper.Table(typ), id)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return nil, mapper.Entity{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
		}
		return nil, mapper.Entity{}, err
	}
	t, _, err := r.decode(ctx, e)
	if err != nil {
		return nil, e, err
	}
	if t.Type != typ {
		err = &ticket.DeserializationError{ID: id, Type: t.Type, Err: fmt.Errorf("stored under %s", typ)}
		r.corrupt(ctx, id, err)
		return nil, e, err
	}
	return t, e, nil
}

// checkValid applies t's own policy and then walks its ancestors. A
// missing ancestor makes t expired.
func (r *Registry) checkValid(ctx context.Context, t *ticket.Ticket, now time.Time) error {
	_, err := r.validChain(ctx, t, now)
	return err
}

// validChain is checkValid that also reports how many ancestors t has.
// A chain longer than MaxDepth is reported as corrupt; AddTicket never
// builds one.
func (r *Registry) validChain(ctx context.Context, t *ticket.Ticket, now time.Time) (int, error) {
	policies := r.policies.Load()
	cur := t
	for depth := 0; ; depth++ {
		if policies.IsExpired(cur, now) {
			if cur == t {
				return depth, fmt.Errorf("%w: %s", ticket.ErrExpired, t.ID)
			}
			return depth, fmt.Errorf("%w: %s: ancestor %s expired", ticket.ErrExpired, t.ID, cur.ID)
		}
		if cur.ParentID == "" {
			return depth, nil
		}
		if depth >= r.cfg.MaxDepth {
			return depth, r.tooDeep(t)
		}
		parent, _, err := r.load(ctx, cur.ParentID)
		if errors.Is(err, ticket.ErrNotFound) {
			return depth, fmt.Errorf("%w: %s: ancestor %s is gone", ticket.ErrExpired, t.ID, cur.ParentID)
		}
		if err != nil {
			return depth, err
		}
		cur = parent
	}
}

func (r *Registry) tooDeep(t *ticket.Ticket) error {
	return &ticket.DeserializationError{ID: t.ID, Type: t.Type, Err: fmt.Errorf("ancestor chain deeper than %d", r.cfg.MaxDepth)}
}

// --- Operations ---

// AddTicket persists a new ticket. A parent, if any, must be stored,
// valid and of a type permitted to parent t.
func (r *Registry) AddTicket(ctx context.Context, t *ticket.Ticket) error {
	ctx = withOp(ctx, "add")
	ctx = logctx.WithTicket(ctx, &logctx.TicketData{ID: t.ID, Type: string(t.Type)})

	idType, err := r.catalog.TypeOfID(t.ID)
	if err != nil {
		return err
	}
	if idType != t.Type {
		return fmt.Errorf("%w: id %s does not carry the %s prefix", ticket.ErrUnknownType, t.ID, t.Type)
	}
	var parentType ticket.Type
	if t.ParentID != "" {
		if parentType, err = r.catalog.TypeOfID(t.ParentID); err != nil {
			return fmt.Errorf("%w: %w", ticket.ErrInvalidParent, err)
		}
	}
	if err := r.catalog.CheckParent(t.Type, parentType); err != nil {
		return err
	}
	if t.ParentID != "" {
		parent, _, err := r.load(ctx, t.ParentID)
		if err == nil {
			var ancestors int
			ancestors, err = r.validChain(ctx, parent, r.now())
			if err == nil && ancestors+1 > r.cfg.MaxDepth {
				err = fmt.Errorf("chain would exceed %d ancestors", r.cfg.MaxDepth)
			}
		}
		if err != nil {
			return fmt.Errorf("%w: parent %s: %w", ticket.ErrInvalidParent, t.ParentID, err)
		}
	}

	e, _, err := r.toEntity(t)
	if err != nil {
		return err
	}
	if err := r.store.Write(ctx, e, storage.ModeCreate); err != nil {
		if errors.Is(err, ticket.ErrDuplicate) {
			r.recordMetric("tickets_add_rejected", map[string]string{"reason": "duplicate"})
			return fmt.Errorf("%w: %s", ticket.ErrDuplicate, t.ID)
		}
		return err
	}
	r.recordMetric("tickets_added", typeTag(t.Type))
	r.cfg.Logger.DebugContext(ctx, "ticket added")
	return nil
}

// GetTicket returns the ticket if it is stored and valid.
func (r *Registry) GetTicket(ctx context.Context, id string) (*ticket.Ticket, error) {
	return r.GetTicketAs(ctx, id, "")
}

// GetTicketAs is GetTicket with a type check: the stored type must be
// expected or assignable to it. An empty expected skips the check.
func (r *Registry) GetTicketAs(ctx context.Context, id string, expected ticket.Type) (*ticket.Ticket, error) {
	ctx = withOp(ctx, "get")
	t, _, err := r.getValid(ctx, id, expected)
	if err != nil {
		return nil, err
	}
	r.recordMetric("tickets_retrieved", typeTag(t.Type))
	return t, nil
}

func (r *Registry) getValid(ctx context.Context, id string, expected ticket.Type) (*ticket.Ticket, mapper.Entity, error) {
	t, e, err := r.load(ctx, id)
	if err != nil {
		return nil, mapper.Entity{}, err
	}
	if expected != "" && !r.catalog.Assignable(t.Type, expected) {
		return nil, mapper.Entity{}, fmt.Errorf("%w: %s is %s, want %s", ticket.ErrTypeMismatch, id, t.Type, expected)
	}
	if err := r.checkValid(ctx, t, r.now()); err != nil {
		if errors.Is(err, ticket.ErrExpired) {
			r.recordMetric("tickets_expired_on_read", typeTag(t.Type))
		}
		return nil, mapper.Entity{}, err
	}
	return t, e, nil
}

// UpdateTicket persists mutated state of a stored ticket. The write is a
// single-record update, so it never recreates a ticket deleted
// concurrently. Writes whose body is unchanged are skipped.
func (r *Registry) UpdateTicket(ctx context.Context, t *ticket.Ticket) error {
	ctx = withOp(ctx, "update")
	ctx = logctx.WithTicket(ctx, &logctx.TicketData{ID: t.ID, Type: string(t.Type)})

	if _, err := r.catalog.Lookup(t.Type); err != nil {
		return err
	}
	e, next, err := r.toEntity(t)
	if err != nil {
		return err
	}
	cur, err := r.store.Read(ctx, e.Table, e.Key)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return fmt.Errorf("%w: %s", ticket.ErrNotFound, t.ID)
		}
		return err
	}
	rec, err := r.mapper.FromEntity(cur)
	if err != nil {
		err = &ticket.DeserializationError{ID: t.ID, Err: err}
		r.corrupt(ctx, t.ID, err)
		return err
	}
	if rec.ParentID != t.ParentID || rec.Type != t.Type {
		return fmt.Errorf("%w: %s cannot move from %s under %q", ticket.ErrInvalidParent, t.ID, rec.Type, rec.ParentID)
	}
	if codec.Digest(rec.Body) == codec.Digest(next.Body) {
		r.recordMetric("tickets_update_skipped", typeTag(t.Type))
		return nil
	}
	if err := r.store.Write(ctx, e, storage.ModeUpdate); err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return fmt.Errorf("%w: %s", ticket.ErrNotFound, t.ID)
		}
		return err
	}
	r.recordMetric("tickets_updated", typeTag(t.Type))
	return nil
}

// MarkUsed fetches a valid ticket, records one use and stores it. The
// returned ticket reflects the use. Concurrent calls on one id are
// serialized by the store: a caller whose write loses re-reads and
// re-validates, so a single-use ticket is handed out once.
func (r *Registry) MarkUsed(ctx context.Context, id string, expected ticket.Type) (*ticket.Ticket, error) {
	ctx = withOp(ctx, "mark_used")
	return r.modify(ctx, id, expected, func(t *ticket.Ticket) {
		t.MarkUsed(r.now())
	})
}

// maxSwapAttempts bounds the retries of modify under contention.
const maxSwapAttempts = 16

// modify applies fn to a valid ticket and stores the result with a
// compare-and-swap against the entity it read, retrying from the read
// when another writer got there first.
func (r *Registry) modify(ctx context.Context, id string, expected ticket.Type, fn func(*ticket.Ticket)) (*ticket.Ticket, error) {
	for attempt := 1; ; attempt++ {
		t, cur, err := r.getValid(ctx, id, expected)
		if err != nil {
			return nil, err
		}
		fn(t)
		next, _, err := r.toEntity(t)
		if err != nil {
			return nil, err
		}
		err = r.store.Swap(ctx, cur, next)
		switch {
		case err == nil:
			r.recordMetric("tickets_updated", typeTag(t.Type))
			return t, nil
		case errors.Is(err, ticket.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ticket.ErrNotFound, id)
		case errors.Is(err, storage.ErrConflict):
			r.recordMetric("tickets_swap_conflicts", typeTag(t.Type))
			if attempt >= maxSwapAttempts {
				return nil, fmt.Errorf("%s: %w", id, err)
			}
		default:
			return nil, err
		}
	}
}
