package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/ticket"
	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: CAS_REDIS_KEY_PREFIX
	KeyPrefix string `env:"CAS_REDIS_KEY_PREFIX,default=cas:tickets:"`
	// ENV: REDIS_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT,default=5s"`
}

const (
	defaultAddr   = "localhost:6379"
	defaultPrefix = "cas:tickets:"
	scanCount     = 200
	mgetBatch     = 100
)

type Store struct {
	client    *goredis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	cl := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	ctx := context.Background()
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ticket.ErrBackendUnavailable, err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewWithClient(cl *goredis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultPrefix
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// Client exposes the underlying client so cooperating components, such
// as the cleaner's lock, can share the connection pool.
func (s *Store) Client() *goredis.Client { return s.client }

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) entityKey(table, key string) string { return s.keyPrefix + "t:" + table + ":" + key }
func (s *Store) tablePattern(table string) string  { return s.keyPrefix + "t:" + table + ":*" }
func (s *Store) childrenPrefix() string            { return s.keyPrefix + "c:" }
func (s *Store) childrenKey(parent string) string  { return s.childrenPrefix() + parent }

func member(table, key string) string { return table + "|" + key }

func unavailable(err error) error {
	return fmt.Errorf("%w: redis: %v", ticket.ErrBackendUnavailable, err)
}

// --- Scripts ---

var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
if KEYS[2] then
  redis.call('SADD', KEYS[2], ARGV[2])
end
return 1
`)

var updateScript = goredis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then
  return 0
end
local prev = cjson.decode(old)['p']
if prev and prev ~= '' then
  redis.call('SREM', ARGV[3] .. prev, ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
if KEYS[2] then
  redis.call('SADD', KEYS[2], ARGV[2])
end
return 1
`)

// swapScript returns -1 when the key is gone, 0 when the stored
// document is not the expected one and 1 after replacing it.
var swapScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

var deleteScript = goredis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then
  return 0
end
redis.call('DEL', KEYS[1])
local prev = cjson.decode(old)['p']
if prev and prev ~= '' then
  redis.call('SREM', ARGV[1] .. prev, ARGV[2])
end
return 1
`)

// --- Store ---

func (s *Store) Read(ctx context.Context, table, key string) (mapper.Entity, error) {
	raw, err := s.client.Get(ctx, s.entityKey(table, key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return mapper.Entity{}, ticket.ErrNotFound
		}
		return mapper.Entity{}, unavailable(err)
	}
	return decodeEntity(raw)
}

func (s *Store) Write(ctx context.Context, e mapper.Entity, mode storage.WriteMode) error {
	doc, err := encodeEntity(e)
	if err != nil {
		return err
	}
	keys := []string{s.entityKey(e.Table, e.Key)}
	if e.Parent != "" {
		keys = append(keys, s.childrenKey(e.Parent))
	}
	m := member(e.Table, e.Key)

	var res int
	switch mode {
	case storage.ModeCreate:
		res, err = createScript.Run(ctx, s.client, keys, doc, m).Int()
	case storage.ModeUpdate:
		res, err = updateScript.Run(ctx, s.client, keys, doc, m, s.childrenPrefix()).Int()
	default:
		return fmt.Errorf("redis: unknown write mode %d", mode)
	}
	if err != nil {
		return unavailable(err)
	}
	if res == 0 {
		if mode == storage.ModeCreate {
			return ticket.ErrDuplicate
		}
		return ticket.ErrNotFound
	}
	return nil
}

// Swap compares whole documents. encodeEntity is deterministic and
// Read decodes into the same value kinds it encodes, so an entity read
// from this store re-encodes to the stored bytes.
func (s *Store) Swap(ctx context.Context, old, e mapper.Entity) error {
	if err := storage.CheckSwap(old, e); err != nil {
		return err
	}
	want, err := encodeEntity(old)
	if err != nil {
		return err
	}
	doc, err := encodeEntity(e)
	if err != nil {
		return err
	}
	res, err := swapScript.Run(ctx, s.client, []string{s.entityKey(e.Table, e.Key)}, want, doc).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case -1:
		return ticket.ErrNotFound
	case 0:
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{s.entityKey(table, key)}, s.childrenPrefix(), member(table, key)).Int()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

func (s *Store) Scan(ctx context.Context, tables ...string) iter.Seq2[mapper.Entity, error] {
	return func(yield func(mapper.Entity, error) bool) {
		patterns := []string{s.keyPrefix + "t:*"}
		if len(tables) > 0 {
			patterns = patterns[:0]
			for _, t := range tables {
				patterns = append(patterns, s.tablePattern(t))
			}
		}
		var keys []string
		for _, p := range patterns {
			found, err := s.keys(ctx, p)
			if err != nil {
				yield(mapper.Entity{}, err)
				return
			}
			keys = append(keys, found...)
		}
		sort.Strings(keys)

		for start := 0; start < len(keys); start += mgetBatch {
			batch := keys[start:min(start+mgetBatch, len(keys))]
			vals, err := s.client.MGet(ctx, batch...).Result()
			if err != nil {
				yield(mapper.Entity{}, unavailable(err))
				return
			}
			for _, v := range vals {
				raw, ok := v.(string)
				if !ok {
					// Deleted since the key was listed.
					continue
				}
				e, err := decodeEntity([]byte(raw))
				if !yield(e, err) {
					return
				}
			}
		}
	}
}

func (s *Store) keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, cur, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, keys...)
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	// SCAN may return a key more than once.
	sort.Strings(out)
	j := 0
	for i, k := range out {
		if i == 0 || k != out[i-1] {
			out[j] = k
			j++
		}
	}
	return out[:j], nil
}

func (s *Store) Children(ctx context.Context, parentKey string) ([]storage.Ref, error) {
	members, err := s.client.SMembers(ctx, s.childrenKey(parentKey)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	refs := make([]storage.Ref, 0, len(members))
	for _, m := range members {
		table, key, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		refs = append(refs, storage.Ref{Table: table, Key: key})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// --- Wire format ---

// wireEntity is the JSON document stored per entity. Field values keep
// their Go kind so non-string mappers survive the round trip.
type wireEntity struct {
	Table  string      `json:"t"`
	Key    string      `json:"k"`
	Parent string      `json:"p,omitempty"`
	Fields []wireField `json:"f"`
}

type wireField struct {
	Name  string  `json:"n"`
	Str   *string `json:"s,omitempty"`
	Bytes []byte  `json:"b,omitempty"`
	Int   *int64  `json:"i,omitempty"`
}

func encodeEntity(e mapper.Entity) ([]byte, error) {
	w := wireEntity{Table: e.Table, Key: e.Key, Parent: e.Parent, Fields: make([]wireField, 0, len(e.Fields))}
	for _, f := range e.Fields {
		wf := wireField{Name: f.Name}
		switch v := f.Value.(type) {
		case nil:
		case string:
			wf.Str = &v
		case []byte:
			wf.Bytes = v
		case int64:
			wf.Int = &v
		case int:
			n := int64(v)
			wf.Int = &n
		default:
			return nil, fmt.Errorf("redis: field %s has unsupported type %T", f.Name, f.Value)
		}
		w.Fields = append(w.Fields, wf)
	}
	return json.Marshal(w)
}

func decodeEntity(raw []byte) (mapper.Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(raw, &w); err != nil {
		return mapper.Entity{}, fmt.Errorf("%w: redis document: %v", ticket.ErrCorrupt, err)
	}
	e := mapper.Entity{Table: w.Table, Key: w.Key, Parent: w.Parent, Fields: make([]mapper.Field, 0, len(w.Fields))}
	for _, wf := range w.Fields {
		var v any
		switch {
		case wf.Str != nil:
			v = *wf.Str
		case wf.Bytes != nil:
			v = wf.Bytes
		case wf.Int != nil:
			v = *wf.Int
		}
		e.Fields = append(e.Fields, mapper.Field{Name: wf.Name, Value: v})
	}
	return e, nil
}

// Ensure interface compliance
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.ParentIndex = (*Store)(nil)
)
