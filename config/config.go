// Package config loads the registry process configuration.
//
// Values are layered: built-in defaults, then an optional YAML or JSONC
// file, then environment variables. A file may reference the
// environment as ${VAR}; unset variables are left as written. Only the
// expiration section is meant to change at runtime (see Watcher).
package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Ajtak/cas/codec"
	"github.com/Ajtak/cas/expiration"
	"github.com/Ajtak/cas/mapper"
	casredis "github.com/Ajtak/cas/storage/redis"
	"github.com/Ajtak/cas/ticket"
	"github.com/Ajtak/cas/tokens"
)

// Duration is a time.Duration written as "90s" or "2h" in files and
// environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Store kinds.
const (
	StoreMemory  = "memory"
	StoreRedis   = "redis"
	StoreSQLite  = "sqlite"
	StoreLevelDB = "leveldb"
)

type Config struct {
	// NodeID suffixes every ticket id issued by this process.
	NodeID   string `yaml:"nodeId" json:"nodeId" env:"CAS_NODE_ID"`
	LogLevel string `yaml:"logLevel" json:"logLevel" env:"CAS_LOG_LEVEL"`

	Store      StoreConfig           `yaml:"store" json:"store"`
	Serializer SerializerConfig      `yaml:"serializer" json:"serializer"`
	Expiration map[string]PolicySpec `yaml:"expiration" json:"expiration"`
	Cleaner    CleanerConfig         `yaml:"cleaner" json:"cleaner"`
	Tokens     TokensConfig          `yaml:"tokens" json:"tokens"`

	// MetricsAddr serves /metrics. Empty disables the listener.
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr" env:"CAS_METRICS_ADDR"`
}

type StoreConfig struct {
	Kind string `yaml:"kind" json:"kind" env:"CAS_STORE"`
	// Dialect selects the entity mapper. Empty picks the natural one for
	// Kind.
	Dialect     string `yaml:"dialect" json:"dialect" env:"CAS_STORE_DIALECT"`
	Path        string `yaml:"path" json:"path" env:"CAS_STORE_PATH"`
	Compression string `yaml:"compression" json:"compression" env:"CAS_STORE_COMPRESSION"`
	PoolSize    int    `yaml:"poolSize" json:"poolSize" env:"CAS_SQLITE_POOL_SIZE"`

	Tables TablesConfig `yaml:"tables" json:"tables"`
	Redis  RedisConfig  `yaml:"redis" json:"redis"`
}

type TablesConfig struct {
	Base    string `yaml:"base" json:"base" env:"CAS_TABLE_BASE"`
	Case    string `yaml:"case" json:"case" env:"CAS_TABLE_CASE"`
	PerType bool   `yaml:"perType" json:"perType" env:"CAS_TABLE_PER_TYPE"`
}

type RedisConfig struct {
	Addr        string   `yaml:"addr" json:"addr" env:"REDIS_ADDR"`
	Password    string   `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB          int      `yaml:"db" json:"db" env:"REDIS_DB"`
	KeyPrefix   string   `yaml:"keyPrefix" json:"keyPrefix" env:"CAS_REDIS_KEY_PREFIX"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout" env:"REDIS_DIAL_TIMEOUT"`
}

type SerializerConfig struct {
	Format string `yaml:"format" json:"format" env:"CAS_SERIALIZER_FORMAT"`
	// SealingKey is a base64 Ed25519 seed. When set, every stored body
	// is signed and verified on read.
	SealingKey   string `yaml:"sealingKey" json:"sealingKey" env:"CAS_SEALING_KEY"`
	SealingKeyID string `yaml:"sealingKeyId" json:"sealingKeyId" env:"CAS_SEALING_KEY_ID"`
}

// TokensConfig enables JWT renditions of validated service tickets.
type TokensConfig struct {
	Issuer string `yaml:"issuer" json:"issuer" env:"CAS_TOKEN_ISSUER"`
	// SigningKey is a base64 Ed25519 seed. Empty disables tokens.
	SigningKey string   `yaml:"signingKey" json:"signingKey" env:"CAS_TOKEN_SIGNING_KEY"`
	TTL        Duration `yaml:"ttl" json:"ttl" env:"CAS_TOKEN_TTL"`
}

// PolicySpec is the file form of expiration.Spec.
type PolicySpec struct {
	MaxLifetime Duration `yaml:"maxLifetime" json:"maxLifetime"`
	MaxIdle     Duration `yaml:"maxIdle" json:"maxIdle"`
	MaxUses     int      `yaml:"maxUses" json:"maxUses"`
	Disabled    bool     `yaml:"disabled" json:"disabled"`
}

type CleanerConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled" env:"CAS_CLEANER_ENABLED"`
	Interval Duration `yaml:"interval" json:"interval" env:"CAS_CLEANER_INTERVAL"`
	LockTTL  Duration `yaml:"lockTtl" json:"lockTtl" env:"CAS_CLEANER_LOCK_TTL"`
}

// Default returns the built-in configuration: an in-memory store, JSON
// bodies, stock expiration and a sweep every two minutes.
func Default() *Config {
	naming := mapper.DefaultNaming()
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Kind:   StoreMemory,
			Tables: TablesConfig{Base: naming.Base, Case: string(naming.Case)},
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				KeyPrefix:   "cas:tickets:",
				DialTimeout: Duration(5 * time.Second),
			},
		},
		Serializer: SerializerConfig{Format: string(codec.FormatJSON)},
		Cleaner: CleanerConfig{
			Enabled:  true,
			Interval: Duration(2 * time.Minute),
			LockTTL:  Duration(5 * time.Minute),
		},
		MetricsAddr: ":9090",
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		if v, ok := os.LookupEnv(string(match[2 : len(match)-1])); ok {
			return []byte(v)
		}
		return match
	})
}

// Load builds the configuration from path (may be empty) and the
// environment. The file format follows the extension: .yaml/.yml or
// .json/.jsonc. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	data = substituteEnv(data)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

// Validate checks the values that cannot be caught by decoding.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreRedis:
	case StoreSQLite, StoreLevelDB:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store %s needs a path", c.Store.Kind)
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	if c.Store.Kind == StoreSQLite && !isSQLDialect(c.MapperDialect()) {
		return fmt.Errorf("config: sqlite store needs a SQL dialect, not %q", c.MapperDialect())
	}
	if _, err := mapper.ParseCompression(c.Store.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := codec.ParseFormat(c.Serializer.Format); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Serializer.SealingKey != "" {
		if _, err := c.SealingSeed(); err != nil {
			return err
		}
	}
	if _, err := c.TokenIssuer(); err != nil {
		return err
	}
	if _, err := c.Policies(); err != nil {
		return err
	}
	if c.Cleaner.Enabled && c.Cleaner.Interval <= 0 {
		return errors.New("config: cleaner interval must be positive")
	}
	return nil
}

func isSQLDialect(name string) bool {
	return slices.Contains(mapper.SQLDialects(), name)
}

// MapperDialect returns the configured dialect or the default for the
// store kind.
func (c *Config) MapperDialect() string {
	if c.Store.Dialect != "" {
		return c.Store.Dialect
	}
	switch c.Store.Kind {
	case StoreSQLite:
		return mapper.DialectGeneric
	case StoreLevelDB:
		return mapper.DialectKV
	}
	return mapper.DialectDocument
}

// MapperOptions converts the table and compression settings.
func (c *Config) MapperOptions() (mapper.Options, error) {
	comp, err := mapper.ParseCompression(c.Store.Compression)
	if err != nil {
		return mapper.Options{}, err
	}
	return mapper.Options{
		Naming: mapper.Naming{
			Base:    c.Store.Tables.Base,
			Case:    mapper.Case(c.Store.Tables.Case),
			PerType: c.Store.Tables.PerType,
		},
		Compression: comp,
	}, nil
}

// RedisStore converts the Redis section for storage/redis.
func (c *Config) RedisStore() casredis.Config {
	r := c.Store.Redis
	return casredis.Config{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		KeyPrefix:   r.KeyPrefix,
		DialTimeout: r.DialTimeout.Std(),
	}
}

// SealingSeed decodes the body sealing key.
func (c *Config) SealingSeed() ([]byte, error) {
	return decodeSeed("sealing key", c.Serializer.SealingKey)
}

func decodeSeed(what, s string) ([]byte, error) {
	seed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", what, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("config: %s must be a 32 byte seed, got %d", what, len(seed))
	}
	return seed, nil
}

// TokenIssuer builds the ticket token issuer, or returns nil when no
// signing key is configured.
func (c *Config) TokenIssuer() (*tokens.Issuer, error) {
	if c.Tokens.SigningKey == "" {
		return nil, nil
	}
	seed, err := decodeSeed("token signing key", c.Tokens.SigningKey)
	if err != nil {
		return nil, err
	}
	name := c.Tokens.Issuer
	if name == "" {
		name = "cas"
		if c.NodeID != "" {
			name += ":" + c.NodeID
		}
	}
	return &tokens.Issuer{
		Name: name,
		Key:  ed25519.NewKeyFromSeed(seed),
		TTL:  c.Tokens.TTL.Std(),
	}, nil
}

// Policies builds the expiration set: the stock policies with the
// configured types replaced.
func (c *Config) Policies() (*expiration.Set, error) {
	catalog := ticket.DefaultCatalog()
	specs := make(map[ticket.Type]expiration.Spec, len(c.Expiration))
	for name, p := range c.Expiration {
		typ := ticket.Type(name)
		if _, err := catalog.Lookup(typ); err != nil {
			return nil, fmt.Errorf("config: expiration: %w", err)
		}
		specs[typ] = expiration.Spec{
			MaxLifetime: p.MaxLifetime.Std(),
			MaxIdle:     p.MaxIdle.Std(),
			MaxUses:     p.MaxUses,
			Disabled:    p.Disabled,
		}
	}
	set, err := expiration.FromSpecs(specs)
	if err != nil {
		return nil, fmt.Errorf("config: expiration: %w", err)
	}
	return set, nil
}
