package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/Ajtak/cas/codec"
	"github.com/Ajtak/cas/config"
	"github.com/Ajtak/cas/mapper"
	"github.com/Ajtak/cas/storage"
	"github.com/Ajtak/cas/storage/leveldb"
	"github.com/Ajtak/cas/storage/memory"
	casredis "github.com/Ajtak/cas/storage/redis"
	"github.com/Ajtak/cas/storage/sqlite"
	"github.com/Ajtak/cas/ticket"
)

// openStore builds the configured mapper and opens the store it feeds.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, mapper.Mapper, error) {
	catalog := ticket.DefaultCatalog()
	opts, err := cfg.MapperOptions()
	if err != nil {
		return nil, nil, err
	}
	dialect := cfg.MapperDialect()

	switch cfg.Store.Kind {
	case config.StoreSQLite:
		m, err := mapper.NewSQL(dialect, catalog, opts)
		if err != nil {
			return nil, nil, err
		}
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:     cfg.Store.Path,
			PoolSize: cfg.Store.PoolSize,
			Mapper:   m,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, m, nil
	}

	m, err := mapper.New(dialect, catalog, opts)
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return memory.New(), m, nil
	case config.StoreRedis:
		s, err := casredis.New(cfg.RedisStore())
		if err != nil {
			return nil, nil, err
		}
		return s, m, nil
	case config.StoreLevelDB:
		s, err := leveldb.Open(leveldb.Config{Path: cfg.Store.Path, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, m, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
}

func newSerializer(cfg *config.Config) (*codec.Serializer, error) {
	format, err := codec.ParseFormat(cfg.Serializer.Format)
	if err != nil {
		return nil, err
	}
	var opts []codec.Option
	if cfg.Serializer.SealingKey != "" {
		seed, err := cfg.SealingSeed()
		if err != nil {
			return nil, err
		}
		kid := cfg.Serializer.SealingKeyID
		if kid == "" {
			kid = "default"
		}
		sealer := codec.NewSealer()
		sealer.AddKey(kid, ed25519.NewKeyFromSeed(seed))
		if err := sealer.SetActive(kid); err != nil {
			return nil, err
		}
		opts = append(opts, codec.WithSealer(sealer))
	}
	return codec.New(format, ticket.DefaultCatalog(), opts...)
}
