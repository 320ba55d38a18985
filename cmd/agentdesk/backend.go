package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agentdesk/config"
	"github.com/mohammad-safakhou/agentdesk/internal/cache"
	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
	"github.com/mohammad-safakhou/agentdesk/internal/runtime"
	"github.com/mohammad-safakhou/agentdesk/internal/store"
)

// systemSeeder is implemented by both the Postgres and the in-memory store.
type systemSeeder interface {
	UpsertSystemItem(ctx context.Context, agent, name string, ct knowledge.ContentType, content string) (knowledge.Item, error)
}

// backend is the record store stack selected by configuration.
type backend struct {
	// Records is what the engine reads and writes; it is the cache when
	// one is enabled.
	Records knowledge.RecordStore
	Seeder  systemSeeder
	Cache   *cache.Store
	Redis   *redis.Client
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	switch cfg.Knowledge.Driver {
	case config.DriverMemory:
		mem := store.NewMemory()
		b.Records, b.Seeder = mem, mem
	default:
		st, err := runtime.OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = st.Close() })
		b.Records, b.Seeder = st, st
	}

	if cfg.Knowledge.NeedsRedis() {
		r := cfg.Storage.Redis
		client, err := cache.Conn(ctx, r.Host, r.Port, r.Password, r.DB, r.Timeout)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis connection failed (%s:%s): %w", r.Host, r.Port, err)
		}
		b.Redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
	}
	if cfg.Knowledge.CacheEnabled {
		b.Cache = cache.New(b.Records, b.Redis, cfg.Knowledge.CacheTTL, log.New(log.Writer(), "[CACHE] ", log.LstdFlags))
		b.Records = b.Cache
	}
	return b, nil
}
