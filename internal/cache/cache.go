// Package cache keeps projected-knowledge snapshots in Redis in front of a
// knowledge.RecordStore.
//
// Snapshots are keyed by a per-agent and a per-tenant generation counter.
// Writes bump the matching generation before returning, so a caller never
// reads a snapshot taken before its own write. Old snapshots are left to
// expire. When a bump fails, reads for that agent or tenant go straight to
// the wrapped store until a retried bump succeeds or one ttl has passed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

const keyPrefix = "knowledge:"

// Store is a knowledge.RecordStore that serves List from Redis.
type Store struct {
	next   knowledge.RecordStore
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger

	mu    sync.Mutex
	stale map[string]time.Time // generation key -> bypass deadline
	now   func() time.Time
}

var _ knowledge.RecordStore = (*Store)(nil)

func New(next knowledge.RecordStore, client *redis.Client, ttl time.Duration, logger *log.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &Store{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
		stale:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// Conn dials Redis and checks the connection.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, err
	}
	if pong != "PONG" {
		client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

func escape(part string) string {
	return url.QueryEscape(part)
}

func agentGenKey(agent string) string {
	return keyPrefix + "gen:" + escape(agent)
}

func tenantGenKey(agent, tenantID string) string {
	return keyPrefix + "gen:" + escape(agent) + ":" + escape(tenantID)
}

func snapshotKey(agent, tenantID, activationName string, agentGen, tenantGen int64) string {
	return fmt.Sprintf("%ssnap:%s:%s:%s:%d:%d", keyPrefix, escape(agent), escape(tenantID), escape(activationName), agentGen, tenantGen)
}

type cachedItem struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Type           knowledge.ContentType `json:"type"`
	Content        string                `json:"content"`
	Version        int64                 `json:"version"`
	Agent          string                `json:"agent"`
	SystemScoped   bool                  `json:"system_scoped"`
	TenantID       string                `json:"tenant_id,omitempty"`
	ActivationName string                `json:"activation_name,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	SlotCreatedAt  time.Time             `json:"slot_created_at"`
}

func encodeItems(items []knowledge.Item) ([]byte, error) {
	out := make([]cachedItem, 0, len(items))
	for _, it := range items {
		out = append(out, cachedItem{
			ID: it.ID, Name: it.Name, Type: it.Type, Content: it.Content, Version: it.Version, Agent: it.Agent,
			SystemScoped: it.Scope.SystemScoped(), TenantID: it.Scope.TenantID(), ActivationName: it.Scope.ActivationName(),
			CreatedAt: it.CreatedAt, UpdatedAt: it.UpdatedAt, SlotCreatedAt: it.SlotCreatedAt,
		})
	}
	return json.Marshal(out)
}

func decodeItems(raw []byte) ([]knowledge.Item, error) {
	var in []cachedItem
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]knowledge.Item, 0, len(in))
	for _, c := range in {
		scope, err := knowledge.ScopeFromFields(c.SystemScoped, c.TenantID, c.ActivationName)
		if err != nil {
			return nil, err
		}
		out = append(out, knowledge.Item{
			ID: c.ID, Name: c.Name, Type: c.Type, Content: c.Content, Version: c.Version, Agent: c.Agent, Scope: scope,
			CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt, SlotCreatedAt: c.SlotCreatedAt,
		})
	}
	return out, nil
}

func (s *Store) generations(ctx context.Context, agent, tenantID string) (int64, int64, error) {
	vals, err := s.client.MGet(ctx, agentGenKey(agent), tenantGenKey(agent, tenantID)).Result()
	if err != nil {
		return 0, 0, err
	}
	var gens [2]int64
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return 0, 0, fmt.Errorf("unexpected generation value %T", v)
		}
		if _, err := fmt.Sscan(str, &gens[i]); err != nil {
			return 0, 0, fmt.Errorf("parse generation %q: %w", str, err)
		}
	}
	return gens[0], gens[1], nil
}

// List serves the snapshot for the context from Redis when present and
// falls back to the wrapped store otherwise. Redis failures never fail the
// read.
func (s *Store) List(ctx context.Context, agent, tenantID, activationName string) ([]knowledge.Item, error) {
	if s.bypass(ctx, agent, tenantID) {
		recordLookup(ctx, "bypass")
		return s.next.List(ctx, agent, tenantID, activationName)
	}
	agentGen, tenantGen, err := s.generations(ctx, agent, tenantID)
	if err != nil {
		s.logger.Printf("generation lookup %s/%s: %v", agent, tenantID, err)
		recordLookup(ctx, "error")
		return s.next.List(ctx, agent, tenantID, activationName)
	}
	key := snapshotKey(agent, tenantID, activationName, agentGen, tenantGen)
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		items, derr := decodeItems(raw)
		if derr == nil {
			recordLookup(ctx, "hit")
			return items, nil
		}
		s.logger.Printf("decode snapshot %s: %v", key, derr)
	case errors.Is(err, redis.Nil):
	default:
		s.logger.Printf("get snapshot %s: %v", key, err)
		recordLookup(ctx, "error")
		return s.next.List(ctx, agent, tenantID, activationName)
	}

	recordLookup(ctx, "miss")
	items, err := s.next.List(ctx, agent, tenantID, activationName)
	if err != nil {
		return nil, err
	}
	payload, err := encodeItems(items)
	if err != nil {
		s.logger.Printf("encode snapshot %s: %v", key, err)
		return items, nil
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Printf("set snapshot %s: %v", key, err)
	}
	return items, nil
}

func (s *Store) Get(ctx context.Context, id string) (knowledge.Item, bool, error) {
	return s.next.Get(ctx, id)
}

func (s *Store) ListRevisions(ctx context.Context, id string, limit int) ([]knowledge.Revision, error) {
	return s.next.ListRevisions(ctx, id, limit)
}

func (s *Store) Insert(ctx context.Context, item knowledge.Item) (knowledge.Item, error) {
	created, err := s.next.Insert(ctx, item)
	if err != nil {
		return created, err
	}
	s.invalidateScope(ctx, created.Agent, created.Scope)
	return created, nil
}

func (s *Store) UpdateContent(ctx context.Context, id, content string, expectedVersion int64) (knowledge.Item, error) {
	updated, err := s.next.UpdateContent(ctx, id, content, expectedVersion)
	if err != nil {
		return updated, err
	}
	s.invalidateScope(ctx, updated.Agent, updated.Scope)
	return updated, nil
}

func (s *Store) RevertVersion(ctx context.Context, id string, expectedVersion int64) (knowledge.Item, error) {
	reverted, err := s.next.RevertVersion(ctx, id, expectedVersion)
	if err != nil {
		return reverted, err
	}
	s.invalidateScope(ctx, reverted.Agent, reverted.Scope)
	return reverted, nil
}

func (s *Store) DeleteOne(ctx context.Context, id string, expectedVersion int64) error {
	it, ok, err := s.next.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.next.DeleteOne(ctx, id, expectedVersion); err != nil {
		return err
	}
	if ok {
		s.invalidateScope(ctx, it.Agent, it.Scope)
	}
	return nil
}

func (s *Store) DeleteByNameAndTier(ctx context.Context, agent, name string, scope knowledge.Scope) (int64, error) {
	n, err := s.next.DeleteByNameAndTier(ctx, agent, name, scope)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.invalidateScope(ctx, agent, scope)
	}
	return n, nil
}

func (s *Store) invalidateScope(ctx context.Context, agent string, scope knowledge.Scope) {
	if scope.SystemScoped() {
		s.InvalidateAgent(ctx, agent)
		return
	}
	s.InvalidateTenant(ctx, agent, scope.TenantID())
}

// InvalidateAgent retires every snapshot of agent across all tenants.
func (s *Store) InvalidateAgent(ctx context.Context, agent string) {
	s.bump(ctx, agentGenKey(agent))
}

// InvalidateTenant retires the snapshots of one tenant of agent.
func (s *Store) InvalidateTenant(ctx context.Context, agent, tenantID string) {
	s.bump(ctx, tenantGenKey(agent, tenantID))
}

func (s *Store) bump(ctx context.Context, key string) {
	if err := s.client.Incr(ctx, key).Err(); err != nil {
		s.logger.Printf("bump %s: %v", key, err)
		recordLookup(ctx, "invalidate_error")
		s.mu.Lock()
		s.stale[key] = s.now().Add(s.ttl)
		s.mu.Unlock()
	}
}

// bypass reports whether snapshots for (agent, tenantID) may predate a write
// whose bump failed. Pending bumps are retried first.
func (s *Store) bypass(ctx context.Context, agent, tenantID string) bool {
	now := s.now()
	pending := make(map[string]time.Time)
	s.mu.Lock()
	for _, key := range []string{agentGenKey(agent), tenantGenKey(agent, tenantID)} {
		deadline, ok := s.stale[key]
		if !ok {
			continue
		}
		if !now.Before(deadline) {
			delete(s.stale, key)
			continue
		}
		pending[key] = deadline
	}
	s.mu.Unlock()

	stale := false
	for key, deadline := range pending {
		if err := s.client.Incr(ctx, key).Err(); err != nil {
			stale = true
			continue
		}
		s.mu.Lock()
		// A write that failed its own bump meanwhile keeps the key stale.
		if s.stale[key].Equal(deadline) {
			delete(s.stale, key)
		}
		s.mu.Unlock()
	}
	return stale
}
