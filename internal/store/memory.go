package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

// Memory is an in-process knowledge.RecordStore used by tests and the
// "memory" driver. It enforces the same slot uniqueness as the Postgres
// schema.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]knowledge.Item
	revisions map[string][]knowledge.Revision
	seq       map[string]int64
	now       func() time.Time
}

var _ knowledge.RecordStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		items:     make(map[string]knowledge.Item),
		revisions: make(map[string][]knowledge.Revision),
		seq:       make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func slotKey(agent, name string, scope knowledge.Scope) string {
	return agent + "\x00" + name + "\x00" + scope.TenantID() + "\x00" + scope.ActivationName()
}

func (m *Memory) occupied(agent, name string, scope knowledge.Scope) (string, bool) {
	key := slotKey(agent, name, scope)
	for id, it := range m.items {
		if slotKey(it.Agent, it.Name, it.Scope) == key {
			return id, true
		}
	}
	return "", false
}

func (m *Memory) List(ctx context.Context, agent, tenantID, activationName string) ([]knowledge.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []knowledge.Item
	for _, it := range m.items {
		if it.Agent != agent {
			continue
		}
		switch it.Tier() {
		case knowledge.TierSystem:
		case knowledge.TierTenant:
			if tenantID == "" || it.Scope.TenantID() != tenantID {
				continue
			}
		case knowledge.TierActivation:
			if activationName == "" || it.Scope.TenantID() != tenantID || it.Scope.ActivationName() != activationName {
				continue
			}
		default:
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (knowledge.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	return it, ok, nil
}

func (m *Memory) Insert(ctx context.Context, item knowledge.Item) (knowledge.Item, error) {
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, err
	}
	if !item.Scope.Valid() {
		return knowledge.Item{}, fmt.Errorf("%w: invalid scope", knowledge.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(item)
}

// insertLocked requires m.mu to be held for writing.
func (m *Memory) insertLocked(item knowledge.Item) (knowledge.Item, error) {
	if id, ok := m.occupied(item.Agent, item.Name, item.Scope); ok {
		return knowledge.Item{}, fmt.Errorf("%w: slot held by %s", knowledge.ErrConflict, id)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, ok := m.items[item.ID]; ok {
		return knowledge.Item{}, fmt.Errorf("%w: duplicate id %s", knowledge.ErrConflict, item.ID)
	}
	if item.Version <= 0 {
		item.Version = 1
	}
	now := m.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.SlotCreatedAt.IsZero() {
		item.SlotCreatedAt = item.CreatedAt
	}
	m.items[item.ID] = item
	m.seq[item.ID] = item.Version
	m.revisions[item.ID] = []knowledge.Revision{{
		ItemID: item.ID, Version: item.Version, Content: item.Content, CreatedAt: item.CreatedAt,
	}}
	return item, nil
}

func (m *Memory) UpdateContent(ctx context.Context, id, content string, expectedVersion int64) (knowledge.Item, error) {
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if it.Tier() == knowledge.TierSystem {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrReadOnlyTier, id)
	}
	if it.Version != expectedVersion {
		return knowledge.Item{}, fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
	}
	now := m.now()
	m.seq[id]++
	it.Version = m.seq[id]
	it.Content = content
	it.CreatedAt = now
	it.UpdatedAt = now
	m.items[id] = it
	m.revisions[id] = append(m.revisions[id], knowledge.Revision{
		ItemID: id, Version: it.Version, Content: content, CreatedAt: now,
	})
	return it, nil
}

func (m *Memory) RevertVersion(ctx context.Context, id string, expectedVersion int64) (knowledge.Item, error) {
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if it.Version != expectedVersion {
		return knowledge.Item{}, fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
	}
	revs := m.revisions[id]
	if len(revs) < 2 {
		return knowledge.Item{}, knowledge.ErrNoPriorVersion
	}
	prev := revs[len(revs)-2]
	m.revisions[id] = revs[:len(revs)-1]
	it.Version = prev.Version
	it.Content = prev.Content
	it.CreatedAt = prev.CreatedAt
	it.UpdatedAt = m.now()
	m.items[id] = it
	return it, nil
}

func (m *Memory) DeleteOne(ctx context.Context, id string, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Tier() == knowledge.TierSystem {
		return fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if it.Version != expectedVersion {
		return fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
	}
	m.remove(id)
	return nil
}

func (m *Memory) remove(id string) {
	delete(m.items, id)
	delete(m.revisions, id)
	delete(m.seq, id)
}

func (m *Memory) DeleteByNameAndTier(ctx context.Context, agent, name string, scope knowledge.Scope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch scope.Tier() {
	case knowledge.TierTenant, knowledge.TierActivation:
	case knowledge.TierSystem:
		return 0, knowledge.ErrReadOnlyTier
	default:
		return 0, fmt.Errorf("%w: invalid scope", knowledge.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if it.Agent == agent && it.Name == name && it.Scope == scope {
			m.remove(id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListRevisions(ctx context.Context, id string, limit int) ([]knowledge.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.revisions[id]
	out := make([]knowledge.Revision, 0, min(limit, len(revs)))
	for i := len(revs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, revs[i])
	}
	return out, nil
}

// UpsertSystemItem mirrors Store.UpsertSystemItem.
func (m *Memory) UpsertSystemItem(ctx context.Context, agent, name string, ct knowledge.ContentType, content string) (knowledge.Item, error) {
	if strings.TrimSpace(agent) == "" || strings.TrimSpace(name) == "" {
		return knowledge.Item{}, fmt.Errorf("agent and name required")
	}
	if err := ctx.Err(); err != nil {
		return knowledge.Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.occupied(agent, name, knowledge.SystemScope())
	if !ok {
		return m.insertLocked(knowledge.Item{
			Name: name, Type: ct, Content: content, Agent: agent, Scope: knowledge.SystemScope(),
		})
	}
	it := m.items[id]
	if it.Content == content && it.Type == ct {
		return it, nil
	}
	now := m.now()
	m.seq[id]++
	it.Version = m.seq[id]
	it.Type = ct
	it.Content = content
	it.CreatedAt = now
	it.UpdatedAt = now
	m.items[id] = it
	m.revisions[id] = append(m.revisions[id], knowledge.Revision{
		ItemID: id, Version: it.Version, Content: content, CreatedAt: now,
	})
	return it, nil
}
