package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Engine applies override, edit and delete operations against a
// RecordStore. It keeps no state between calls; callers own caching.
type Engine struct {
	store  RecordStore
	logger *log.Logger
	now    func() time.Time
	newID  func() string
}

func NewEngine(st RecordStore, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[KNOWLEDGE] ", log.LstdFlags)
	}
	return &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Resolution is the outcome of resolving one article in a context.
type Resolution struct {
	Group     Group
	Effective Item
	Tier      Tier
}

// DeleteVersionResult describes the state left by DeleteVersion.
type DeleteVersionResult struct {
	// Item is the restored revision; zero when TierRemoved is set.
	Item Item
	// Invalidated is the version token that no longer exists.
	Invalidated int64
	TierRemoved bool
}

// Groups fetches a fresh snapshot for rc and projects it.
func (e *Engine) Groups(ctx context.Context, rc RequestContext) ([]Group, error) {
	if strings.TrimSpace(rc.Agent) == "" {
		return nil, fmt.Errorf("%w: agent required", ErrNotFound)
	}
	items, err := e.store.List(ctx, rc.Agent, rc.TenantID, rc.ActivationName)
	if err != nil {
		return nil, storeError("list items", err)
	}
	return Project(items), nil
}

// Resolve returns the effective item for name in rc.
func (e *Engine) Resolve(ctx context.Context, rc RequestContext, name string) (Resolution, error) {
	groups, err := e.Groups(ctx, rc)
	if err != nil {
		return Resolution{}, err
	}
	g, ok := Find(groups, name)
	if !ok {
		return Resolution{Group: Group{Name: name}}, fmt.Errorf("%w: no knowledge configured for %q", ErrNotFound, name)
	}
	g = g.ForActivation(rc.ActivationName)
	it, tier, err := EffectiveItem(g)
	if err != nil {
		return Resolution{Group: g}, err
	}
	return Resolution{Group: g, Effective: it, Tier: tier}, nil
}

// Item loads a single item by id.
func (e *Engine) Item(ctx context.Context, id string) (Item, error) {
	it, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return Item{}, storeError("get item", err)
	}
	if !ok {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	return it, nil
}

// Revisions lists the retained versions of an item, newest first.
func (e *Engine) Revisions(ctx context.Context, id string, limit int) ([]Revision, error) {
	if _, err := e.Item(ctx, id); err != nil {
		return nil, err
	}
	revs, err := e.store.ListRevisions(ctx, id, limit)
	if err != nil {
		return nil, storeError("list revisions", err)
	}
	return revs, nil
}

// CreateOverride copies source down to target in rc. The source is re-read
// from the store and left untouched.
func (e *Engine) CreateOverride(ctx context.Context, source Item, target Tier, rc RequestContext) (created Item, err error) {
	defer func() { recordOperation(ctx, "create_override", err) }()

	if target != TierTenant && target != TierActivation {
		return Item{}, fmt.Errorf("%w: cannot override into %s tier", ErrInvalidTransition, target)
	}
	scope, err := rc.ScopeFor(target)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	stored, err := e.Item(ctx, source.ID)
	if err != nil {
		return Item{}, err
	}
	if stored.Agent != rc.Agent {
		return Item{}, fmt.Errorf("%w: item %s belongs to agent %q", ErrInvalidTransition, stored.ID, stored.Agent)
	}
	from := stored.Tier()
	if !CanOverride(from, target) {
		return Item{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	if from == TierTenant && stored.Scope.TenantID() != scope.TenantID() {
		return Item{}, fmt.Errorf("%w: item %s belongs to another tenant", ErrInvalidTransition, stored.ID)
	}

	groups, err := e.Groups(ctx, rc)
	if err != nil {
		return Item{}, err
	}
	if g, ok := Find(groups, stored.Name); ok {
		if existing, occupied := g.At(scope); occupied {
			return Item{}, fmt.Errorf("%w: %q already overridden at %s by %s", ErrConflict, stored.Name, scope, existing.ID)
		}
	}

	now := e.now()
	created, err = e.store.Insert(ctx, Item{
		ID:            e.newID(),
		Name:          stored.Name,
		Type:          stored.Type,
		Content:       stored.Content,
		Version:       1,
		Agent:         stored.Agent,
		Scope:         scope,
		CreatedAt:     now,
		UpdatedAt:     now,
		SlotCreatedAt: now,
	})
	if err != nil {
		return Item{}, storeError("insert override", err)
	}
	e.logger.Printf("override %q %s -> %s (%s)", created.Name, from, scope, created.ID)
	return created, nil
}

// EditContent replaces the content of a tenant or activation item with a
// new version. Nothing is written unless every check passes.
func (e *Engine) EditContent(ctx context.Context, id, content string, ct ContentType) (updated Item, err error) {
	defer func() { recordOperation(ctx, "edit_content", err) }()

	stored, err := e.Item(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if stored.Tier() == TierSystem {
		return Item{}, fmt.Errorf("%w: item %s", ErrReadOnlyTier, id)
	}
	if ct != stored.Type {
		return Item{}, fmt.Errorf("%w: item %s is %s, not %s", ErrInvalidContent, id, stored.Type, ct)
	}
	if err := ValidateContent(ct, content); err != nil {
		return Item{}, err
	}
	updated, err = e.store.UpdateContent(ctx, id, content, stored.Version)
	if err != nil {
		return Item{}, storeError("update content", err)
	}
	e.logger.Printf("edited %q at %s: v%d -> v%d", updated.Name, updated.Scope, stored.Version, updated.Version)
	return updated, nil
}

// DeleteVersion reverts an item to its previous revision. An item with a
// single revision is removed, which exposes the next less specific tier.
func (e *Engine) DeleteVersion(ctx context.Context, id string) (res DeleteVersionResult, err error) {
	defer func() { recordOperation(ctx, "delete_version", err) }()

	stored, err := e.Item(ctx, id)
	if err != nil {
		return DeleteVersionResult{}, err
	}
	if stored.Tier() == TierSystem {
		return DeleteVersionResult{}, fmt.Errorf("%w: item %s", ErrReadOnlyTier, id)
	}
	res.Invalidated = stored.Version

	reverted, err := e.store.RevertVersion(ctx, id, stored.Version)
	switch {
	case err == nil:
		res.Item = reverted
		e.logger.Printf("reverted %q at %s: v%d -> v%d", stored.Name, stored.Scope, stored.Version, reverted.Version)
		return res, nil
	case errors.Is(err, ErrNoPriorVersion):
	default:
		return DeleteVersionResult{}, storeError("revert version", err)
	}

	if err := e.store.DeleteOne(ctx, id, stored.Version); err != nil {
		return DeleteVersionResult{}, storeError("delete item", err)
	}
	res.TierRemoved = true
	recordDeleted(ctx, stored.Tier(), 1)
	e.logger.Printf("removed %q at %s: last version deleted", stored.Name, stored.Scope)
	return res, nil
}

// DeleteAllVersionsAtTier removes the override for name at tier in rc and
// returns how many records were deleted. Other tiers and other activations
// are never touched.
func (e *Engine) DeleteAllVersionsAtTier(ctx context.Context, name string, tier Tier, rc RequestContext) (n int64, err error) {
	defer func() { recordOperation(ctx, "delete_tier", err) }()

	if tier == TierSystem {
		return 0, fmt.Errorf("%w: %q", ErrReadOnlyTier, name)
	}
	scope, err := rc.ScopeFor(tier)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if strings.TrimSpace(rc.Agent) == "" || strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: agent and name required", ErrNotFound)
	}
	n, err = e.store.DeleteByNameAndTier(ctx, rc.Agent, name, scope)
	if err != nil {
		return 0, storeError("delete tier", err)
	}
	recordDeleted(ctx, tier, n)
	e.logger.Printf("deleted %d record(s) for %q at %s", n, name, scope)
	return n, nil
}
