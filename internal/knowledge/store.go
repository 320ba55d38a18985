package knowledge

import "context"

// RecordStore persists knowledge items. Implementations must enforce tier
// uniqueness per (agent, name, scope) and report violations as ErrConflict.
type RecordStore interface {
	// List returns every item visible to the context: system items for the
	// agent, tenant items for (tenant, agent) and, when activationName is
	// set, activation items for that activation only.
	List(ctx context.Context, agent, tenantID, activationName string) ([]Item, error)
	Get(ctx context.Context, id string) (Item, bool, error)
	Insert(ctx context.Context, item Item) (Item, error)
	// UpdateContent stores a new version; expectedVersion guards against
	// lost updates and yields ErrConflict on mismatch.
	UpdateContent(ctx context.Context, id, content string, expectedVersion int64) (Item, error)
	// RevertVersion drops the current revision and restores the previous
	// one, or returns ErrNoPriorVersion. RevertVersion and DeleteOne both
	// yield ErrConflict when the current version is not expectedVersion.
	RevertVersion(ctx context.Context, id string, expectedVersion int64) (Item, error)
	DeleteOne(ctx context.Context, id string, expectedVersion int64) error
	DeleteByNameAndTier(ctx context.Context, agent, name string, scope Scope) (int64, error)
	ListRevisions(ctx context.Context, id string, limit int) ([]Revision, error)
}
