package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

// Store is the Postgres-backed knowledge.RecordStore.
type Store struct {
	DB *sql.DB
}

var _ knowledge.RecordStore = (*Store)(nil)

var tracer = otel.Tracer("agentdesk/store")

const uniqueViolation = "23505"

const itemColumns = `id, agent, name, content_type, content, version, system_scoped, tenant_id, activation_name, version_created_at, created_at, updated_at`

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "store."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, knowledge.ErrNoPriorVersion) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// List returns system items for agent plus the tenant and activation items
// visible to (tenantID, activationName).
func (s *Store) List(ctx context.Context, agent, tenantID, activationName string) (items []knowledge.Item, err error) {
	ctx, span := startSpan(ctx, "knowledge.list",
		attribute.String("agent", agent),
		attribute.String("tenant_id", tenantID),
		attribute.String("activation", activationName),
	)
	defer func() { endSpan(span, err) }()

	rows, err := s.DB.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM knowledge_items
WHERE agent=$1 AND (
    system_scoped
    OR (tenant_id=$2 AND activation_name IS NULL)
    OR (tenant_id=$2 AND activation_name=$3)
)
ORDER BY name ASC, version DESC
`, agent, tenantID, activationName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Get fetches one item. Ids that are not UUIDs are reported as missing.
func (s *Store) Get(ctx context.Context, id string) (it knowledge.Item, ok bool, err error) {
	if _, perr := uuid.Parse(id); perr != nil {
		return knowledge.Item{}, false, nil
	}
	ctx, span := startSpan(ctx, "knowledge.get", attribute.String("item_id", id))
	defer func() { endSpan(span, err) }()

	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM knowledge_items WHERE id=$1`, id)
	return scanItem(row)
}

// Insert creates an item and its first revision in one statement.
func (s *Store) Insert(ctx context.Context, item knowledge.Item) (created knowledge.Item, err error) {
	ctx, span := startSpan(ctx, "knowledge.insert",
		attribute.String("agent", item.Agent),
		attribute.String("name", item.Name),
		attribute.String("scope", item.Scope.String()),
	)
	defer func() { endSpan(span, err) }()

	if !item.Scope.Valid() {
		return knowledge.Item{}, fmt.Errorf("%w: invalid scope", knowledge.ErrInvalidTransition)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Version <= 0 {
		item.Version = 1
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.SlotCreatedAt.IsZero() {
		item.SlotCreatedAt = item.CreatedAt
	}
	row := s.DB.QueryRowContext(ctx, `
WITH ins AS (
    INSERT INTO knowledge_items (id, agent, name, content_type, content, version, revision_seq, system_scoped, tenant_id, activation_name, version_created_at, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$6,$7,$8,$9,$10,$11,$12)
    RETURNING `+itemColumns+`
), rev AS (
    INSERT INTO knowledge_item_revisions (item_id, version, content, created_at)
    SELECT id, version, content, version_created_at FROM ins
)
SELECT `+itemColumns+` FROM ins
`, item.ID, item.Agent, item.Name, string(item.Type), item.Content, item.Version,
		item.Scope.SystemScoped(), nullableString(item.Scope.TenantID()), nullableString(item.Scope.ActivationName()),
		item.CreatedAt, item.SlotCreatedAt, item.UpdatedAt)
	created, _, err = scanItem(row)
	if err != nil {
		return knowledge.Item{}, mapError(err)
	}
	return created, nil
}

// UpdateContent writes a new version when the stored version still equals
// expectedVersion. Version numbers come from revision_seq so a number
// dropped by RevertVersion is never handed out again.
func (s *Store) UpdateContent(ctx context.Context, id, content string, expectedVersion int64) (updated knowledge.Item, err error) {
	ctx, span := startSpan(ctx, "knowledge.update_content",
		attribute.String("item_id", id),
		attribute.Int64("expected_version", expectedVersion),
	)
	defer func() { endSpan(span, err) }()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return knowledge.Item{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
UPDATE knowledge_items
SET content=$2, version=revision_seq+1, revision_seq=revision_seq+1, version_created_at=NOW(), updated_at=NOW()
WHERE id=$1 AND version=$3 AND NOT system_scoped
RETURNING `+itemColumns+`
`, id, content, expectedVersion)
	updated, ok, err := scanItem(row)
	if err != nil {
		return knowledge.Item{}, err
	}
	if !ok {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM knowledge_items WHERE id=$1)`, id).Scan(&exists); err != nil {
			return knowledge.Item{}, err
		}
		if exists {
			return knowledge.Item{}, fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
		}
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_item_revisions (item_id, version, content, created_at)
VALUES ($1,$2,$3,$4)
`, updated.ID, updated.Version, updated.Content, updated.CreatedAt); err != nil {
		return knowledge.Item{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return knowledge.Item{}, err
	}
	return updated, nil
}

// RevertVersion drops the current revision and restores the one before it,
// provided the current version is still expectedVersion.
func (s *Store) RevertVersion(ctx context.Context, id string, expectedVersion int64) (reverted knowledge.Item, err error) {
	ctx, span := startSpan(ctx, "knowledge.revert_version",
		attribute.String("item_id", id),
		attribute.Int64("expected_version", expectedVersion),
	)
	defer func() { endSpan(span, err) }()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return knowledge.Item{}, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM knowledge_items WHERE id=$1 FOR UPDATE`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if err != nil {
		return knowledge.Item{}, err
	}
	if current != expectedVersion {
		return knowledge.Item{}, fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
	}

	var prev knowledge.Revision
	err = tx.QueryRowContext(ctx, `
SELECT version, content, created_at
FROM knowledge_item_revisions
WHERE item_id=$1 AND version < $2
ORDER BY version DESC
LIMIT 1
`, id, current).Scan(&prev.Version, &prev.Content, &prev.CreatedAt)
	if err == sql.ErrNoRows {
		return knowledge.Item{}, knowledge.ErrNoPriorVersion
	}
	if err != nil {
		return knowledge.Item{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_item_revisions WHERE item_id=$1 AND version=$2`, id, current); err != nil {
		return knowledge.Item{}, err
	}
	row := tx.QueryRowContext(ctx, `
UPDATE knowledge_items
SET content=$2, version=$3, version_created_at=$4, updated_at=NOW()
WHERE id=$1
RETURNING `+itemColumns+`
`, id, prev.Content, prev.Version, prev.CreatedAt)
	reverted, _, err = scanItem(row)
	if err != nil {
		return knowledge.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return knowledge.Item{}, err
	}
	return reverted, nil
}

// DeleteOne removes a tenant or activation item with all its revisions when
// its current version is still expectedVersion.
func (s *Store) DeleteOne(ctx context.Context, id string, expectedVersion int64) (err error) {
	ctx, span := startSpan(ctx, "knowledge.delete_one",
		attribute.String("item_id", id),
		attribute.Int64("expected_version", expectedVersion),
	)
	defer func() { endSpan(span, err) }()

	res, err := s.DB.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id=$1 AND version=$2 AND NOT system_scoped`, id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM knowledge_items WHERE id=$1 AND NOT system_scoped)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: item %s changed since version %d", knowledge.ErrConflict, id, expectedVersion)
	}
	return fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
}

// DeleteByNameAndTier removes every record for name at exactly scope.
func (s *Store) DeleteByNameAndTier(ctx context.Context, agent, name string, scope knowledge.Scope) (n int64, err error) {
	ctx, span := startSpan(ctx, "knowledge.delete_tier",
		attribute.String("agent", agent),
		attribute.String("name", name),
		attribute.String("scope", scope.String()),
	)
	defer func() {
		span.SetAttributes(attribute.Int64("deleted", n))
		endSpan(span, err)
	}()

	var res sql.Result
	switch scope.Tier() {
	case knowledge.TierTenant:
		res, err = s.DB.ExecContext(ctx, `
DELETE FROM knowledge_items
WHERE agent=$1 AND name=$2 AND NOT system_scoped AND tenant_id=$3 AND activation_name IS NULL
`, agent, name, scope.TenantID())
	case knowledge.TierActivation:
		res, err = s.DB.ExecContext(ctx, `
DELETE FROM knowledge_items
WHERE agent=$1 AND name=$2 AND NOT system_scoped AND tenant_id=$3 AND activation_name=$4
`, agent, name, scope.TenantID(), scope.ActivationName())
	case knowledge.TierSystem:
		return 0, knowledge.ErrReadOnlyTier
	default:
		return 0, fmt.Errorf("%w: invalid scope", knowledge.ErrInvalidTransition)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRevisions returns retained revisions of id, newest first.
func (s *Store) ListRevisions(ctx context.Context, id string, limit int) (revs []knowledge.Revision, err error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, span := startSpan(ctx, "knowledge.list_revisions", attribute.String("item_id", id))
	defer func() { endSpan(span, err) }()

	rows, err := s.DB.QueryContext(ctx, `
SELECT item_id, version, content, created_at
FROM knowledge_item_revisions
WHERE item_id=$1
ORDER BY version DESC
LIMIT $2
`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rev knowledge.Revision
		if err := rows.Scan(&rev.ItemID, &rev.Version, &rev.Content, &rev.CreatedAt); err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

// UpsertSystemItem creates or refreshes a system item. Unchanged content
// leaves the version alone.
func (s *Store) UpsertSystemItem(ctx context.Context, agent, name string, ct knowledge.ContentType, content string) (it knowledge.Item, err error) {
	ctx, span := startSpan(ctx, "knowledge.upsert_system",
		attribute.String("agent", agent),
		attribute.String("name", name),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(agent) == "" || strings.TrimSpace(name) == "" {
		return knowledge.Item{}, fmt.Errorf("agent and name required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return knowledge.Item{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
INSERT INTO knowledge_items (id, agent, name, content_type, content, version, revision_seq, system_scoped)
VALUES ($1,$2,$3,$4,$5,1,1,TRUE)
ON CONFLICT (agent, name, (COALESCE(tenant_id, '')), (COALESCE(activation_name, ''))) DO UPDATE SET
  content = EXCLUDED.content,
  content_type = EXCLUDED.content_type,
  version = knowledge_items.revision_seq + 1,
  revision_seq = knowledge_items.revision_seq + 1,
  version_created_at = NOW(),
  updated_at = NOW()
WHERE knowledge_items.content IS DISTINCT FROM EXCLUDED.content
   OR knowledge_items.content_type IS DISTINCT FROM EXCLUDED.content_type
RETURNING `+itemColumns+`
`, uuid.NewString(), agent, name, string(ct), content)
	it, ok, err := scanItem(row)
	if err != nil {
		return knowledge.Item{}, mapError(err)
	}
	if !ok {
		row = tx.QueryRowContext(ctx, `
SELECT `+itemColumns+`
FROM knowledge_items
WHERE agent=$1 AND name=$2 AND system_scoped
`, agent, name)
		if it, _, err = scanItem(row); err != nil {
			return knowledge.Item{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_item_revisions (item_id, version, content, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (item_id, version) DO NOTHING
`, it.ID, it.Version, it.Content, it.CreatedAt); err != nil {
		return knowledge.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return knowledge.Item{}, err
	}
	return it, nil
}

func scanItem(row interface {
	Scan(dest ...interface{}) error
}) (knowledge.Item, bool, error) {
	var (
		it             knowledge.Item
		contentType    string
		systemScoped   bool
		tenantID       sql.NullString
		activationName sql.NullString
	)
	if err := row.Scan(&it.ID, &it.Agent, &it.Name, &contentType, &it.Content, &it.Version,
		&systemScoped, &tenantID, &activationName, &it.CreatedAt, &it.SlotCreatedAt, &it.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return knowledge.Item{}, false, nil
		}
		return knowledge.Item{}, false, err
	}
	it.Type = knowledge.ContentType(contentType)
	scope, err := knowledge.ScopeFromFields(systemScoped, tenantID.String, activationName.String)
	if err != nil {
		return knowledge.Item{}, false, fmt.Errorf("item %s: %w", it.ID, err)
	}
	it.Scope = scope
	return it, true, nil
}

// mapError turns unique violations on the tier slot into ErrConflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", knowledge.ErrConflict, pqErr.Constraint)
	}
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
