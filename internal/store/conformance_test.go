package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

type seeder interface {
	knowledge.RecordStore
	UpsertSystemItem(ctx context.Context, agent, name string, ct knowledge.ContentType, content string) (knowledge.Item, error)
}

// runRecordStoreSuite exercises behaviour every RecordStore must share.
func runRecordStoreSuite(t *testing.T, st seeder) {
	ctx := context.Background()
	agent := "agent-" + uuid.NewString()[:8]

	sys, err := st.UpsertSystemItem(ctx, agent, "faq", knowledge.ContentMarkdown, "# FAQ")
	if err != nil {
		t.Fatalf("UpsertSystemItem: %v", err)
	}
	if sys.Tier() != knowledge.TierSystem || sys.Version != 1 {
		t.Fatalf("unexpected system item %+v", sys)
	}
	again, err := st.UpsertSystemItem(ctx, agent, "faq", knowledge.ContentMarkdown, "# FAQ")
	if err != nil {
		t.Fatalf("UpsertSystemItem (unchanged): %v", err)
	}
	if again.ID != sys.ID || again.Version != 1 {
		t.Fatalf("unchanged upsert should keep version, got %+v", again)
	}

	tenant, err := st.Insert(ctx, knowledge.Item{
		ID: uuid.NewString(), Name: "faq", Type: knowledge.ContentMarkdown, Content: "# Acme FAQ",
		Version: 1, Agent: agent, Scope: knowledge.TenantScope("acme"),
	})
	if err != nil {
		t.Fatalf("Insert tenant: %v", err)
	}
	_, err = st.Insert(ctx, knowledge.Item{
		ID: uuid.NewString(), Name: "faq", Type: knowledge.ContentMarkdown, Content: "dup",
		Version: 1, Agent: agent, Scope: knowledge.TenantScope("acme"),
	})
	if !errors.Is(err, knowledge.ErrConflict) {
		t.Fatalf("second tenant insert: expected ErrConflict, got %v", err)
	}
	actA, err := st.Insert(ctx, knowledge.Item{
		ID: uuid.NewString(), Name: "faq", Type: knowledge.ContentMarkdown, Content: "# A",
		Version: 1, Agent: agent, Scope: knowledge.ActivationScope("acme", "a"),
	})
	if err != nil {
		t.Fatalf("Insert activation a: %v", err)
	}
	if _, err := st.Insert(ctx, knowledge.Item{
		ID: uuid.NewString(), Name: "faq", Type: knowledge.ContentMarkdown, Content: "# B",
		Version: 1, Agent: agent, Scope: knowledge.ActivationScope("acme", "b"),
	}); err != nil {
		t.Fatalf("Insert activation b: %v", err)
	}

	items, err := st.List(ctx, agent, "acme", "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected system, tenant and activation a, got %d items", len(items))
	}
	for _, it := range items {
		if it.Scope.ActivationName() == "b" {
			t.Fatalf("activation b leaked into context a")
		}
	}
	other, err := st.List(ctx, agent, "globex", "")
	if err != nil {
		t.Fatalf("List other tenant: %v", err)
	}
	if len(other) != 1 || other[0].ID != sys.ID {
		t.Fatalf("other tenant should only see system item, got %+v", other)
	}

	v2, err := st.UpdateContent(ctx, tenant.ID, "# Acme FAQ v2", 1)
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}
	if _, err := st.UpdateContent(ctx, tenant.ID, "stale", 1); !errors.Is(err, knowledge.ErrConflict) {
		t.Fatalf("stale update: expected ErrConflict, got %v", err)
	}

	if _, err := st.RevertVersion(ctx, tenant.ID, 1); !errors.Is(err, knowledge.ErrConflict) {
		t.Fatalf("stale revert: expected ErrConflict, got %v", err)
	}
	back, err := st.RevertVersion(ctx, tenant.ID, 2)
	if err != nil {
		t.Fatalf("RevertVersion: %v", err)
	}
	if back.Version != 1 || back.Content != "# Acme FAQ" {
		t.Fatalf("unexpected reverted item %+v", back)
	}
	v3, err := st.UpdateContent(ctx, tenant.ID, "# Acme FAQ v3", 1)
	if err != nil {
		t.Fatalf("UpdateContent after revert: %v", err)
	}
	if v3.Version != 3 {
		t.Fatalf("version 2 must not be reused, got %d", v3.Version)
	}
	revs, err := st.ListRevisions(ctx, tenant.ID, 10)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revs) != 2 || revs[0].Version != 3 || revs[1].Version != 1 {
		t.Fatalf("unexpected revisions %+v", revs)
	}

	if _, err := st.RevertVersion(ctx, actA.ID, actA.Version); !errors.Is(err, knowledge.ErrNoPriorVersion) {
		t.Fatalf("single revision: expected ErrNoPriorVersion, got %v", err)
	}

	n, err := st.DeleteByNameAndTier(ctx, agent, "faq", knowledge.ActivationScope("acme", "a"))
	if err != nil || n != 1 {
		t.Fatalf("DeleteByNameAndTier: n=%d err=%v", n, err)
	}
	remaining, err := st.List(ctx, agent, "acme", "b")
	if err != nil {
		t.Fatalf("List b: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("activation b and other tiers must survive, got %d items", len(remaining))
	}

	if err := st.DeleteOne(ctx, tenant.ID, 1); !errors.Is(err, knowledge.ErrConflict) {
		t.Fatalf("stale delete: expected ErrConflict, got %v", err)
	}
	if err := st.DeleteOne(ctx, tenant.ID, v3.Version); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if _, ok, err := st.Get(ctx, tenant.ID); err != nil || ok {
		t.Fatalf("deleted item still present: ok=%v err=%v", ok, err)
	}
	if err := st.DeleteOne(ctx, sys.ID, sys.Version); !errors.Is(err, knowledge.ErrNotFound) {
		t.Fatalf("system delete: expected ErrNotFound, got %v", err)
	}
}
