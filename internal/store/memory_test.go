package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

func TestMemoryRecordStore(t *testing.T) {
	runRecordStoreSuite(t, NewMemory())
}

func TestMemoryUpsertSystemItemBumpsVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first, err := m.UpsertSystemItem(ctx, "bot", "tone", knowledge.ContentText, "polite")
	if err != nil {
		t.Fatalf("UpsertSystemItem: %v", err)
	}
	second, err := m.UpsertSystemItem(ctx, "bot", "tone", knowledge.ContentText, "formal")
	if err != nil {
		t.Fatalf("UpsertSystemItem: %v", err)
	}
	if second.ID != first.ID || second.Version != 2 || second.Content != "formal" {
		t.Fatalf("unexpected item %+v", second)
	}
}

func TestMemoryUpsertSystemItemConcurrentSeeds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.UpsertSystemItem(ctx, "bot", "tone", knowledge.ContentText, "polite"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent UpsertSystemItem: %v", err)
	}
	items, err := m.List(ctx, "bot", "", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Version != 1 {
		t.Fatalf("expected one system item at version 1, got %+v", items)
	}
}

func TestMemoryRejectsSystemMutation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sys, err := m.UpsertSystemItem(ctx, "bot", "tone", knowledge.ContentText, "polite")
	if err != nil {
		t.Fatalf("UpsertSystemItem: %v", err)
	}
	if _, err := m.UpdateContent(ctx, sys.ID, "rude", sys.Version); !errors.Is(err, knowledge.ErrReadOnlyTier) {
		t.Fatalf("expected ErrReadOnlyTier, got %v", err)
	}
	if _, err := m.DeleteByNameAndTier(ctx, "bot", "tone", knowledge.SystemScope()); !errors.Is(err, knowledge.ErrReadOnlyTier) {
		t.Fatalf("expected ErrReadOnlyTier, got %v", err)
	}
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.List(ctx, "bot", "", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
