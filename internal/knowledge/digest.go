package knowledge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Digest hashes content for change detection. JSON is compacted first so
// whitespace-only reformatting hashes the same; other types hash verbatim.
func Digest(ct ContentType, content string) string {
	raw := []byte(content)
	if ct == ContentJSON {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			raw = buf.Bytes()
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// RevisionDiff compares two retained revisions of one item.
type RevisionDiff struct {
	ItemID  string
	Type    ContentType
	From    Revision
	To      Revision
	Changed bool
}

// Diff compares versions from and to of an item. Both must be among the
// newest limit revisions the store retains.
func (e *Engine) Diff(ctx context.Context, id string, from, to int64, limit int) (RevisionDiff, error) {
	it, err := e.Item(ctx, id)
	if err != nil {
		return RevisionDiff{}, err
	}
	revs, err := e.store.ListRevisions(ctx, id, limit)
	if err != nil {
		return RevisionDiff{}, storeError("list revisions", err)
	}
	find := func(v int64) (Revision, error) {
		for _, r := range revs {
			if r.Version == v {
				return r, nil
			}
		}
		return Revision{}, fmt.Errorf("%w: item %s has no retained version %d", ErrNotFound, id, v)
	}
	out := RevisionDiff{ItemID: id, Type: it.Type}
	if out.From, err = find(from); err != nil {
		return RevisionDiff{}, err
	}
	if out.To, err = find(to); err != nil {
		return RevisionDiff{}, err
	}
	out.Changed = Digest(it.Type, out.From.Content) != Digest(it.Type, out.To.Content)
	return out, nil
}
