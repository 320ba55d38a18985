package knowledge

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("knowledge not found")
	ErrInvalidTransition = errors.New("invalid override transition")
	ErrConflict          = errors.New("knowledge tier already occupied")
	ErrReadOnlyTier      = errors.New("system tier is read-only")
	ErrInvalidContent    = errors.New("invalid knowledge content")
	// ErrStoreUnavailable is the only kind that is safe to retry unchanged.
	ErrStoreUnavailable = errors.New("knowledge store unavailable")
	// ErrNoPriorVersion is returned by RecordStore.RevertVersion when the
	// item has a single retained revision.
	ErrNoPriorVersion = errors.New("no prior version retained")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "not_found"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrConflict, "conflict"},
	{ErrReadOnlyTier, "read_only_tier"},
	{ErrInvalidContent, "invalid_content"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Kind names the error kind of err, or "" for nil and "internal" for
// anything untyped.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// Retryable reports whether err may be retried without changing the input.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// storeError keeps typed store errors and classifies the rest as
// ErrStoreUnavailable.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, ErrNoPriorVersion) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
