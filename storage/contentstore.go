package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carevault/record-access-backend/interfaces"
)

// ContentStore adapts a StorageBackend into the content-store contract the
// record registry and sharing log consume. It converts backend unavailability
// into the structured degraded-mode failure those services act on: the
// returned object always carries the deterministic content-derived ID, so a
// degraded object re-uploaded later heals to the same identity.
type ContentStore struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

// NewContentStore wraps a storage backend.
func NewContentStore(backend interfaces.StorageBackend, log *slog.Logger) *ContentStore {
	return &ContentStore{
		backend: backend,
		log:     log,
	}
}

// Put persists data and returns its ContentObject.
//
// When the backing store is unavailable, Put still returns a ContentObject
// with Degraded set and the locally computed ID, together with
// ErrStoreUnavailable. The caller decides whether to proceed in degraded mode;
// it never receives a silently-empty result.
func (cs *ContentStore) Put(ctx context.Context, data []byte, mimeType string, ns interfaces.ContentNamespace) (*interfaces.ContentObject, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty content", interfaces.ErrValidation)
	}

	obj := &interfaces.ContentObject{
		ID:       interfaces.ComputeID(data),
		ByteSize: int64(len(data)),
		MimeType: mimeType,
	}

	id, err := cs.backend.Store(ctx, data, ns)
	if err != nil {
		// Backends report unavailability either as a sentinel or as a plain
		// failure; a failed store against an unreachable backend degrades too.
		if errors.Is(err, interfaces.ErrBackendUnavailable) || !cs.backend.Available(ctx) {
			cs.log.Warn("Content store unavailable, returning degraded object",
				slog.String("content_id", obj.ID.String()),
				slog.String("backend", cs.backend.Name()))
			obj.Degraded = true
			obj.Locator = cs.locator(obj.ID, ns)
			return obj, interfaces.ErrStoreUnavailable
		}
		return nil, fmt.Errorf("content store put failed: %w", err)
	}

	if !id.Equal(obj.ID) {
		// Backends hash identically; a mismatch means a broken backend.
		return nil, fmt.Errorf("backend %s returned inconsistent content ID %s (expected %s)",
			cs.backend.Name(), id, obj.ID)
	}

	obj.Locator = cs.locator(obj.ID, ns)
	return obj, nil
}

// Get retrieves the raw bytes for a content ID.
// Returns ErrNotFound when the content does not exist and ErrStoreUnavailable
// when the backend cannot be reached.
func (cs *ContentStore) Get(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) ([]byte, error) {
	data, err := cs.backend.Fetch(ctx, id, ns)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, interfaces.ErrNotFound
		}
		if errors.Is(err, interfaces.ErrBackendUnavailable) {
			return nil, interfaces.ErrStoreUnavailable
		}
		return nil, fmt.Errorf("content store get failed: %w", err)
	}
	return data, nil
}

// Resolve returns a dereferenceable locator for a stored content ID.
// Returns ErrNotFound if the content is not present in the backend.
func (cs *ContentStore) Resolve(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) (string, error) {
	if _, err := cs.Get(ctx, id, ns); err != nil {
		return "", err
	}
	return cs.locator(id, ns), nil
}

// SignedURL returns a time-limited download URL when the underlying backend
// supports presigning, and ErrSignedURLUnsupported otherwise.
func (cs *ContentStore) SignedURL(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace, ttl time.Duration) (string, error) {
	signer, ok := cs.backend.(interfaces.SignedURLBackend)
	if !ok {
		return "", interfaces.ErrSignedURLUnsupported
	}
	return signer.SignedURL(ctx, id, ns, ttl)
}

// Available reports whether the backing store is reachable.
func (cs *ContentStore) Available(ctx context.Context) bool {
	return cs.backend.Available(ctx)
}

func (cs *ContentStore) locator(id interfaces.ContentID, ns interfaces.ContentNamespace) string {
	return fmt.Sprintf("%s#%s/%s", cs.backend.LocationURI(), ns, id)
}
