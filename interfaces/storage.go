package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying content.
type ContentID [32]byte

// NewContentIDFromBytes creates a content ID from a raw 32-byte hash.
func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentID(hash), nil
}

// NewContentIDFromHex parses a content ID from its hex form.
func NewContentIDFromHex(source string) (ContentID, error) {
	// Remove 0x prefix if present
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates a content ID from data. The ID depends only on the
// bytes, never on filename or upload time, so identical uploads collapse to
// one logical object.
func ComputeID(data []byte) ContentID {
	hash := sha256.Sum256(data)
	return ContentID(hash)
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as hex in JSON.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentNamespace indicates storage namespace.
type ContentNamespace int

const (
	// RecordContent for blobs referenced by patient records
	RecordContent ContentNamespace = iota
	// SharedContent for blobs pushed through the sharing log
	SharedContent
)

// String returns the namespace name.
func (ns ContentNamespace) String() string {
	switch ns {
	case RecordContent:
		return "records"
	case SharedContent:
		return "shared"
	default:
		return "unknown"
	}
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrSignedURLUnsupported is returned by backends that cannot mint
	// time-limited download URLs.
	ErrSignedURLUnsupported = errors.New("signed URLs not supported by backend")
)

// StorageBackend provides content-addressed blob storage.
type StorageBackend interface {
	// Fetch retrieves data by content ID and namespace.
	Fetch(ctx context.Context, id ContentID, ns ContentNamespace) ([]byte, error)

	// Store saves data and returns its content ID. Store is idempotent:
	// identical bytes always yield the identical ID, so a retried upload after
	// a timeout deduplicates instead of duplicating.
	Store(ctx context.Context, data []byte, ns ContentNamespace) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// SignedURLBackend is implemented by backends that can mint pre-authorized,
// time-limited download URLs for stored content.
type SignedURLBackend interface {
	StorageBackend

	// SignedURL returns a URL granting read access to the content for ttl.
	SignedURL(ctx context.Context, id ContentID, ns ContentNamespace, ttl time.Duration) (string, error)
}

// StorageBackendFactory creates storage backends.
type StorageBackendFactory interface {
	// StorageBackendFor creates backend from URI.
	// Supports file://, s3://, ipfs://, vault://
	StorageBackendFor(locationURI string) (StorageBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locationURIs []string) (StorageBackend, error)
}
