package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carevault/record-access-backend/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Content is stored in a directory structure organized by namespace.
type FileBackend struct {
	baseDir     string
	subdirs     map[interfaces.ContentNamespace]string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base
// directory. It creates subdirectories for the content namespaces if they
// don't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	subdirs := map[interfaces.ContentNamespace]string{
		interfaces.RecordContent: "records",
		interfaces.SharedContent: "shared",
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		subdirs:     subdirs,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves data from the file system by its content identifier and
// namespace. Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) ([]byte, error) {
	filePath := b.getFilePath(id, ns)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, interfaces.ErrContentNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store saves data to the file system and returns its content identifier.
// The identifier is the SHA-256 hash of the data.
func (b *FileBackend) Store(ctx context.Context, data []byte, ns interfaces.ContentNamespace) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	filePath := b.getFilePath(id, ns)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// getFilePath generates a file path for a content ID and namespace.
func (b *FileBackend) getFilePath(id interfaces.ContentID, ns interfaces.ContentNamespace) string {
	return filepath.Join(b.baseDir, b.subdirs[ns], id.String())
}
