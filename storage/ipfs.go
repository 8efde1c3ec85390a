package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/carevault/record-access-backend/interfaces"
)

// IPFSBackend implements a storage backend using the InterPlanetary File System (IPFS).
// It can connect to either an IPFS node or a gateway.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	useGateway  bool
	prefixes    map[interfaces.ContentNamespace]string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS storage backend connected to the specified host and port.
// When useGateway is true, it uses the IPFS HTTP gateway instead of the IPFS API.
func NewIPFSBackend(host, port string, useGateway bool, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	var uri string
	if useGateway {
		uri = fmt.Sprintf("ipfs://%s/?gateway=true&timeout=%s", apiURL, timeout)
	} else {
		uri = fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout)
	}

	return &IPFSBackend{
		shell:      shell.NewShell(apiURL),
		host:       host,
		port:       port,
		useGateway: useGateway,
		prefixes: map[interfaces.ContentNamespace]string{
			interfaces.RecordContent: "records",
			interfaces.SharedContent: "shared",
		},
		log:         log,
		locationURI: uri,
	}, nil
}

// Fetch retrieves data from IPFS by its content identifier and namespace.
// Returns ErrContentNotFound if the content doesn't exist or ErrBackendUnavailable
// if the IPFS node is not accessible.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, ns interfaces.ContentNamespace) ([]byte, error) {
	start := time.Now()
	path := b.getIPFSPath(id, ns)
	contentIDStr := fmt.Sprintf("%x", id[:8])

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat(path)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			b.log.Debug("Content not found in IPFS",
				slog.String("path", path),
				slog.String("content_id", contentIDStr),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}

		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", path),
			slog.String("content_id", contentIDStr),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		b.log.Error("Failed to read data from IPFS",
			slog.String("path", path),
			slog.String("content_id", contentIDStr),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", path),
		slog.String("content_id", contentIDStr),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds data to IPFS and returns its content identifier.
// The identifier is the SHA-256 hash of the data.
// Returns ErrBackendUnavailable if the IPFS node is not accessible.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, ns interfaces.ContentNamespace) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("ipfsCID", cid),
		slog.String("contentID", id.String()),
		slog.String("namespace", ns.String()))

	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

// getIPFSPath generates an IPFS path based on content ID and namespace.
func (b *IPFSBackend) getIPFSPath(id interfaces.ContentID, ns interfaces.ContentNamespace) string {
	return fmt.Sprintf("/ipfs/%s-%s", b.prefixes[ns], id.String())
}
