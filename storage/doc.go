// Package storage implements content-addressed blob storage backends for
// record and shared-file content.
//
// Every backend derives the content identifier as the SHA-256 hash of the
// payload, independent of filename or upload time, so repeated uploads of
// identical bytes deduplicate to one logical object.
//
// Supported backends:
//
//   - FileBackend: local filesystem storage (file://)
//   - IPFSBackend: IPFS node or gateway (ipfs://)
//   - S3Backend: Amazon S3 or compatible object storage (s3://), including
//     presigned download URLs
//   - VaultBackend: HashiCorp Vault KV v2 (vault://)
//   - MultiStorageBackend: aggregation with store-to-all, fetch-from-first
//
// Backends are created by StorageBackendFactory from location URIs. The
// ContentStore type wraps a backend into the adapter consumed by the record
// registry and sharing log, converting backend unavailability into the
// structured degraded-mode contract those services rely on.
package storage
