// Package interfaces defines core interfaces and types for the patient record
// registry and access-grant system, separating interface definitions from
// implementations.
//
// The package provides interfaces for the key components of the system:
//
// # Storage Interfaces
//
// StorageBackend: Provides content-addressed blob storage for record and shared
// file content across multiple backend types (file, S3, IPFS, Vault).
//
// StorageBackendFactory: Creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
//
// # Table Store Interfaces
//
// RecordStore, GrantStore, SharedFileStore, BindingStore: Durable persistence
// for the registry catalog, the grant ledger, the sharing log, and wallet
// bindings. GrantStore implementations must enforce a uniqueness constraint on
// the active (doctor, patient, scope) tuple.
//
// # Identity Interfaces
//
// SignatureVerifier: Verifies wallet signatures over challenge messages. The
// core never implements signature cryptography itself.
//
// # Core Types
//
// - ContentID: 32-byte SHA-256 hash for content addressing
// - WalletAddress: lowercase-normalized Ethereum-style wallet address
// - GrantScope: a single record ID or ScopeAllRecords
// - Record, AccessGrant, SharedFile, IdentityBinding: the persisted entities
package interfaces
