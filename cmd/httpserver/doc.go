// Package main (cmd/httpserver) implements the patient record access server.
//
// The server provides HTTP endpoints for uploading and retrieving medical
// records, managing patient-to-doctor access grants, pushing shared files
// from doctors to patients, and wallet-based identity binding with
// signed-challenge authentication.
//
// Record and shared file content is held in content-addressed blob storage.
// One or more backends can be configured through URIs (file://, s3://,
// ipfs://, vault://); when several are given, writes go to all of them and
// reads are served by the first backend that has the content. When no backend
// is reachable, writes degrade gracefully: the catalog row is created with a
// degraded flag and the raw content is journaled locally for later
// reconciliation, which runs periodically in the background.
//
// Catalog rows (records, grants, shared files, wallet bindings) live in
// PostgreSQL when a DSN is configured, or in an in-process store for
// development.
//
// Configuration is handled through command-line flags, with separate settings
// for storage backends, database connectivity, HTTP endpoints, logging, and
// performance tuning.
//
// The server implements graceful shutdown on receiving termination signals
// (SIGINT/SIGTERM) and supports health checks, metrics collection, and
// optional profiling endpoints.
//
// Example usage:
//
//	record-access-server --listen-addr=0.0.0.0:8080 \
//	    --storage-uri=file:///var/lib/carevault/blobs \
//	    --storage-uri=s3://records-bucket/carevault?region=eu-west-1 \
//	    --postgres-dsn="host=localhost user=carevault dbname=carevault" \
//	    --journal-path=/var/lib/carevault/journal
package main
