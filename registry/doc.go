// Package registry implements the patient record registry: the append-only
// catalog of a patient's records, each referencing exactly one
// content-addressed object.
//
// Record creation is an ordered pipeline: content is stored first, then the
// metadata row is registered. When the blob store is unavailable the pipeline
// does not fail; the record is persisted with its locally computed content ID
// and a degraded flag, and the raw bytes are journaled for the reconciliation
// pass to re-upload later. Degraded records are never reported as durably
// persisted, and authorization checks are never skipped because of storage
// failures.
package registry
