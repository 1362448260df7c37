// Package interfaces defines the core interfaces and types shared by the
// confidential execution pipeline, separating interface definitions from
// implementations.
//
// # Collaborator Interfaces
//
// AssetRegistry: read-only view of the ownership ledger (asset records and
// access rights).
//
// BlobFetcher / StorageBackend: retrieval of encrypted envelopes from the
// content-addressed blob network (IPFS, S3, MinIO, local files).
//
// # Custody Interfaces
//
// Custodian: versioned, compare-and-swap session documents describing which
// secrets exist, how they are populated and under which attestation policy
// they are released.
//
// KeyReleaser: attestation-gated release of session secrets to a running
// instance.
//
// # Execution Types
//
// ExecutionRequest and ExecutionResult describe one pipeline invocation.
// LaunchSpec is the only thing the orchestrator hands to an isolated instance:
// session identity and envelope paths, never key material.
//
// # Errors
//
// Every failure maps to an ErrorKind through KindOf, so callers always receive
// a structured result.
package interfaces
