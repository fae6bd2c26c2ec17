// Package evidence implements Byzantine fault detection and evidence management.
//
// The evidence pool collects and validates proofs of equivocation: a
// validator signing two different messages of the same kind for the same
// height and view.
//
// # Evidence Types
//
// ConflictingMessagesEvidence: Both signed messages in their wire encoding,
// ordered by encoding so that every reporter produces identical bytes.
// Evidence is the envelope kept in the pool; both are encoded as canonical
// CBOR.
//
// # Sources
//
// Pool implements engine.EvidenceReporter. The consensus service calls
// ReportConflict once both messages passed signature verification.
// CheckMessage covers messages that never reach an engine, for example
// ones gossiped for a view the node already left.
//
// # Evidence Validation
//
// VerifyConflictingMessages checks evidence received from others:
//
//	1. Both messages have the same validator, height, view and kind
//	2. Their contents differ
//	3. Both signatures verify against the validator's committee key
//
// # Lifecycle
//
//	ReportConflict/AddEvidence -> pending -> PendingEvidence -> MarkCommitted
//
// Update advances the pool's height and time and drops evidence older than
// Config.MaxAgeBlocks or Config.MaxAge.
package evidence
