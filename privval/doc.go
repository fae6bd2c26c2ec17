// Package privval implements private validator functionality with double-sign prevention.
//
// A private validator holds the Ed25519 private key used for signing consensus
// messages. Its key responsibility is preventing equivocation: two different
// messages of the same step for one height and view, or a request to leave a
// view after committing in it.
//
// # Double-Sign Prevention
//
// LastSignState tracks the last height/view/step signed by this validator.
// Within a view the steps are ordered:
//
//	StepPrepare (PrepareRequest or PrepareResponse) < StepChangeView < StepCommit
//
// Before signing any message, the validator checks:
//
//	1. Never sign two different messages at the same height/view/step
//	2. Never regress to a lower height, view or step (after restart)
//	3. After a Commit, sign nothing else at that height
//	4. Persist state BEFORE returning the signature
//
// Re-signing the exact message signed last returns the stored signature.
//
// # Implementation
//
// FilePV: File-based private validator with two files, both written with
// 0600 permissions through write-then-rename:
//
//	- priv_validator_key.json: Ed25519 key pair (rarely changes)
//	- priv_validator_state.json: LastSignState (updated on every signature)
//
// FilePV implements engine.Signer. Ed25519Verifier implements types.Verifier
// for the matching public keys.
//
// # Usage Example
//
//	pv, err := privval.NewFilePV("config/priv_validator_key.json", "data/priv_validator_state.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := engine.NewService(cfg, validators, pv, privval.Ed25519Verifier{}, persister)
//
// # Thread Safety
//
// FilePV uses internal locking to prevent concurrent signing.
// Only one FilePV instance should access the same key/state files.
package privval
