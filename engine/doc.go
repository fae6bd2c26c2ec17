// Package engine implements the dBFT consensus state machine.
//
// Each height runs through these phases, in one or more views:
//
//	PrepareRequest → PrepareResponse (prepared) → Commit (committed)
//	                         ↘ ChangeView quorum → next view
//
// # Core Components
//
// ConsensusState: Per-height data. The current view, the proposal registered
// for it and the accepted messages of each kind. Validate checks a message
// without side effects; Register validates and records it.
//
// DbftEngine: Authenticates messages, registers them and evaluates quorum.
// Each call returns a QuorumDecision: Pending, ViewChange or CommitReached.
//
// MessageSet: The messages of one kind for the current view, at most one per
// validator. ChangeView sets also group supporters by requested view.
//
// SnapshotState: The binary projection of a ConsensusState, used for
// checkpoints and restored with RestoreState.
//
// Persister: Logs every message before it is processed and checkpoints the
// state after every transition. Recover rebuilds an engine after a crash.
//
// Service: The command/event boundary. It owns the engine, signs and
// broadcasts this node's own messages and drives view timeouts.
//
// TimeoutTicker: Schedules view timeouts with exponential backoff.
//
// # Usage Example
//
//	valSet, _ := types.NewValidatorSetFromKeys(keys)
//	persister := engine.NewPersister(store, logger)
//
//	svc, _ := engine.NewService(engine.DefaultConfig(),
//	    engine.StaticValidators{Set: valSet}, privVal, privval.Ed25519Verifier{}, persister,
//	    engine.WithLogger(logger), engine.WithMetrics(engine.NewMetrics(prometheus.DefaultRegisterer)))
//
//	go svc.Run(ctx)
//	svc.Submit(ctx, engine.StartCommand{Height: 1, Timestamp: time.Now()})
//
//	for ev := range svc.Events() {
//	    switch ev := ev.(type) {
//	    case engine.BroadcastMessageEvent:
//	        network.Broadcast(ev.Payload)
//	    case engine.BlockCommittedEvent:
//	        ledger.Persist(ev.Block)
//	    }
//	}
//
// # Thread Safety
//
// ConsensusState and DbftEngine have no locking. The Service confines them
// to the goroutine running Run; other goroutines talk to it through Submit
// and Events.
//
// # Consensus Properties
//
// Safety: A height commits at most one proposal. A node that has sent a
// Commit never asks to leave the view.
//
// Liveness: Views advance on timeout with doubling durations, and a node
// joins any view change that more than f validators already requested.
//
// Byzantine Fault Tolerance: Tolerates f = (n-1)/3 faulty validators.
// Conflicting messages from one validator are reported as evidence.
package engine
