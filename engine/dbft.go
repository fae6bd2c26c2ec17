package engine

import (
	"fmt"

	"github.com/blockberries/dbftberry/types"
)

// DecisionType identifies the outcome of processing one message
type DecisionType uint8

const (
	// DecisionPending means the message was recorded and no new quorum formed.
	DecisionPending DecisionType = iota
	// DecisionViewChange means a quorum of ChangeView messages moved the view.
	DecisionViewChange
	// DecisionCommit means a commit quorum finalized the proposal.
	DecisionCommit
)

func (d DecisionType) String() string {
	switch d {
	case DecisionPending:
		return "Pending"
	case DecisionViewChange:
		return "ViewChange"
	case DecisionCommit:
		return "CommitReached"
	default:
		return fmt.Sprintf("DecisionType(%d)", uint8(d))
	}
}

// QuorumDecision is the result of processing one message.
type QuorumDecision struct {
	Type DecisionType

	// ViewChange
	OldView types.ViewNumber
	NewView types.ViewNumber
	Missing []types.ValidatorID

	// CommitReached
	ProposalHash types.Hash
	Signatures   []types.CommitSignature
}

// Pending is the decision for a message that formed no new quorum
var Pending = QuorumDecision{Type: DecisionPending}

// DbftEngine processes consensus messages for one height at a time. It owns
// its ConsensusState exclusively and is not safe for concurrent use; the
// Service serializes all calls.
type DbftEngine struct {
	network  uint32
	verifier types.Verifier
	state    *ConsensusState
}

// NewDbftEngine creates an engine at view 0 of height.
func NewDbftEngine(network uint32, height uint64, validators *types.ValidatorSet, verifier types.Verifier) (*DbftEngine, error) {
	state, err := NewConsensusState(height, validators)
	if err != nil {
		return nil, err
	}
	return NewDbftEngineFromState(network, state, verifier), nil
}

// NewDbftEngineFromState wraps an existing state, typically one restored from a snapshot.
func NewDbftEngineFromState(network uint32, state *ConsensusState, verifier types.Verifier) *DbftEngine {
	return &DbftEngine{network: network, verifier: verifier, state: state}
}

// State returns the engine's live state. Callers must not mutate it.
func (e *DbftEngine) State() *ConsensusState { return e.state }

func (e *DbftEngine) Network() uint32                 { return e.network }
func (e *DbftEngine) Height() uint64                  { return e.state.height }
func (e *DbftEngine) View() types.ViewNumber          { return e.state.view }
func (e *DbftEngine) Validators() *types.ValidatorSet { return e.state.validators }
func (e *DbftEngine) Primary() types.ValidatorID      { return e.state.Primary() }
func (e *DbftEngine) Prepared() bool                  { return e.state.prepared }
func (e *DbftEngine) Committed() bool                 { return e.state.committed }
func (e *DbftEngine) Proposal() (types.Hash, bool)    { return e.state.Proposal() }

// HasMessage returns true if validator has a recorded message of kind
func (e *DbftEngine) HasMessage(kind types.MessageKind, validator types.ValidatorID) bool {
	_, ok := e.state.Message(kind, validator)
	return ok
}

// Message returns the recorded message of kind from validator
func (e *DbftEngine) Message(kind types.MessageKind, validator types.ValidatorID) (*types.SignedMessage, bool) {
	return e.state.Message(kind, validator)
}

// ChangeViewSupport returns the validators currently requesting target
func (e *DbftEngine) ChangeViewSupport(target types.ViewNumber) []types.ValidatorID {
	return e.state.participation[types.ChangeViewKind].Supporters(target)
}

// ProcessMessage authenticates msg, records it and evaluates quorum for its
// kind. Errors never leave the state partially modified.
func (e *DbftEngine) ProcessMessage(msg *types.SignedMessage) (QuorumDecision, error) {
	if err := msg.ValidateBasic(); err != nil {
		return Pending, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	val, ok := e.state.validators.Get(msg.Validator)
	if !ok {
		return Pending, reject(ErrUnknownValidator, msg)
	}
	if e.verifier == nil || !e.verifier.Verify(val.PublicKey, msg.SignBytes(e.network), msg.Signature) {
		return Pending, reject(ErrInvalidSignature, msg)
	}

	if e.state.committed {
		return Pending, rejectf(ErrHeightCommitted, msg, nil, e.state.height)
	}

	kind := msg.Kind()
	if err := e.state.Register(kind, msg.Copy()); err != nil {
		return Pending, err
	}

	switch kind {
	case types.ChangeViewKind:
		return e.checkViewChange(), nil
	case types.PrepareRequestKind, types.PrepareResponseKind:
		return e.checkPrepared(), nil
	case types.CommitKind:
		return e.checkCommit(), nil
	}
	return Pending, nil
}

func (e *DbftEngine) checkViewChange() QuorumDecision {
	target, supporters, ok := e.state.changeViewQuorum()
	if !ok {
		return Pending
	}
	old := e.state.view
	missing := e.state.missing(supporters)
	e.state.applyViewChange(target)
	return QuorumDecision{
		Type:    DecisionViewChange,
		OldView: old,
		NewView: target,
		Missing: missing,
	}
}

// checkPrepared marks the state prepared once the proposal has a quorum of
// responses. Commits recorded before that point are evaluated right away.
func (e *DbftEngine) checkPrepared() QuorumDecision {
	if e.state.prepared || !e.state.hasProposal {
		return Pending
	}
	if e.state.prepareCount() < e.state.validators.Quorum() {
		return Pending
	}
	e.state.prepared = true
	return e.checkCommit()
}

func (e *DbftEngine) checkCommit() QuorumDecision {
	if !e.state.prepared || e.state.committed {
		return Pending
	}
	commits := e.state.participation[types.CommitKind]
	if commits.Size() < e.state.validators.Quorum() {
		return Pending
	}
	e.state.committed = true
	return QuorumDecision{
		Type:         DecisionCommit,
		ProposalHash: e.state.proposal,
		Signatures:   collectSignatures(commits),
	}
}

func collectSignatures(commits *MessageSet) []types.CommitSignature {
	msgs := commits.Messages()
	sigs := make([]types.CommitSignature, len(msgs))
	for i, m := range msgs {
		sig := make([]byte, len(m.Signature))
		copy(sig, m.Signature)
		sigs[i] = types.CommitSignature{Validator: m.Validator, Signature: sig}
	}
	return sigs
}

// AdvanceHeight resets the state for newHeight. A nil validator set keeps
// the current committee.
func (e *DbftEngine) AdvanceHeight(newHeight uint64, validators *types.ValidatorSet) error {
	if newHeight <= e.state.height {
		return fmt.Errorf("%w: cannot move from %d to %d", ErrInvalidHeight, e.state.height, newHeight)
	}
	if validators == nil {
		validators = e.state.validators
	}
	if validators.Size() == 0 {
		return types.ErrNoValidators
	}
	e.state.validators = validators
	e.state.reset(newHeight)
	return nil
}

// ReplayResult is the outcome of one replayed message
type ReplayResult struct {
	Message  *types.SignedMessage
	Applied  bool
	Decision QuorumDecision
	Err      error
}

// ReplayMessages feeds msgs through ProcessMessage in order. A rejected
// message is reported as skipped and does not stop the replay.
func (e *DbftEngine) ReplayMessages(msgs []*types.SignedMessage) []ReplayResult {
	results := make([]ReplayResult, 0, len(msgs))
	for _, msg := range msgs {
		decision, err := e.ProcessMessage(msg)
		if err != nil {
			results = append(results, ReplayResult{Message: msg, Err: err})
			continue
		}
		results = append(results, ReplayResult{Message: msg, Applied: true, Decision: decision})
	}
	return results
}

// Snapshot returns the serializable projection of the current state
func (e *DbftEngine) Snapshot() *SnapshotState {
	return NewSnapshotState(e.state)
}
