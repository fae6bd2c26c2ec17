package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/blockberries/dbftberry/types"
)

// ConsensusState is the per-height consensus data: the current view, the
// proposal registered for it and who has sent what.
//
// It has no internal locking. A single DbftEngine owns it and every
// mutation happens on the engine's goroutine.
type ConsensusState struct {
	height     uint64
	view       types.ViewNumber
	validators *types.ValidatorSet

	proposal    types.Hash
	hasProposal bool

	participation map[types.MessageKind]*MessageSet
	expected      map[types.MessageKind][]types.ValidatorID

	changeViewReasons      map[types.ValidatorID]types.ChangeViewReason
	changeViewReasonCounts map[types.ChangeViewReason]uint32
	changeViewTotal        uint64

	// Derived from participation; recomputed on restore.
	prepared  bool
	committed bool
}

// NewConsensusState creates the state for view 0 of height.
func NewConsensusState(height uint64, validators *types.ValidatorSet) (*ConsensusState, error) {
	if validators.Size() == 0 {
		return nil, types.ErrNoValidators
	}
	cs := &ConsensusState{validators: validators}
	cs.reset(height)
	return cs, nil
}

func (cs *ConsensusState) reset(height uint64) {
	cs.height = height
	cs.view = 0
	cs.proposal = types.Hash{}
	cs.hasProposal = false
	cs.participation = make(map[types.MessageKind]*MessageSet, len(types.MessageKinds))
	for _, kind := range types.MessageKinds {
		cs.participation[kind] = NewMessageSet(kind)
	}
	cs.changeViewReasons = make(map[types.ValidatorID]types.ChangeViewReason)
	cs.changeViewReasonCounts = make(map[types.ChangeViewReason]uint32)
	cs.changeViewTotal = 0
	cs.prepared = false
	cs.committed = false
	cs.refreshExpected()
}

// Height returns the current height
func (cs *ConsensusState) Height() uint64 { return cs.height }

// View returns the current view
func (cs *ConsensusState) View() types.ViewNumber { return cs.view }

// Validators returns the committee for this height
func (cs *ConsensusState) Validators() *types.ValidatorSet { return cs.validators }

// Proposal returns the proposal hash registered for the current view
func (cs *ConsensusState) Proposal() (types.Hash, bool) {
	return cs.proposal, cs.hasProposal
}

// Primary returns the primary for the current height and view
func (cs *ConsensusState) Primary() types.ValidatorID {
	// Size is checked at construction, so this cannot fail
	id, _ := cs.validators.PrimaryID(cs.height, cs.view)
	return id
}

// Prepared returns true once the prepare stage reached quorum in this view
func (cs *ConsensusState) Prepared() bool { return cs.prepared }

// Committed returns true once a commit quorum was reached at this height
func (cs *ConsensusState) Committed() bool { return cs.committed }

// Participation returns the recorded messages of kind
func (cs *ConsensusState) Participation(kind types.MessageKind) *MessageSet {
	return cs.participation[kind]
}

// Message returns the message recorded for (kind, validator)
func (cs *ConsensusState) Message(kind types.MessageKind, validator types.ValidatorID) (*types.SignedMessage, bool) {
	set, ok := cs.participation[kind]
	if !ok {
		return nil, false
	}
	return set.Get(validator)
}

// Expected returns the validators still awaited for kind
func (cs *ConsensusState) Expected(kind types.MessageKind) []types.ValidatorID {
	return slices.Clone(cs.expected[kind])
}

// ChangeViewReasons returns a copy of the per-validator change view reasons
func (cs *ConsensusState) ChangeViewReasons() map[types.ValidatorID]types.ChangeViewReason {
	return maps.Clone(cs.changeViewReasons)
}

// ChangeViewReasonCounts returns a copy of the per-reason counts
func (cs *ConsensusState) ChangeViewReasonCounts() map[types.ChangeViewReason]uint32 {
	return maps.Clone(cs.changeViewReasonCounts)
}

// ChangeViewTotal returns the number of ChangeView messages accepted at this height
func (cs *ConsensusState) ChangeViewTotal() uint64 { return cs.changeViewTotal }

// Validate checks msg against the current state without mutating it. The
// checks run in a fixed order and the first failure is returned.
func (cs *ConsensusState) Validate(kind types.MessageKind, msg *types.SignedMessage) error {
	if msg.Kind() != kind {
		return rejectf(ErrKindMismatch, msg, kind, msg.Kind())
	}

	if _, ok := cs.validators.Get(msg.Validator); !ok {
		return reject(ErrUnknownValidator, msg)
	}

	if msg.Height != cs.height {
		return rejectf(ErrInvalidHeight, msg, cs.height, msg.Height)
	}

	if cv, ok := msg.Message.(*types.ChangeView); ok {
		// A change view may come from a validator that is already ahead of
		// us, but it must never point at or behind a view we have reached.
		if msg.View < cs.view {
			return rejectf(ErrStaleMessage, msg, cs.view, msg.View)
		}
		if cv.NewView <= cs.view || cv.NewView <= msg.View {
			return rejectf(ErrStaleMessage, msg, fmt.Sprintf("new view > %d", max(cs.view, msg.View)), cv.NewView)
		}
	} else if msg.View != cs.view {
		return rejectf(ErrInvalidView, msg, cs.view, msg.View)
	}

	if req, ok := msg.Message.(*types.PrepareRequest); ok {
		primary := cs.Primary()
		if msg.Validator != primary {
			return rejectf(ErrInvalidPrimary, msg, primary, msg.Validator)
		}
		if req.Height != msg.Height {
			return rejectf(ErrInvalidHeight, msg, msg.Height, req.Height)
		}
		if cs.hasProposal && req.ProposalHash != cs.proposal {
			return rejectf(ErrProposalMismatch, msg, cs.proposal, req.ProposalHash)
		}
	} else if hash, ok := msg.ProposalHash(); ok {
		if !cs.hasProposal {
			return reject(ErrMissingProposal, msg)
		}
		if hash != cs.proposal {
			return rejectf(ErrProposalMismatch, msg, cs.proposal, hash)
		}
	}

	if cs.participation[kind].Has(msg.Validator) {
		return reject(ErrDuplicateMessage, msg)
	}

	return nil
}

// Register validates msg and records it. On error the state is unchanged.
func (cs *ConsensusState) Register(kind types.MessageKind, msg *types.SignedMessage) error {
	if err := cs.Validate(kind, msg); err != nil {
		return err
	}

	cs.participation[kind].add(msg)

	switch m := msg.Message.(type) {
	case *types.PrepareRequest:
		if !cs.hasProposal {
			cs.proposal = m.ProposalHash
			cs.hasProposal = true
		}
	case *types.ChangeView:
		cs.changeViewReasons[msg.Validator] = m.Reason
		cs.changeViewReasonCounts[m.Reason]++
		cs.changeViewTotal++
	}

	cs.refreshExpected()
	return nil
}

// prepareCount counts the validators backing the proposal in this view: the
// responders plus the primary once its PrepareRequest is recorded.
func (cs *ConsensusState) prepareCount() int {
	responses := cs.participation[types.PrepareResponseKind]
	count := responses.Size()
	primary := cs.Primary()
	if cs.participation[types.PrepareRequestKind].Has(primary) && !responses.Has(primary) {
		count++
	}
	return count
}

// changeViewQuorum returns the highest requested view with a quorum of supporters.
func (cs *ConsensusState) changeViewQuorum() (types.ViewNumber, []types.ValidatorID, bool) {
	set := cs.participation[types.ChangeViewKind]
	targets := set.Targets()
	for i := len(targets) - 1; i >= 0; i-- {
		supporters := set.Supporters(targets[i])
		if len(supporters) >= cs.validators.Quorum() {
			return targets[i], supporters, true
		}
	}
	return 0, nil, false
}

// applyViewChange moves to newView. The proposal and all PrepareRequest,
// PrepareResponse and Commit records belong to the old view and are
// dropped, as are change view requests that the new view satisfies.
func (cs *ConsensusState) applyViewChange(newView types.ViewNumber) {
	cs.view = newView
	cs.proposal = types.Hash{}
	cs.hasProposal = false
	cs.prepared = false
	for _, kind := range []types.MessageKind{types.PrepareRequestKind, types.PrepareResponseKind, types.CommitKind} {
		cs.participation[kind] = NewMessageSet(kind)
	}

	cvs := cs.participation[types.ChangeViewKind]
	for _, msg := range cvs.Messages() {
		if msg.Message.(*types.ChangeView).NewView > newView {
			continue
		}
		cvs.remove(msg.Validator)
		reason := cs.changeViewReasons[msg.Validator]
		delete(cs.changeViewReasons, msg.Validator)
		if cs.changeViewReasonCounts[reason] <= 1 {
			delete(cs.changeViewReasonCounts, reason)
		} else {
			cs.changeViewReasonCounts[reason]--
		}
	}

	cs.refreshExpected()
}

// missing returns the validators of the committee not in present
func (cs *ConsensusState) missing(present []types.ValidatorID) []types.ValidatorID {
	have := make(map[types.ValidatorID]bool, len(present))
	for _, id := range present {
		have[id] = true
	}
	out := make([]types.ValidatorID, 0, cs.validators.Size()-len(present))
	for _, id := range cs.validators.IDs() {
		if !have[id] {
			out = append(out, id)
		}
	}
	return out
}

// refreshExpected recomputes which validators are still awaited per kind.
func (cs *ConsensusState) refreshExpected() {
	cs.expected = make(map[types.MessageKind][]types.ValidatorID)

	primary := cs.Primary()
	if !cs.participation[types.PrepareRequestKind].Has(primary) {
		cs.expected[types.PrepareRequestKind] = []types.ValidatorID{primary}
	}

	if cs.hasProposal {
		responders := cs.participation[types.PrepareResponseKind].Validators()
		responders = append(responders, primary)
		if waiting := cs.missing(uniqueSorted(responders)); len(waiting) > 0 {
			cs.expected[types.PrepareResponseKind] = waiting
		}
		if waiting := cs.missing(cs.participation[types.CommitKind].Validators()); len(waiting) > 0 {
			cs.expected[types.CommitKind] = waiting
		}
	}

	if cvs := cs.participation[types.ChangeViewKind]; cvs.Size() > 0 {
		if waiting := cs.missing(cvs.Validators()); len(waiting) > 0 {
			cs.expected[types.ChangeViewKind] = waiting
		}
	}
}

func uniqueSorted(ids []types.ValidatorID) []types.ValidatorID {
	slices.Sort(ids)
	return slices.Compact(ids)
}
