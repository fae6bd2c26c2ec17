package engine

import (
	"errors"
	"slices"
	"testing"

	"github.com/blockberries/dbftberry/types"
)

func newTestState(t *testing.T, c *testCommittee, height uint64) *ConsensusState {
	t.Helper()
	cs, err := NewConsensusState(height, c.valSet)
	if err != nil {
		t.Fatalf("NewConsensusState: %v", err)
	}
	return cs
}

// TestNewConsensusStateEmptySet verifies a state cannot be created without validators
func TestNewConsensusStateEmptySet(t *testing.T) {
	if _, err := NewConsensusState(1, nil); !errors.Is(err, types.ErrNoValidators) {
		t.Errorf("expected ErrNoValidators, got %v", err)
	}
}

// TestNewConsensusStateInitial verifies the initial view and expectations
func TestNewConsensusStateInitial(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	if cs.Height() != 10 || cs.View() != 0 {
		t.Errorf("expected (10, 0), got (%d, %d)", cs.Height(), cs.View())
	}
	if cs.Primary() != 2 {
		t.Errorf("expected primary 2, got %d", cs.Primary())
	}
	if _, ok := cs.Proposal(); ok {
		t.Error("new state should have no proposal")
	}
	if got := cs.Expected(types.PrepareRequestKind); !slices.Equal(got, []types.ValidatorID{2}) {
		t.Errorf("expected prepare request from [2], got %v", got)
	}
	for _, kind := range []types.MessageKind{types.PrepareResponseKind, types.CommitKind, types.ChangeViewKind} {
		if got := cs.Expected(kind); len(got) != 0 {
			t.Errorf("%s: expected nothing awaited, got %v", kind, got)
		}
	}
}

// TestValidateOrder checks each rejection reason and that the first failing
// check wins.
func TestValidateOrder(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)
	hash := types.HashBytes([]byte("proposal"))

	unknown := c.prepareResponse(t, 0, 10, 0, hash)
	unknown.Validator = 9

	tests := []struct {
		name string
		kind types.MessageKind
		msg  *types.SignedMessage
		want error
	}{
		{"kind mismatch", types.CommitKind, c.prepareResponse(t, 0, 10, 0, hash), ErrKindMismatch},
		{"unknown validator", types.PrepareResponseKind, unknown, ErrUnknownValidator},
		{"wrong height", types.PrepareResponseKind, c.prepareResponse(t, 0, 11, 0, hash), ErrInvalidHeight},
		{"wrong view", types.PrepareResponseKind, c.prepareResponse(t, 0, 10, 1, hash), ErrInvalidView},
		{"not primary", types.PrepareRequestKind, c.prepareRequest(t, 0, 10, 0, nil), ErrInvalidPrimary},
		{"missing proposal", types.PrepareResponseKind, c.prepareResponse(t, 0, 10, 0, hash), ErrMissingProposal},
		{"commit without proposal", types.CommitKind, c.commit(t, 1, 10, 0, hash), ErrMissingProposal},
		{"stale change view", types.ChangeViewKind, c.changeView(t, 1, 10, 0, 0, types.ReasonTimeout), ErrStaleMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cs.Validate(tt.kind, tt.msg)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

// TestValidateRequestHeightMismatch verifies the payload height must match the envelope
func TestValidateRequestHeightMismatch(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	msg := c.prepareRequest(t, 2, 10, 0, nil)
	msg.Message.(*types.PrepareRequest).Height = 9

	if err := cs.Validate(types.PrepareRequestKind, msg); !errors.Is(err, ErrInvalidHeight) {
		t.Errorf("expected ErrInvalidHeight, got %v", err)
	}
}

// TestRegisterProposalFlow walks a proposal through responses and commits
func TestRegisterProposalFlow(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	req := c.prepareRequest(t, 2, 10, 0, testTxs(3))
	if err := cs.Register(types.PrepareRequestKind, req); err != nil {
		t.Fatalf("Register request: %v", err)
	}
	hash, ok := cs.Proposal()
	if !ok || hash != req.Message.(*types.PrepareRequest).ProposalHash {
		t.Fatalf("proposal not registered")
	}
	if got := cs.Expected(types.PrepareRequestKind); len(got) != 0 {
		t.Errorf("primary no longer awaited, got %v", got)
	}
	if got := cs.Expected(types.PrepareResponseKind); !slices.Equal(got, []types.ValidatorID{0, 1, 3}) {
		t.Errorf("expected responses from [0 1 3], got %v", got)
	}
	if got := cs.Expected(types.CommitKind); !slices.Equal(got, []types.ValidatorID{0, 1, 2, 3}) {
		t.Errorf("expected commits from everyone, got %v", got)
	}

	if err := cs.Register(types.PrepareResponseKind, c.prepareResponse(t, 0, 10, 0, hash)); err != nil {
		t.Fatalf("Register response: %v", err)
	}
	if got := cs.prepareCount(); got != 2 {
		t.Errorf("expected prepare count 2, got %d", got)
	}
	if got := cs.Expected(types.PrepareResponseKind); !slices.Equal(got, []types.ValidatorID{1, 3}) {
		t.Errorf("expected responses from [1 3], got %v", got)
	}

	// Wrong hash
	other := types.HashBytes([]byte("other"))
	if err := cs.Register(types.PrepareResponseKind, c.prepareResponse(t, 1, 10, 0, other)); !errors.Is(err, ErrProposalMismatch) {
		t.Errorf("expected ErrProposalMismatch, got %v", err)
	}
	// A second, different proposal from the primary
	second := c.prepareRequest(t, 2, 10, 0, testTxs(4))
	if err := cs.Register(types.PrepareRequestKind, second); !errors.Is(err, ErrProposalMismatch) {
		t.Errorf("expected ErrProposalMismatch for second proposal, got %v", err)
	}
	// Same response again
	if err := cs.Register(types.PrepareResponseKind, c.prepareResponse(t, 0, 10, 0, hash)); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}

	if cs.Participation(types.PrepareResponseKind).Size() != 1 {
		t.Error("rejected messages must not be recorded")
	}
}

// TestRegisterChangeViewReasons verifies reason bookkeeping
func TestRegisterChangeViewReasons(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	msgs := []*types.SignedMessage{
		c.changeView(t, 0, 10, 0, 1, types.ReasonTimeout),
		c.changeView(t, 1, 10, 0, 1, types.ReasonTimeout),
		c.changeView(t, 3, 10, 0, 2, types.ReasonTxNotFound),
	}
	for _, m := range msgs {
		if err := cs.Register(types.ChangeViewKind, m); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if cs.ChangeViewTotal() != 3 {
		t.Errorf("expected total 3, got %d", cs.ChangeViewTotal())
	}
	counts := cs.ChangeViewReasonCounts()
	if counts[types.ReasonTimeout] != 2 || counts[types.ReasonTxNotFound] != 1 {
		t.Errorf("unexpected reason counts %v", counts)
	}
	if cs.ChangeViewReasons()[3] != types.ReasonTxNotFound {
		t.Errorf("expected validator 3 reason TxNotFound")
	}
	if got := cs.Expected(types.ChangeViewKind); !slices.Equal(got, []types.ValidatorID{2}) {
		t.Errorf("expected change view from [2], got %v", got)
	}

	// Records are immutable
	again := c.changeView(t, 0, 10, 0, 2, types.ReasonTxInvalid)
	if err := cs.Register(types.ChangeViewKind, again); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}
}

// TestChangeViewFromAheadValidator verifies a change view sent from a later view is accepted
func TestChangeViewFromAheadValidator(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	if err := cs.Validate(types.ChangeViewKind, c.changeView(t, 1, 10, 2, 3, types.ReasonTimeout)); err != nil {
		t.Errorf("expected change view from view 2 to be accepted, got %v", err)
	}
	if err := cs.Validate(types.ChangeViewKind, c.changeView(t, 1, 10, 2, 2, types.ReasonTimeout)); !errors.Is(err, ErrStaleMessage) {
		t.Errorf("expected ErrStaleMessage for new view == view, got %v", err)
	}
}

// TestApplyViewChange verifies the view reset and pruning of satisfied requests
func TestApplyViewChange(t *testing.T) {
	c := newTestCommittee(t, 4)
	cs := newTestState(t, c, 10)

	req := c.prepareRequest(t, 2, 10, 0, nil)
	hash := req.Message.(*types.PrepareRequest).ProposalHash
	for _, step := range []struct {
		kind types.MessageKind
		msg  *types.SignedMessage
	}{
		{types.PrepareRequestKind, req},
		{types.PrepareResponseKind, c.prepareResponse(t, 0, 10, 0, hash)},
		{types.ChangeViewKind, c.changeView(t, 1, 10, 0, 1, types.ReasonTimeout)},
		{types.ChangeViewKind, c.changeView(t, 3, 10, 0, 2, types.ReasonTxInvalid)},
	} {
		if err := cs.Register(step.kind, step.msg); err != nil {
			t.Fatalf("Register %s: %v", step.kind, err)
		}
	}

	cs.applyViewChange(1)

	if cs.View() != 1 {
		t.Errorf("expected view 1, got %d", cs.View())
	}
	if cs.Primary() != 3 {
		t.Errorf("expected primary 3 at view 1, got %d", cs.Primary())
	}
	if _, ok := cs.Proposal(); ok {
		t.Error("proposal should be cleared")
	}
	for _, kind := range []types.MessageKind{types.PrepareRequestKind, types.PrepareResponseKind, types.CommitKind} {
		if cs.Participation(kind).Size() != 0 {
			t.Errorf("%s records should be cleared", kind)
		}
	}

	cvs := cs.Participation(types.ChangeViewKind)
	if cvs.Has(1) {
		t.Error("satisfied change view from 1 should be pruned")
	}
	if !cvs.Has(3) {
		t.Error("change view to view 2 should survive")
	}
	if cs.ChangeViewTotal() != 2 {
		t.Errorf("total must not decrease, got %d", cs.ChangeViewTotal())
	}
	counts := cs.ChangeViewReasonCounts()
	if _, ok := counts[types.ReasonTimeout]; ok {
		t.Errorf("timeout count should be removed, got %v", counts)
	}
	if counts[types.ReasonTxInvalid] != 1 {
		t.Errorf("expected TxInvalid count 1, got %v", counts)
	}

	// Messages for the old view are now invalid
	if err := cs.Validate(types.PrepareResponseKind, c.prepareResponse(t, 1, 10, 0, hash)); !errors.Is(err, ErrInvalidView) {
		t.Errorf("expected ErrInvalidView, got %v", err)
	}
	// Validator 1 may ask for a further view
	if err := cs.Validate(types.ChangeViewKind, c.changeView(t, 1, 10, 1, 2, types.ReasonTimeout)); err != nil {
		t.Errorf("expected fresh change view to validate, got %v", err)
	}
}
