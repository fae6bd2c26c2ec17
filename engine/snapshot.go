package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/blockberries/dbftberry/types"
)

// Snapshot decode limits
const (
	maxSnapshotKinds   = 4
	maxSnapshotEntries = types.MaxValidators * 16
	maxSnapshotMessage = 1 << 22
)

// SnapshotState is the flattened, encodable form of a ConsensusState.
// Messages and validator lists are kept sorted by validator.
type SnapshotState struct {
	Height        uint64
	View          types.ViewNumber
	Proposal      *types.Hash
	Participation map[types.MessageKind][]*types.SignedMessage
	Expected      map[types.MessageKind][]types.ValidatorID

	ChangeViewReasons      map[types.ValidatorID]types.ChangeViewReason
	ChangeViewReasonCounts map[types.ChangeViewReason]uint32
	ChangeViewTotal        uint64
}

// NewSnapshotState captures cs. Empty kinds are omitted.
func NewSnapshotState(cs *ConsensusState) *SnapshotState {
	s := &SnapshotState{
		Height:                 cs.height,
		View:                   cs.view,
		Participation:          make(map[types.MessageKind][]*types.SignedMessage),
		Expected:               make(map[types.MessageKind][]types.ValidatorID),
		ChangeViewReasons:      maps.Clone(cs.changeViewReasons),
		ChangeViewReasonCounts: maps.Clone(cs.changeViewReasonCounts),
		ChangeViewTotal:        cs.changeViewTotal,
	}
	if cs.hasProposal {
		h := cs.proposal
		s.Proposal = &h
	}
	for _, kind := range types.MessageKinds {
		msgs := cs.participation[kind].Messages()
		if len(msgs) == 0 {
			continue
		}
		copied := make([]*types.SignedMessage, len(msgs))
		for i, m := range msgs {
			copied[i] = m.Copy()
		}
		s.Participation[kind] = copied
	}
	for kind, ids := range cs.expected {
		s.Expected[kind] = slices.Clone(ids)
	}
	return s
}

// Marshal encodes the snapshot in its fixed binary layout:
//
//	height u64 | view u8 | flag u8 [hash 32]
//	participation: n, { kind u8, n, { len, message } }
//	expected:      n, { kind u8, n, { validator u16 } }
//	reasons:       n, { validator u16, reason u8 }
//	reason counts: n, { reason u8, count u32 }
//	change view total u64
//
// where n and len are uvarints. Kinds, validators and reasons are written in
// ascending order so equal snapshots encode identically.
func (s *SnapshotState) Marshal() []byte {
	e := types.NewEncoder(256)
	e.Uint64(s.Height)
	e.Uint8(uint8(s.View))
	if s.Proposal != nil {
		e.Uint8(1)
		e.Hash(*s.Proposal)
	} else {
		e.Uint8(0)
	}

	kinds := slices.Sorted(maps.Keys(s.Participation))
	e.Uvarint(uint64(len(kinds)))
	for _, kind := range kinds {
		msgs := slices.Clone(s.Participation[kind])
		slices.SortFunc(msgs, func(a, b *types.SignedMessage) int { return int(a.Validator) - int(b.Validator) })
		e.Uint8(uint8(kind))
		e.Uvarint(uint64(len(msgs)))
		for _, m := range msgs {
			e.VarBytes(m.Marshal())
		}
	}

	kinds = slices.Sorted(maps.Keys(s.Expected))
	e.Uvarint(uint64(len(kinds)))
	for _, kind := range kinds {
		ids := s.Expected[kind]
		e.Uint8(uint8(kind))
		e.Uvarint(uint64(len(ids)))
		for _, id := range ids {
			e.Uint16(uint16(id))
		}
	}

	validators := slices.Sorted(maps.Keys(s.ChangeViewReasons))
	e.Uvarint(uint64(len(validators)))
	for _, v := range validators {
		e.Uint16(uint16(v))
		e.Uint8(uint8(s.ChangeViewReasons[v]))
	}

	reasons := slices.Sorted(maps.Keys(s.ChangeViewReasonCounts))
	e.Uvarint(uint64(len(reasons)))
	for _, r := range reasons {
		e.Uint8(uint8(r))
		e.Uint32(s.ChangeViewReasonCounts[r])
	}

	e.Uint64(s.ChangeViewTotal)
	return e.Bytes()
}

// UnmarshalSnapshotState decodes data produced by Marshal. Collections are
// always non-nil in the result.
func UnmarshalSnapshotState(data []byte) (*SnapshotState, error) {
	d := types.NewDecoder(data)
	s := &SnapshotState{
		Height:                 d.Uint64(),
		View:                   types.ViewNumber(d.Uint8()),
		Participation:          make(map[types.MessageKind][]*types.SignedMessage),
		Expected:               make(map[types.MessageKind][]types.ValidatorID),
		ChangeViewReasons:      make(map[types.ValidatorID]types.ChangeViewReason),
		ChangeViewReasonCounts: make(map[types.ChangeViewReason]uint32),
	}

	switch flag := d.Uint8(); flag {
	case 0:
	case 1:
		h := d.Hash()
		s.Proposal = &h
	default:
		if d.Err() == nil {
			return nil, fmt.Errorf("%w: bad proposal flag %d", ErrInvalidSnapshot, flag)
		}
	}

	n := d.Uvarint(maxSnapshotKinds)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		kind := types.MessageKind(d.Uint8())
		if err := checkSnapshotKind(d, kind, s.Participation); err != nil {
			return nil, err
		}
		count := d.Uvarint(maxSnapshotEntries)
		msgs := make([]*types.SignedMessage, 0, count)
		for j := uint64(0); j < count && d.Err() == nil; j++ {
			raw := d.VarBytes(maxSnapshotMessage)
			if d.Err() != nil {
				break
			}
			msg, err := types.UnmarshalSignedMessage(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
			if msg.Kind() != kind {
				return nil, fmt.Errorf("%w: %s message under %s", ErrInvalidSnapshot, msg.Kind(), kind)
			}
			msgs = append(msgs, msg)
		}
		s.Participation[kind] = msgs
	}

	n = d.Uvarint(maxSnapshotKinds)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		kind := types.MessageKind(d.Uint8())
		if err := checkSnapshotKind(d, kind, s.Expected); err != nil {
			return nil, err
		}
		count := d.Uvarint(maxSnapshotEntries)
		ids := make([]types.ValidatorID, 0, count)
		for j := uint64(0); j < count && d.Err() == nil; j++ {
			ids = append(ids, types.ValidatorID(d.Uint16()))
		}
		s.Expected[kind] = ids
	}

	n = d.Uvarint(maxSnapshotEntries)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		v := types.ValidatorID(d.Uint16())
		s.ChangeViewReasons[v] = types.ChangeViewReason(d.Uint8())
	}

	n = d.Uvarint(maxSnapshotEntries)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		r := types.ChangeViewReason(d.Uint8())
		s.ChangeViewReasonCounts[r] = d.Uint32()
	}

	s.ChangeViewTotal = d.Uint64()

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return s, nil
}

func checkSnapshotKind[V any](d *types.Decoder, kind types.MessageKind, seen map[types.MessageKind]V) error {
	if d.Err() != nil {
		return nil
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSnapshot, kind)
	}
	if _, dup := seen[kind]; dup {
		return fmt.Errorf("%w: kind %s repeated", ErrInvalidSnapshot, kind)
	}
	return nil
}

// Equal compares two snapshots. Nil and empty collections are equal.
func (s *SnapshotState) Equal(o *SnapshotState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Height != o.Height || s.View != o.View || s.ChangeViewTotal != o.ChangeViewTotal {
		return false
	}
	if (s.Proposal == nil) != (o.Proposal == nil) {
		return false
	}
	if s.Proposal != nil && *s.Proposal != *o.Proposal {
		return false
	}
	if !maps.Equal(s.ChangeViewReasons, o.ChangeViewReasons) ||
		!maps.Equal(s.ChangeViewReasonCounts, o.ChangeViewReasonCounts) {
		return false
	}
	if !equalByKind(s.Expected, o.Expected, func(a, b []types.ValidatorID) bool { return slices.Equal(a, b) }) {
		return false
	}
	return equalByKind(s.Participation, o.Participation, func(a, b []*types.SignedMessage) bool {
		return slices.EqualFunc(a, b, (*types.SignedMessage).Equal)
	})
}

func equalByKind[V any](a, b map[types.MessageKind][]V, eq func(x, y []V) bool) bool {
	for _, kind := range types.MessageKinds {
		if !eq(a[kind], b[kind]) {
			return false
		}
	}
	return len(nonEmpty(a)) == len(nonEmpty(b))
}

func nonEmpty[V any](m map[types.MessageKind][]V) []types.MessageKind {
	var out []types.MessageKind
	for k, v := range m {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// RestoreState rebuilds a ConsensusState from s. Every recorded message is
// checked again against validators, so a snapshot from a different
// committee or a tampered file is rejected.
func RestoreState(s *SnapshotState, validators *types.ValidatorSet) (*ConsensusState, error) {
	cs, err := NewConsensusState(s.Height, validators)
	if err != nil {
		return nil, err
	}
	cs.view = s.View
	if s.Proposal != nil {
		cs.proposal = *s.Proposal
		cs.hasProposal = true
	}

	for _, kind := range types.MessageKinds {
		for _, msg := range s.Participation[kind] {
			if err := cs.restoreMessage(kind, msg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
			}
		}
	}

	if cvs := cs.participation[types.ChangeViewKind]; cvs.Size() != len(s.ChangeViewReasons) {
		return nil, fmt.Errorf("%w: %d change view reasons for %d messages",
			ErrInvalidSnapshot, len(s.ChangeViewReasons), cvs.Size())
	}
	cs.changeViewReasons = maps.Clone(s.ChangeViewReasons)
	cs.changeViewReasonCounts = maps.Clone(s.ChangeViewReasonCounts)
	if cs.changeViewReasonCounts == nil {
		cs.changeViewReasonCounts = make(map[types.ChangeViewReason]uint32)
	}
	if cs.changeViewReasons == nil {
		cs.changeViewReasons = make(map[types.ValidatorID]types.ChangeViewReason)
	}
	cs.changeViewTotal = s.ChangeViewTotal

	cs.refreshExpected()
	cs.prepared = cs.hasProposal && cs.prepareCount() >= validators.Quorum()
	cs.committed = cs.prepared && cs.participation[types.CommitKind].Size() >= validators.Quorum()
	return cs, nil
}

// restoreMessage re-runs the structural checks of Validate for a message
// taken from a snapshot. Proposal ordering is not re-checked because the
// snapshot fixes the proposal up front.
func (cs *ConsensusState) restoreMessage(kind types.MessageKind, msg *types.SignedMessage) error {
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
		if cv.NewView <= cs.view {
			return rejectf(ErrStaleMessage, msg, cs.view, cv.NewView)
		}
	} else if msg.View != cs.view {
		return rejectf(ErrInvalidView, msg, cs.view, msg.View)
	}
	if kind == types.PrepareRequestKind && msg.Validator != cs.Primary() {
		return rejectf(ErrInvalidPrimary, msg, cs.Primary(), msg.Validator)
	}
	if hash, ok := msg.ProposalHash(); ok {
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
	cs.participation[kind].add(msg.Copy())
	return nil
}
