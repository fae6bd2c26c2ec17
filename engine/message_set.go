package engine

import (
	"slices"

	"github.com/blockberries/dbftberry/types"
)

// MessageSet records the accepted messages of one kind for the current view,
// at most one per validator. It is owned by a ConsensusState and, like the
// state, is not safe for concurrent use.
type MessageSet struct {
	kind     types.MessageKind
	messages map[types.ValidatorID]*types.SignedMessage
	// ChangeView supporters grouped by requested view
	byTarget map[types.ViewNumber]map[types.ValidatorID]struct{}
}

// NewMessageSet creates an empty set for kind
func NewMessageSet(kind types.MessageKind) *MessageSet {
	ms := &MessageSet{
		kind:     kind,
		messages: make(map[types.ValidatorID]*types.SignedMessage),
	}
	if kind == types.ChangeViewKind {
		ms.byTarget = make(map[types.ViewNumber]map[types.ValidatorID]struct{})
	}
	return ms
}

// Kind returns the message kind tracked by this set
func (ms *MessageSet) Kind() types.MessageKind {
	return ms.kind
}

// add stores msg. Callers must have checked for duplicates.
func (ms *MessageSet) add(msg *types.SignedMessage) {
	ms.messages[msg.Validator] = msg
	if cv, ok := msg.Message.(*types.ChangeView); ok {
		group := ms.byTarget[cv.NewView]
		if group == nil {
			group = make(map[types.ValidatorID]struct{})
			ms.byTarget[cv.NewView] = group
		}
		group[msg.Validator] = struct{}{}
	}
}

// remove drops the message from validator, if any
func (ms *MessageSet) remove(validator types.ValidatorID) *types.SignedMessage {
	msg, ok := ms.messages[validator]
	if !ok {
		return nil
	}
	delete(ms.messages, validator)
	if cv, ok := msg.Message.(*types.ChangeView); ok {
		if group := ms.byTarget[cv.NewView]; group != nil {
			delete(group, validator)
			if len(group) == 0 {
				delete(ms.byTarget, cv.NewView)
			}
		}
	}
	return msg
}

// Has returns true if validator has a message in the set
func (ms *MessageSet) Has(validator types.ValidatorID) bool {
	_, ok := ms.messages[validator]
	return ok
}

// Get returns the message from validator
func (ms *MessageSet) Get(validator types.ValidatorID) (*types.SignedMessage, bool) {
	msg, ok := ms.messages[validator]
	return msg, ok
}

// Size returns the number of distinct validators recorded
func (ms *MessageSet) Size() int {
	return len(ms.messages)
}

// Validators returns the recorded validators in ascending order
func (ms *MessageSet) Validators() []types.ValidatorID {
	ids := make([]types.ValidatorID, 0, len(ms.messages))
	for id := range ms.messages {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Messages returns the recorded messages sorted by validator
func (ms *MessageSet) Messages() []*types.SignedMessage {
	ids := ms.Validators()
	out := make([]*types.SignedMessage, len(ids))
	for i, id := range ids {
		out[i] = ms.messages[id]
	}
	return out
}

// Supporters returns the validators requesting target, ascending. Only
// meaningful for ChangeView sets.
func (ms *MessageSet) Supporters(target types.ViewNumber) []types.ValidatorID {
	group := ms.byTarget[target]
	ids := make([]types.ValidatorID, 0, len(group))
	for id := range group {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Targets returns the requested views that have at least one supporter, ascending
func (ms *MessageSet) Targets() []types.ViewNumber {
	targets := make([]types.ViewNumber, 0, len(ms.byTarget))
	for v := range ms.byTarget {
		targets = append(targets, v)
	}
	slices.Sort(targets)
	return targets
}
