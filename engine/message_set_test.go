package engine

import (
	"slices"
	"testing"

	"github.com/blockberries/dbftberry/types"
)

func TestMessageSetBasic(t *testing.T) {
	c := newTestCommittee(t, 4)
	ms := NewMessageSet(types.CommitKind)
	hash := types.HashBytes([]byte("block"))

	for _, id := range []types.ValidatorID{3, 0, 2} {
		ms.add(c.commit(t, id, 1, 0, hash))
	}

	if ms.Kind() != types.CommitKind {
		t.Errorf("expected Commit kind, got %s", ms.Kind())
	}
	if ms.Size() != 3 {
		t.Errorf("expected size 3, got %d", ms.Size())
	}
	if !slices.Equal(ms.Validators(), []types.ValidatorID{0, 2, 3}) {
		t.Errorf("validators not sorted: %v", ms.Validators())
	}
	msgs := ms.Messages()
	if len(msgs) != 3 || msgs[0].Validator != 0 || msgs[2].Validator != 3 {
		t.Errorf("messages not sorted by validator")
	}
	if ms.Has(1) {
		t.Error("validator 1 sent nothing")
	}
	if _, ok := ms.Get(2); !ok {
		t.Error("expected message from 2")
	}

	if removed := ms.remove(2); removed == nil || removed.Validator != 2 {
		t.Error("remove should return the dropped message")
	}
	if ms.remove(2) != nil {
		t.Error("second remove should return nil")
	}
	if ms.Size() != 2 {
		t.Errorf("expected size 2 after remove, got %d", ms.Size())
	}
}

func TestMessageSetTargets(t *testing.T) {
	c := newTestCommittee(t, 4)
	ms := NewMessageSet(types.ChangeViewKind)

	ms.add(c.changeView(t, 0, 1, 0, 2, types.ReasonTimeout))
	ms.add(c.changeView(t, 1, 1, 0, 1, types.ReasonTimeout))
	ms.add(c.changeView(t, 3, 1, 0, 2, types.ReasonTxInvalid))

	if !slices.Equal(ms.Targets(), []types.ViewNumber{1, 2}) {
		t.Errorf("unexpected targets %v", ms.Targets())
	}
	if !slices.Equal(ms.Supporters(2), []types.ValidatorID{0, 3}) {
		t.Errorf("unexpected supporters of 2: %v", ms.Supporters(2))
	}

	ms.remove(1)
	if !slices.Equal(ms.Targets(), []types.ViewNumber{2}) {
		t.Errorf("empty target should disappear, got %v", ms.Targets())
	}
	if len(ms.Supporters(1)) != 0 {
		t.Error("view 1 has no supporters left")
	}
}
