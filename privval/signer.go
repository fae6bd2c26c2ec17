package privval

import (
	"errors"
	"fmt"

	"github.com/blockberries/dbftberry/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrViewRegression   = errors.New("view regression")
	ErrStepRegression   = errors.New("step regression")
	ErrCommitLocked     = errors.New("already committed at this height")
	ErrInvalidKind      = errors.New("cannot sign message kind")
)

// Step orders the messages a validator signs within one view. A backup
// that asked to change view no longer acknowledges the proposal, and a
// validator that committed never asks to change view.
type Step int8

const (
	StepNone       Step = 0
	StepPrepare    Step = 1 // PrepareRequest or PrepareResponse
	StepChangeView Step = 2
	StepCommit     Step = 3
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepPrepare:
		return "prepare"
	case StepChangeView:
		return "change_view"
	case StepCommit:
		return "commit"
	default:
		return fmt.Sprintf("step(%d)", int8(s))
	}
}

// StepFor returns the step of a message kind
func StepFor(kind types.MessageKind) (Step, error) {
	switch kind {
	case types.PrepareRequestKind, types.PrepareResponseKind:
		return StepPrepare, nil
	case types.ChangeViewKind:
		return StepChangeView, nil
	case types.CommitKind:
		return StepCommit, nil
	default:
		return StepNone, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
}

// LastSignState tracks the last signed message for double-sign prevention
type LastSignState struct {
	Height    uint64
	View      types.ViewNumber
	Step      Step
	Signature []byte
	// Hash of the complete sign bytes. Re-signing is only idempotent when
	// the whole payload matches, timestamps included.
	SignBytesHash types.Hash
}

// CheckHVS checks if signing at (height, view, step) would be a double sign.
// Returns nil if signing is allowed, an error otherwise.
func (lss *LastSignState) CheckHVS(height uint64, view types.ViewNumber, step Step) error {
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height < height || lss.Step == StepNone {
		return nil
	}

	if lss.Step == StepCommit && (view != lss.View || step != StepCommit) {
		return ErrCommitLocked
	}
	if lss.View > view {
		return ErrViewRegression
	}
	if lss.View == view {
		if lss.Step > step {
			return ErrStepRegression
		}
		if lss.Step == step {
			return ErrDoubleSign
		}
	}
	return nil
}

// isSameMessage reports whether signBytes is exactly what was signed last
func (lss *LastSignState) isSameMessage(signBytes []byte) bool {
	if len(lss.Signature) == 0 {
		return false
	}
	return types.HashBytes(signBytes) == lss.SignBytesHash
}
