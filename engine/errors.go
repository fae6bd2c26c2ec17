package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/dbftberry/types"
)

// Consensus errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidHeight    = errors.New("invalid height")
	ErrInvalidView      = errors.New("invalid view")
	ErrStaleMessage     = errors.New("stale message")
	ErrInvalidPrimary   = errors.New("message not from the primary for this view")
	ErrMissingProposal  = errors.New("no proposal registered for this view")
	ErrProposalMismatch = errors.New("proposal hash mismatch")
	ErrDuplicateMessage = errors.New("duplicate message")
	ErrKindMismatch     = errors.New("message kind mismatch")
	ErrHeightCommitted  = errors.New("height already committed")
	ErrNotValidator     = errors.New("node is not a validator at this height")
	ErrPersistence      = errors.New("consensus persistence failed")
	ErrAlreadyStarted   = errors.New("consensus already started")
	ErrNotStarted       = errors.New("consensus not started")
	ErrInvalidMessage   = errors.New("invalid consensus message")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
)

// ValidationError carries the details of a rejected message. It unwraps to
// one of the sentinel errors above so callers can use errors.Is.
type ValidationError struct {
	Err       error
	Kind      types.MessageKind
	Validator types.ValidatorID
	Expected  any
	Received  any
}

func (e *ValidationError) Error() string {
	switch {
	case e.Expected != nil || e.Received != nil:
		return fmt.Sprintf("%v: %s from validator %d: expected %v, got %v",
			e.Err, e.Kind, e.Validator, e.Expected, e.Received)
	default:
		return fmt.Sprintf("%v: %s from validator %d", e.Err, e.Kind, e.Validator)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func rejectf(err error, msg *types.SignedMessage, expected, received any) *ValidationError {
	return &ValidationError{
		Err:       err,
		Kind:      msg.Kind(),
		Validator: msg.Validator,
		Expected:  expected,
		Received:  received,
	}
}

func reject(err error, msg *types.SignedMessage) *ValidationError {
	return &ValidationError{Err: err, Kind: msg.Kind(), Validator: msg.Validator}
}

// IsEquivocation reports whether err indicates that a validator may have
// signed conflicting messages.
func IsEquivocation(err error) bool {
	return errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrProposalMismatch)
}
