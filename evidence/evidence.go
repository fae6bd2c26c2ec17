package evidence

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blockberries/dbftberry/types"
)

// Type identifies the kind of evidence
type Type uint8

// Evidence type constants
const (
	TypeUnknown Type = iota
	// TypeConflictingMessages is two different messages of one kind signed
	// by the same validator for the same height and view
	TypeConflictingMessages
)

func (t Type) String() string {
	switch t {
	case TypeConflictingMessages:
		return "conflicting_messages"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Evidence is the envelope stored in the pool and included in blocks
type Evidence struct {
	Type   Type   `cbor:"1,keyasint"`
	Height uint64 `cbor:"2,keyasint"`
	Time   int64  `cbor:"3,keyasint"` // unix nanoseconds
	Data   []byte `cbor:"4,keyasint"`
}

// ConflictingMessagesEvidence proves equivocation. Both messages are kept in
// their signed wire encoding.
type ConflictingMessagesEvidence struct {
	Validator types.ValidatorID `cbor:"1,keyasint"`
	Height    uint64            `cbor:"2,keyasint"`
	View      types.ViewNumber  `cbor:"3,keyasint"`
	Kind      types.MessageKind `cbor:"4,keyasint"`
	MessageA  []byte            `cbor:"5,keyasint"`
	MessageB  []byte            `cbor:"6,keyasint"`
	Timestamp int64             `cbor:"7,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("evidence: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		IntDec:           cbor.IntDecConvertNone,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("evidence: cbor decoder: %v", err))
	}
}

// NewConflictingMessagesEvidence pairs two messages from the same validator.
// The pair is ordered by encoding so both reporters produce the same bytes.
func NewConflictingMessagesEvidence(a, b *types.SignedMessage, timestamp int64) *ConflictingMessagesEvidence {
	ea, eb := a.Marshal(), b.Marshal()
	if string(eb) < string(ea) {
		ea, eb = eb, ea
	}
	return &ConflictingMessagesEvidence{
		Validator: a.Validator,
		Height:    a.Height,
		View:      a.View,
		Kind:      a.Kind(),
		MessageA:  ea,
		MessageB:  eb,
		Timestamp: timestamp,
	}
}

// Messages decodes both messages
func (cme *ConflictingMessagesEvidence) Messages() (*types.SignedMessage, *types.SignedMessage, error) {
	a, err := types.UnmarshalSignedMessage(cme.MessageA)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: message A: %v", ErrInvalidEvidence, err)
	}
	b, err := types.UnmarshalSignedMessage(cme.MessageB)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: message B: %v", ErrInvalidEvidence, err)
	}
	return a, b, nil
}

// Marshal encodes the evidence as canonical CBOR
func (cme *ConflictingMessagesEvidence) Marshal() ([]byte, error) {
	return encMode.Marshal(cme)
}

// UnmarshalConflictingMessagesEvidence decodes data produced by Marshal
func UnmarshalConflictingMessagesEvidence(data []byte) (*ConflictingMessagesEvidence, error) {
	var cme ConflictingMessagesEvidence
	if err := decMode.Unmarshal(data, &cme); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return &cme, nil
}

// Marshal encodes the envelope as canonical CBOR
func (ev *Evidence) Marshal() ([]byte, error) {
	return encMode.Marshal(ev)
}

// UnmarshalEvidence decodes an envelope
func UnmarshalEvidence(data []byte) (*Evidence, error) {
	var ev Evidence
	if err := decMode.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	return &ev, nil
}

// VerifyConflictingMessages checks that the evidence proves equivocation
// by a member of valSet
func VerifyConflictingMessages(cme *ConflictingMessagesEvidence, network uint32, valSet *types.ValidatorSet, verifier types.Verifier) error {
	a, b, err := cme.Messages()
	if err != nil {
		return err
	}

	if a.Height != b.Height || a.Height != cme.Height {
		return ErrInvalidHeight
	}
	if a.View != b.View || a.View != cme.View {
		return ErrInvalidView
	}
	if a.Kind() != b.Kind() || a.Kind() != cme.Kind {
		return ErrInvalidKind
	}
	if a.Validator != b.Validator || a.Validator != cme.Validator {
		return ErrInvalidValidator
	}
	if a.SameContent(b) {
		return ErrSameContent
	}

	val, ok := valSet.Get(a.Validator)
	if !ok {
		return ErrInvalidValidator
	}
	if !verifier.Verify(val.PublicKey, a.SignBytes(network), a.Signature) {
		return fmt.Errorf("%w: message A", ErrInvalidSignature)
	}
	if !verifier.Verify(val.PublicKey, b.SignBytes(network), b.Signature) {
		return fmt.Errorf("%w: message B", ErrInvalidSignature)
	}
	return nil
}
