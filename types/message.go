package types

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// ViewNumber counts consensus attempts within a height. It starts at 0 and
// only increases.
type ViewNumber uint8

// MessageKind identifies the consensus message type
type MessageKind uint8

// Message kinds
const (
	PrepareRequestKind MessageKind = iota
	PrepareResponseKind
	CommitKind
	ChangeViewKind
)

// MessageKinds lists every kind in ascending order
var MessageKinds = []MessageKind{PrepareRequestKind, PrepareResponseKind, CommitKind, ChangeViewKind}

// Valid returns true for a known kind
func (k MessageKind) Valid() bool {
	return k <= ChangeViewKind
}

func (k MessageKind) String() string {
	switch k {
	case PrepareRequestKind:
		return "PrepareRequest"
	case PrepareResponseKind:
		return "PrepareResponse"
	case CommitKind:
		return "Commit"
	case ChangeViewKind:
		return "ChangeView"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// ChangeViewReason explains why a validator asked to leave the current view
type ChangeViewReason uint8

// Change view reasons
const (
	ReasonTimeout ChangeViewReason = iota
	ReasonChangeAgreement
	ReasonTxNotFound
	ReasonTxRejectedByPolicy
	ReasonTxInvalid
	ReasonBlockRejectedByPolicy
)

// Valid returns true for a known reason
func (r ChangeViewReason) Valid() bool {
	return r <= ReasonBlockRejectedByPolicy
}

func (r ChangeViewReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonChangeAgreement:
		return "ChangeAgreement"
	case ReasonTxNotFound:
		return "TxNotFound"
	case ReasonTxRejectedByPolicy:
		return "TxRejectedByPolicy"
	case ReasonTxInvalid:
		return "TxInvalid"
	case ReasonBlockRejectedByPolicy:
		return "BlockRejectedByPolicy"
	default:
		return fmt.Sprintf("ChangeViewReason(%d)", uint8(r))
	}
}

// Decode limits
const (
	MaxTxHashes      = 65535
	MaxSignatureSize = 1024
)

// Errors
var (
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrUnknownReason      = errors.New("unknown change view reason")
)

// ConsensusMessage is the kind-specific payload of a SignedMessage. It is
// implemented by PrepareRequest, PrepareResponse, Commit and ChangeView.
type ConsensusMessage interface {
	Kind() MessageKind
	encode(e *Encoder)
	clone() ConsensusMessage
}

// PrepareRequest is the primary's proposal for the current view.
type PrepareRequest struct {
	ProposalHash Hash
	Height       uint64
	Timestamp    uint64 // unix milliseconds
	Nonce        uint64
	TxHashes     []Hash
}

// PrepareResponse is a backup's acknowledgement of the proposal
type PrepareResponse struct {
	ProposalHash Hash
}

// Commit finalizes the proposal for the current view
type Commit struct {
	ProposalHash Hash
}

// ChangeView asks the committee to move to NewView
type ChangeView struct {
	NewView   ViewNumber
	Reason    ChangeViewReason
	Timestamp uint64 // unix milliseconds
}

func (*PrepareRequest) Kind() MessageKind  { return PrepareRequestKind }
func (*PrepareResponse) Kind() MessageKind { return PrepareResponseKind }
func (*Commit) Kind() MessageKind          { return CommitKind }
func (*ChangeView) Kind() MessageKind      { return ChangeViewKind }

func (m *PrepareRequest) encode(e *Encoder) {
	e.Hash(m.ProposalHash)
	e.Uint64(m.Height)
	e.Uint64(m.Timestamp)
	e.Uint64(m.Nonce)
	e.Uvarint(uint64(len(m.TxHashes)))
	for _, h := range m.TxHashes {
		e.Hash(h)
	}
}

func (m *PrepareResponse) encode(e *Encoder) { e.Hash(m.ProposalHash) }
func (m *Commit) encode(e *Encoder)          { e.Hash(m.ProposalHash) }

func (m *ChangeView) encode(e *Encoder) {
	e.Uint8(uint8(m.NewView))
	e.Uint8(uint8(m.Reason))
	e.Uint64(m.Timestamp)
}

func (m *PrepareRequest) clone() ConsensusMessage {
	c := *m
	c.TxHashes = slices.Clone(m.TxHashes)
	return &c
}

func (m *PrepareResponse) clone() ConsensusMessage { c := *m; return &c }
func (m *Commit) clone() ConsensusMessage          { c := *m; return &c }
func (m *ChangeView) clone() ConsensusMessage      { c := *m; return &c }

// ProposalHashOf returns the proposal hash carried by msg, if its kind has one.
func ProposalHashOf(msg ConsensusMessage) (Hash, bool) {
	switch m := msg.(type) {
	case *PrepareRequest:
		return m.ProposalHash, true
	case *PrepareResponse:
		return m.ProposalHash, true
	case *Commit:
		return m.ProposalHash, true
	default:
		return Hash{}, false
	}
}

// SignedMessage is a consensus message authenticated by its sender.
type SignedMessage struct {
	Validator ValidatorID
	Height    uint64
	View      ViewNumber
	Message   ConsensusMessage
	Signature []byte
}

// Kind returns the kind of the carried message
func (sm *SignedMessage) Kind() MessageKind {
	return sm.Message.Kind()
}

// ProposalHash returns the carried proposal hash, if any
func (sm *SignedMessage) ProposalHash() (Hash, bool) {
	return ProposalHashOf(sm.Message)
}

// ValidateBasic checks structural well-formedness independent of any state.
func (sm *SignedMessage) ValidateBasic() error {
	if sm == nil || sm.Message == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	if !sm.Kind().Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMessageKind, sm.Kind())
	}
	switch m := sm.Message.(type) {
	case *PrepareRequest:
		if m == nil {
			return fmt.Errorf("%w: nil prepare request", ErrInvalidMessage)
		}
		if len(m.TxHashes) > MaxTxHashes {
			return fmt.Errorf("%w: %d tx hashes", ErrInvalidMessage, len(m.TxHashes))
		}
	case *PrepareResponse:
		if m == nil {
			return fmt.Errorf("%w: nil prepare response", ErrInvalidMessage)
		}
	case *Commit:
		if m == nil {
			return fmt.Errorf("%w: nil commit", ErrInvalidMessage)
		}
	case *ChangeView:
		if m == nil {
			return fmt.Errorf("%w: nil change view", ErrInvalidMessage)
		}
		if !m.Reason.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownReason, m.Reason)
		}
	}
	if len(sm.Signature) > MaxSignatureSize {
		return fmt.Errorf("%w: signature too large", ErrInvalidMessage)
	}
	return nil
}

func (sm *SignedMessage) encodeUnsigned(e *Encoder) {
	e.Uint16(uint16(sm.Validator))
	e.Uint64(sm.Height)
	e.Uint8(uint8(sm.View))
	e.Uint8(uint8(sm.Kind()))
	sm.Message.encode(e)
}

// SignBytes returns the bytes covered by the signature: the network magic
// followed by the unsigned encoding.
func (sm *SignedMessage) SignBytes(network uint32) []byte {
	e := NewEncoder(128)
	e.Uint32(network)
	sm.encodeUnsigned(e)
	return e.Bytes()
}

// Marshal returns the full binary encoding, signature included.
func (sm *SignedMessage) Marshal() []byte {
	e := NewEncoder(192)
	sm.encodeUnsigned(e)
	e.VarBytes(sm.Signature)
	return e.Bytes()
}

// Hash returns the SHA-256 of the full encoding
func (sm *SignedMessage) Hash() Hash {
	return HashBytes(sm.Marshal())
}

// Copy returns a deep copy
func (sm *SignedMessage) Copy() *SignedMessage {
	if sm == nil {
		return nil
	}
	c := *sm
	if sm.Message != nil {
		c.Message = sm.Message.clone()
	}
	c.Signature = slices.Clone(sm.Signature)
	return &c
}

// Equal compares two messages including their signatures
func (sm *SignedMessage) Equal(other *SignedMessage) bool {
	if sm == nil || other == nil {
		return sm == other
	}
	return bytes.Equal(sm.Marshal(), other.Marshal())
}

// SameContent compares two messages ignoring signatures. Two messages from
// one validator with the same kind but different content are equivocation.
func (sm *SignedMessage) SameContent(other *SignedMessage) bool {
	if sm == nil || other == nil {
		return sm == other
	}
	a, b := NewEncoder(128), NewEncoder(128)
	sm.encodeUnsigned(a)
	other.encodeUnsigned(b)
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// UnmarshalSignedMessage decodes data produced by Marshal.
func UnmarshalSignedMessage(data []byte) (*SignedMessage, error) {
	d := NewDecoder(data)
	sm, err := DecodeSignedMessage(d)
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return sm, nil
}

// DecodeSignedMessage reads one message from d.
func DecodeSignedMessage(d *Decoder) (*SignedMessage, error) {
	sm := &SignedMessage{
		Validator: ValidatorID(d.Uint16()),
		Height:    d.Uint64(),
		View:      ViewNumber(d.Uint8()),
	}
	kind := MessageKind(d.Uint8())
	if d.Err() == nil && !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, kind)
	}

	switch kind {
	case PrepareRequestKind:
		m := &PrepareRequest{
			ProposalHash: d.Hash(),
			Height:       d.Uint64(),
			Timestamp:    d.Uint64(),
			Nonce:        d.Uint64(),
		}
		n := d.Uvarint(MaxTxHashes)
		if n > 0 {
			m.TxHashes = make([]Hash, 0, min(n, uint64(d.Remaining()/HashSize)))
			for i := uint64(0); i < n && d.Err() == nil; i++ {
				m.TxHashes = append(m.TxHashes, d.Hash())
			}
		}
		sm.Message = m
	case PrepareResponseKind:
		sm.Message = &PrepareResponse{ProposalHash: d.Hash()}
	case CommitKind:
		sm.Message = &Commit{ProposalHash: d.Hash()}
	case ChangeViewKind:
		sm.Message = &ChangeView{
			NewView:   ViewNumber(d.Uint8()),
			Reason:    ChangeViewReason(d.Uint8()),
			Timestamp: d.Uint64(),
		}
	}
	sm.Signature = d.VarBytes(MaxSignatureSize)

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := sm.ValidateBasic(); err != nil {
		return nil, err
	}
	return sm, nil
}
