package types

import (
	"fmt"
)

// MaxRecoveryMessages bounds the messages a RecoveryMessage may carry: a
// change view, a preparation and a commit from every validator.
const MaxRecoveryMessages = 3 * MaxValidators

// RecoveryRequest asks the committee for the messages it recorded at
// Height. It is not signed; the answers are, message by message.
type RecoveryRequest struct {
	Validator ValidatorID
	Height    uint64
	View      ViewNumber
	Timestamp uint64 // unix milliseconds
}

// Marshal returns the binary encoding
func (r *RecoveryRequest) Marshal() []byte {
	e := NewEncoder(24)
	e.Uint16(uint16(r.Validator))
	e.Uint64(r.Height)
	e.Uint8(uint8(r.View))
	e.Uint64(r.Timestamp)
	return e.Bytes()
}

// UnmarshalRecoveryRequest decodes data produced by RecoveryRequest.Marshal
func UnmarshalRecoveryRequest(data []byte) (*RecoveryRequest, error) {
	d := NewDecoder(data)
	r := &RecoveryRequest{
		Validator: ValidatorID(d.Uint16()),
		Height:    d.Uint64(),
		View:      ViewNumber(d.Uint8()),
		Timestamp: d.Uint64(),
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: recovery request: %v", ErrInvalidMessage, err)
	}
	return r, nil
}

// RecoveryMessage carries the signed messages a validator recorded for one
// height and view: change views first, then the proposal, the responses and
// the commits. Receivers process each message on its own.
type RecoveryMessage struct {
	Validator ValidatorID
	Height    uint64
	View      ViewNumber
	Messages  []*SignedMessage
}

// Marshal returns the binary encoding
func (m *RecoveryMessage) Marshal() []byte {
	e := NewEncoder(64 + 160*len(m.Messages))
	e.Uint16(uint16(m.Validator))
	e.Uint64(m.Height)
	e.Uint8(uint8(m.View))
	e.Uvarint(uint64(len(m.Messages)))
	for _, sm := range m.Messages {
		e.VarBytes(sm.Marshal())
	}
	return e.Bytes()
}

// ValidateBasic checks every carried message belongs to the recovery height
func (m *RecoveryMessage) ValidateBasic() error {
	if len(m.Messages) > MaxRecoveryMessages {
		return fmt.Errorf("%w: %d recovery messages", ErrInvalidMessage, len(m.Messages))
	}
	for i, sm := range m.Messages {
		if err := sm.ValidateBasic(); err != nil {
			return fmt.Errorf("recovery message %d: %w", i, err)
		}
		if sm.Height != m.Height {
			return fmt.Errorf("%w: recovery for height %d carries height %d", ErrInvalidMessage, m.Height, sm.Height)
		}
	}
	return nil
}

// UnmarshalRecoveryMessage decodes data produced by RecoveryMessage.Marshal
func UnmarshalRecoveryMessage(data []byte) (*RecoveryMessage, error) {
	d := NewDecoder(data)
	m := &RecoveryMessage{
		Validator: ValidatorID(d.Uint16()),
		Height:    d.Uint64(),
		View:      ViewNumber(d.Uint8()),
	}
	n := d.Uvarint(MaxRecoveryMessages)
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		raw := d.VarBytes(1 << 22)
		if d.Err() != nil {
			break
		}
		sm, err := UnmarshalSignedMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("recovery message %d: %w", i, err)
		}
		m.Messages = append(m.Messages, sm)
	}
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("%w: recovery message: %v", ErrInvalidMessage, err)
	}
	if err := m.ValidateBasic(); err != nil {
		return nil, err
	}
	return m, nil
}
