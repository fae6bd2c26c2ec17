package wal

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blockberries/dbftberry/types"
)

// Errors
var (
	ErrWALClosed     = errors.New("WAL is closed")
	ErrWALCorrupted  = errors.New("WAL is corrupted")
	ErrWALNotFound   = errors.New("WAL file not found")
	ErrInvalidHeight = errors.New("invalid height in WAL")
	ErrWrongType     = errors.New("unexpected WAL message type")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeConsensus carries a marshaled types.SignedMessage
	MsgTypeConsensus
	// MsgTypeSnapshot carries a marshaled consensus snapshot
	MsgTypeSnapshot
	// MsgTypeEndHeight marks that everything up to Height is durable elsewhere
	MsgTypeEndHeight
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeConsensus:
		return "consensus"
	case MsgTypeSnapshot:
		return "snapshot"
	case MsgTypeEndHeight:
		return "end_height"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message represents a WAL message with metadata
type Message struct {
	Type   MessageType      `cbor:"1,keyasint"`
	Height uint64           `cbor:"2,keyasint"`
	View   types.ViewNumber `cbor:"3,keyasint"`
	Data   []byte           `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("wal: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		IntDec:          cbor.IntDecConvertNone,
		MaxMapPairs:     16,
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wal: cbor decoder: %v", err))
	}
}

// Marshal serializes the message as canonical CBOR
func (m *Message) Marshal() ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(data []byte) error {
	if err := decMode.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return nil
}

// WAL interface for write-ahead logging
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error

	// Group returns the current WAL group (for rotation)
	Group() *Group
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message from the WAL
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

// Group represents a group of WAL files (for rotation)
type Group struct {
	Dir      string
	Prefix   string
	MaxSize  int64
	MinIndex int
	MaxIndex int
}

// NewConsensusMessage creates a WAL message for a received or sent consensus message
func NewConsensusMessage(msg *types.SignedMessage) *Message {
	return &Message{
		Type:   MsgTypeConsensus,
		Height: msg.Height,
		View:   msg.View,
		Data:   msg.Marshal(),
	}
}

// NewSnapshotMessage creates a WAL message for an encoded consensus snapshot
func NewSnapshotMessage(height uint64, data []byte) *Message {
	return &Message{
		Type:   MsgTypeSnapshot,
		Height: height,
		Data:   data,
	}
}

// NewEndHeightMessage creates a WAL message marking end of height
func NewEndHeightMessage(height uint64) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
	}
}

// DecodeConsensus decodes the consensus message carried by msg
func DecodeConsensus(msg *Message) (*types.SignedMessage, error) {
	if msg.Type != MsgTypeConsensus {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, msg.Type)
	}
	sm, err := types.UnmarshalSignedMessage(msg.Data)
	if err != nil {
		return nil, err
	}
	if sm.Height != msg.Height {
		return nil, fmt.Errorf("%w: record at %d holds message for %d", ErrInvalidHeight, msg.Height, sm.Height)
	}
	return sm, nil
}
