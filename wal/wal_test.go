package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockberries/dbftberry/types"
)

func startWAL(t *testing.T, cfg Config) *FileWAL {
	t.Helper()
	w, err := NewFileWALWithConfig(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	return w
}

func readAll(t *testing.T, r Reader) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		out = append(out, msg)
	}
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, Config{Dir: dir})

	if err := w.Write(NewSnapshotMessage(1, []byte{1, 2, 3})); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
	if err := w.Write(NewEndHeightMessage(1)); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "wal-00000")); os.IsNotExist(err) {
		t.Error("WAL segment file should exist")
	}
}

// TestFileWALReadWrite verifies that records come back in order and intact
func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, Config{Dir: dir})

	sm := &types.SignedMessage{
		Validator: 2,
		Height:    7,
		View:      1,
		Message:   &types.Commit{ProposalHash: types.HashBytes([]byte("block"))},
		Signature: make([]byte, 64),
	}

	messages := []*Message{
		NewConsensusMessage(sm),
		NewSnapshotMessage(7, []byte("snapshot")),
		NewEndHeightMessage(6),
		{Type: MsgTypeConsensus, Height: 8, View: 3},
	}
	for _, msg := range messages {
		if err := w.Write(msg); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	reader, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	read := readAll(t, reader)
	if len(read) != len(messages) {
		t.Fatalf("expected %d messages, got %d", len(messages), len(read))
	}
	for i, msg := range messages {
		if read[i].Type != msg.Type || read[i].Height != msg.Height || read[i].View != msg.View {
			t.Errorf("message %d: expected %+v, got %+v", i, msg, read[i])
		}
	}

	decoded, err := DecodeConsensus(read[0])
	if err != nil {
		t.Fatalf("failed to decode consensus message: %v", err)
	}
	if !decoded.Equal(sm) {
		t.Error("decoded message differs from the written one")
	}

	if _, err := DecodeConsensus(read[1]); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType, got %v", err)
	}
}

func TestDecodeConsensusHeightMismatch(t *testing.T) {
	sm := &types.SignedMessage{
		Validator: 0,
		Height:    3,
		Message:   &types.PrepareResponse{},
		Signature: make([]byte, 64),
	}
	msg := NewConsensusMessage(sm)
	msg.Height = 4

	if _, err := DecodeConsensus(msg); !errors.Is(err, ErrInvalidHeight) {
		t.Errorf("expected ErrInvalidHeight, got %v", err)
	}
}

// TestFileWALRotationAndCheckpoint verifies that segments rotate and that
// checkpointing removes only segments below the given height
func TestFileWALRotationAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, Config{Dir: dir, MaxSegmentSize: 64})

	payload := make([]byte, 80)
	for h := uint64(1); h <= 5; h++ {
		if err := w.Write(NewSnapshotMessage(h, payload)); err != nil {
			t.Fatalf("failed to write height %d: %v", h, err)
		}
	}
	if got := w.SegmentCount(); got != 5 {
		t.Fatalf("expected 5 segments, got %d", got)
	}

	if err := w.Checkpoint(3); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if got := w.SegmentCount(); got != 2 {
		t.Errorf("expected 2 segments after checkpoint, got %d", got)
	}
	if w.Group().MinIndex != 3 {
		t.Errorf("expected min index 3, got %d", w.Group().MinIndex)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	reader, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer reader.Close()
	read := readAll(t, reader)
	if len(read) != 2 || read[0].Height != 4 || read[1].Height != 5 {
		t.Errorf("expected heights 4 and 5 to survive, got %d records", len(read))
	}
}

// TestFileWALTornTail verifies that a partially written record is cut off
// on restart and later appends stay readable
func TestFileWALTornTail(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, Config{Dir: dir})
	if err := w.WriteSync(NewSnapshotMessage(1, []byte("first"))); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	path := filepath.Join(dir, "wal-00000")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	// Length prefix of 32 followed by only 3 bytes of payload
	f.Write([]byte{0, 0, 0, 32, 0xa1, 0x01, 0x02})
	f.Close()

	w = startWAL(t, Config{Dir: dir})
	if err := w.WriteSync(NewSnapshotMessage(2, []byte("second"))); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	reader, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer reader.Close()
	read := readAll(t, reader)
	if len(read) != 2 || string(read[0].Data) != "first" || string(read[1].Data) != "second" {
		t.Errorf("unexpected records after repair: %d", len(read))
	}
}

func TestFileWALCorruptedRecord(t *testing.T) {
	dir := t.TempDir()
	w := startWAL(t, Config{Dir: dir})
	w.Write(NewSnapshotMessage(1, []byte("payload")))
	w.Stop()

	path := filepath.Join(dir, "wal-00000")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read segment: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("failed to write segment: %v", err)
	}

	reader, err := OpenWALForReading(dir)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	defer reader.Close()
	if _, err := reader.Read(); !errors.Is(err, ErrWALCorrupted) {
		t.Errorf("expected ErrWALCorrupted, got %v", err)
	}
}

func TestFileWALWriteBeforeStart(t *testing.T) {
	w, err := NewFileWAL(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := w.Write(NewEndHeightMessage(1)); err != ErrWALClosed {
		t.Errorf("expected ErrWALClosed, got %v", err)
	}
	if err := w.FlushAndSync(); err != ErrWALClosed {
		t.Errorf("expected ErrWALClosed, got %v", err)
	}
}

func TestFileWALDoubleStartStop(t *testing.T) {
	w := startWAL(t, Config{Dir: t.TempDir()})

	if err := w.Start(); err != nil {
		t.Errorf("double start should be a no-op, got: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("double stop should be a no-op, got: %v", err)
	}
}

func TestOpenWALNotFound(t *testing.T) {
	if _, err := OpenWALForReading(t.TempDir()); err != ErrWALNotFound {
		t.Errorf("expected ErrWALNotFound, got %v", err)
	}
}

func TestMessageUnmarshalRejectsGarbage(t *testing.T) {
	var msg Message
	if err := msg.Unmarshal([]byte{0xff, 0x00}); !errors.Is(err, ErrWALCorrupted) {
		t.Errorf("expected ErrWALCorrupted, got %v", err)
	}
	if MsgTypeEndHeight.String() != "end_height" || MessageType(9).String() != "unknown(9)" {
		t.Error("unexpected message type names")
	}
}
