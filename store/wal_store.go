package store

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/engine"
	"github.com/blockberries/dbftberry/types"
	"github.com/blockberries/dbftberry/wal"
)

// WALStore keeps the consensus log in a file WAL and indexes it in memory
type WALStore struct {
	mu     sync.Mutex
	wal    *wal.FileWAL
	logger *zap.Logger
	closed bool

	snapshots map[uint64][]byte
	logs      map[uint64][][]byte
}

// OpenWALStore reads any existing log in cfg.Dir and starts the WAL for appending
func OpenWALStore(cfg wal.Config, logger *zap.Logger) (*WALStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := wal.NewFileWALWithConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	// Starting first truncates a torn tail, so the read below sees only whole records
	if err := w.Start(); err != nil {
		return nil, err
	}

	s := &WALStore{
		wal:       w,
		logger:    logger.Named("store"),
		snapshots: make(map[uint64][]byte),
		logs:      make(map[uint64][][]byte),
	}
	if err := s.load(cfg.Dir); err != nil {
		w.Stop()
		return nil, err
	}
	return s, nil
}

func (s *WALStore) load(dir string) error {
	reader, err := wal.OpenWALForReading(dir)
	if errors.Is(err, wal.ErrWALNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer reader.Close()

	records := 0
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read WAL record %d: %w", records, err)
		}
		records++

		switch msg.Type {
		case wal.MsgTypeSnapshot:
			s.snapshots[msg.Height] = msg.Data
		case wal.MsgTypeConsensus:
			// Kept even when undecodable; replay skips it but the log
			// position recorded in snapshots counts it.
			if _, err := wal.DecodeConsensus(msg); err != nil {
				s.logger.Warn("undecodable consensus record",
					zap.Uint64("height", msg.Height), zap.Int("record", records), zap.Error(err))
			}
			s.logs[msg.Height] = append(s.logs[msg.Height], msg.Data)
		case wal.MsgTypeEndHeight:
			s.dropThrough(msg.Height)
		default:
			s.logger.Warn("skipping unknown WAL record",
				zap.Stringer("type", msg.Type), zap.Uint64("height", msg.Height))
		}
	}

	s.logger.Debug("loaded WAL store",
		zap.Int("records", records),
		zap.Int("snapshots", len(s.snapshots)),
		zap.Int("logged_heights", len(s.logs)))
	return nil
}

func (s *WALStore) dropThrough(height uint64) {
	maps.DeleteFunc(s.snapshots, func(h uint64, _ []byte) bool { return h <= height })
	maps.DeleteFunc(s.logs, func(h uint64, _ [][]byte) bool { return h <= height })
}

// SaveSnapshot appends the snapshot for height
func (s *WALStore) SaveSnapshot(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.wal.WriteSync(wal.NewSnapshotMessage(height, data)); err != nil {
		return err
	}
	s.snapshots[height] = append([]byte(nil), data...)
	return nil
}

// LoadSnapshot returns the latest snapshot appended for height
func (s *WALStore) LoadSnapshot(height uint64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrStoreClosed
	}
	data, ok := s.snapshots[height]
	return data, ok, nil
}

// LatestHeight returns the highest height with a snapshot
func (s *WALStore) LatestHeight() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, ErrStoreClosed
	}
	var latest uint64
	found := false
	for h := range s.snapshots {
		if !found || h > latest {
			latest, found = h, true
		}
	}
	return latest, found, nil
}

// AppendMessage appends an encoded consensus message to the log of height
func (s *WALStore) AppendMessage(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sm, err := types.UnmarshalSignedMessage(data)
	if err != nil {
		return fmt.Errorf("append message at height %d: %w", height, err)
	}
	if sm.Height != height {
		return fmt.Errorf("%w: message for height %d logged under %d", wal.ErrInvalidHeight, sm.Height, height)
	}
	rec := wal.NewConsensusMessage(sm)
	if err := s.wal.WriteSync(rec); err != nil {
		return err
	}
	s.logs[height] = append(s.logs[height], rec.Data)
	return nil
}

// Messages returns the message log of height in append order
func (s *WALStore) Messages(height uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([][]byte(nil), s.logs[height]...), nil
}

// Prune marks every height below the given one as finished and removes the
// WAL segments that hold nothing newer
func (s *WALStore) Prune(below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if below == 0 {
		return nil
	}

	if err := s.wal.WriteSync(wal.NewEndHeightMessage(below - 1)); err != nil {
		return err
	}
	s.dropThrough(below - 1)
	if err := s.wal.Checkpoint(below - 1); err != nil {
		return err
	}
	s.logger.Debug("pruned WAL store",
		zap.Uint64("below", below),
		zap.Int("segments", s.wal.SegmentCount()),
		zap.Int64("current_segment_bytes", s.wal.CurrentSegmentSize()))
	return nil
}

// SegmentCount reports how many WAL segments are on disk
func (s *WALStore) SegmentCount() int {
	return s.wal.SegmentCount()
}

// Close flushes and closes the WAL
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.wal.Stop()
}

var _ engine.Store = (*WALStore)(nil)
