package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/engine"
)

// Errors
var (
	ErrStoreClosed = errors.New("store is closed")
	ErrCorruptKey  = errors.New("corrupt store key")
)

const (
	snapshotPrefix = 's'
	messagePrefix  = 'm'
)

var syncWrite = &opt.WriteOptions{Sync: true}

// LevelConfig configures a LevelDB-backed store
type LevelConfig struct {
	Path string
	// CacheSizeMB sets the block cache size; zero uses the LevelDB default
	CacheSizeMB int
	// NoSync skips fsync on writes. Only meant for tests.
	NoSync bool
}

// LevelStore stores consensus snapshots and messages in LevelDB
type LevelStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	wo     *opt.WriteOptions
	logger *zap.Logger
	closed bool

	// next message sequence per height, loaded lazily
	seq map[uint64]uint32
}

// OpenLevelStore opens or creates the database at cfg.Path
func OpenLevelStore(cfg LevelConfig, logger *zap.Logger) (*LevelStore, error) {
	o := &opt.Options{}
	if cfg.CacheSizeMB > 0 {
		o.BlockCacheCapacity = cfg.CacheSizeMB * opt.MiB
	}

	db, err := leveldb.OpenFile(cfg.Path, o)
	if leveldberrors.IsCorrupted(err) {
		if logger != nil {
			logger.Warn("recovering corrupted LevelDB", zap.String("path", cfg.Path), zap.Error(err))
		}
		db, err = leveldb.RecoverFile(cfg.Path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s: %w", cfg.Path, err)
	}

	s := NewLevelStore(db, logger)
	if cfg.NoSync {
		s.wo = nil
	}
	return s, nil
}

// NewLevelStore wraps an open database. The store takes ownership of db.
func NewLevelStore(db *leveldb.DB, logger *zap.Logger) *LevelStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelStore{
		db:     db,
		wo:     syncWrite,
		logger: logger.Named("store"),
		seq:    make(map[uint64]uint32),
	}
}

func snapshotKey(height uint64) []byte {
	key := make([]byte, 9)
	key[0] = snapshotPrefix
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

func messagePrefixFor(height uint64) []byte {
	key := make([]byte, 9, 13)
	key[0] = messagePrefix
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

func messageKey(height uint64, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(messagePrefixFor(height), seq)
}

func keyHeight(key []byte) (uint64, error) {
	if len(key) < 9 {
		return 0, fmt.Errorf("%w: %x", ErrCorruptKey, key)
	}
	return binary.BigEndian.Uint64(key[1:9]), nil
}

// SaveSnapshot stores the snapshot for height, replacing any previous one
func (s *LevelStore) SaveSnapshot(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Put(snapshotKey(height), data, s.wo)
}

// LoadSnapshot returns the snapshot for height
func (s *LevelStore) LoadSnapshot(height uint64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrStoreClosed
	}
	data, err := s.db.Get(snapshotKey(height), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// LatestHeight returns the highest height with a snapshot
func (s *LevelStore) LatestHeight() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte{snapshotPrefix}), nil)
	defer iter.Release()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	height, err := keyHeight(iter.Key())
	if err != nil {
		return 0, false, err
	}
	return height, true, nil
}

// AppendMessage adds data to the message log of height
func (s *LevelStore) AppendMessage(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	next, ok := s.seq[height]
	if !ok {
		var err error
		if next, err = s.nextSeq(height); err != nil {
			return err
		}
	}

	if err := s.db.Put(messageKey(height, next), data, s.wo); err != nil {
		return err
	}
	s.seq[height] = next + 1
	return nil
}

// nextSeq finds the sequence after the last logged message of height
func (s *LevelStore) nextSeq(height uint64) (uint32, error) {
	iter := s.db.NewIterator(util.BytesPrefix(messagePrefixFor(height)), nil)
	defer iter.Release()

	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	if len(key) != 13 {
		return 0, fmt.Errorf("%w: %x", ErrCorruptKey, key)
	}
	return binary.BigEndian.Uint32(key[9:]) + 1, nil
}

// Messages returns the message log of height in append order
func (s *LevelStore) Messages(height uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(messagePrefixFor(height)), nil)
	defer iter.Release()

	var out [][]byte
	for iter.Next() {
		// The iterator reuses its buffers
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes snapshots and messages of every height below the given one
func (s *LevelStore) Prune(below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if below == 0 {
		return nil
	}

	batch := new(leveldb.Batch)
	for _, prefix := range []byte{snapshotPrefix, messagePrefix} {
		r := &util.Range{
			Start: []byte{prefix},
			Limit: append([]byte{prefix}, binary.BigEndian.AppendUint64(nil, below)...),
		}
		iter := s.db.NewIterator(r, nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, s.wo); err != nil {
		return err
	}

	for h := range s.seq {
		if h < below {
			delete(s.seq, h)
		}
	}
	s.logger.Debug("pruned store", zap.Uint64("below", below), zap.Int("keys", batch.Len()))
	return nil
}

// Close closes the database
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ engine.Store = (*LevelStore)(nil)
