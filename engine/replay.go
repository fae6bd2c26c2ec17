package engine

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/types"
)

// Errors for recovery
var (
	ErrReplayFailed = errors.New("consensus replay failed")
	ErrNoStore      = errors.New("no store configured")
)

const maxCheckpointSize = 1 << 26

// Store is the durable storage used by the Persister: one snapshot per
// height plus an append-only message log keyed by height.
type Store interface {
	SaveSnapshot(height uint64, data []byte) error
	// LoadSnapshot returns found=false when no snapshot exists for height.
	LoadSnapshot(height uint64) (data []byte, found bool, err error)
	// LatestHeight returns the highest height with a snapshot.
	LatestHeight() (height uint64, found bool, err error)
	AppendMessage(height uint64, data []byte) error
	// Messages returns the logged messages for height in append order.
	Messages(height uint64) ([][]byte, error)
	// Prune removes all data for heights below the given one.
	Prune(below uint64) error
	Close() error
}

// RecoveryResult describes how an engine was rebuilt after a restart
type RecoveryResult struct {
	Height       uint64
	View         types.ViewNumber
	FromSnapshot bool
	// Covered is the number of log entries already reflected in the snapshot
	Covered  int
	Replayed []ReplayResult
	Applied  int
	Skipped  int
}

// Persister writes consensus progress to a Store and rebuilds engines from
// it. Every store failure is wrapped in ErrPersistence.
//
// A saved checkpoint carries the length of the height's message log at the
// time it was taken. Recovery replays only the entries logged after it, so
// a message rejected before the checkpoint is never applied on top of it.
type Persister struct {
	store  Store
	logger *zap.Logger

	// log position of logHeight
	logHeight uint64
	logged    uint64
	logKnown  bool
}

// NewPersister creates a persister over store
func NewPersister(store Store, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, logger: logger.Named("persister")}
}

// syncLog positions the log counter at the end of height's log
func (p *Persister) syncLog(height uint64) error {
	if p.logKnown && p.logHeight == height {
		return nil
	}
	raw, err := p.store.Messages(height)
	if err != nil {
		return fmt.Errorf("%w: read message log at height %d: %v", ErrPersistence, height, err)
	}
	p.logHeight, p.logged, p.logKnown = height, uint64(len(raw)), true
	return nil
}

// RecordMessage appends msg to the log of its height. Called before the
// message is processed so a crash in between is covered by replay.
func (p *Persister) RecordMessage(msg *types.SignedMessage) error {
	if p.store == nil {
		return ErrNoStore
	}
	if err := p.syncLog(msg.Height); err != nil {
		return err
	}
	if err := p.store.AppendMessage(msg.Height, msg.Marshal()); err != nil {
		return fmt.Errorf("%w: append message at height %d: %v", ErrPersistence, msg.Height, err)
	}
	p.logged++
	return nil
}

// Checkpoint saves the engine's current snapshot with the log position it reflects
func (p *Persister) Checkpoint(e *DbftEngine) error {
	if p.store == nil {
		return ErrNoStore
	}
	snap := e.Snapshot()
	if err := p.syncLog(snap.Height); err != nil {
		return err
	}
	if err := p.store.SaveSnapshot(snap.Height, encodeCheckpoint(p.logged, snap)); err != nil {
		return fmt.Errorf("%w: save snapshot at height %d: %v", ErrPersistence, snap.Height, err)
	}
	return nil
}

// encodeCheckpoint prefixes the snapshot encoding with the covered log length
func encodeCheckpoint(logged uint64, snap *SnapshotState) []byte {
	e := types.NewEncoder(512)
	e.Uvarint(logged)
	e.VarBytes(snap.Marshal())
	return e.Bytes()
}

func decodeCheckpoint(data []byte) (uint64, *SnapshotState, error) {
	d := types.NewDecoder(data)
	logged := d.Uvarint(math.MaxUint32)
	raw := d.VarBytes(maxCheckpointSize)
	if err := d.Finish(); err != nil {
		return 0, nil, fmt.Errorf("checkpoint: %w", err)
	}
	snap, err := UnmarshalSnapshotState(raw)
	if err != nil {
		return 0, nil, err
	}
	return logged, snap, nil
}

// LatestHeight returns the highest height with a saved snapshot
func (p *Persister) LatestHeight() (uint64, bool, error) {
	if p.store == nil {
		return 0, false, ErrNoStore
	}
	h, ok, err := p.store.LatestHeight()
	if err != nil {
		return 0, false, fmt.Errorf("%w: latest height: %v", ErrPersistence, err)
	}
	return h, ok, nil
}

// Recover rebuilds the engine for height: the saved snapshot (or a fresh
// state) followed by a replay of the messages logged after it.
func (p *Persister) Recover(
	network uint32,
	height uint64,
	validators *types.ValidatorSet,
	verifier types.Verifier,
) (*DbftEngine, *RecoveryResult, error) {
	if p.store == nil {
		return nil, nil, ErrNoStore
	}

	result := &RecoveryResult{Height: height}

	var (
		eng     *DbftEngine
		covered uint64
	)
	data, found, err := p.store.LoadSnapshot(height)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load snapshot at height %d: %v", ErrPersistence, height, err)
	}
	if found {
		logged, snap, err := decodeCheckpoint(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrReplayFailed, err)
		}
		if snap.Height != height {
			return nil, nil, fmt.Errorf("%w: snapshot stored under %d has height %d", ErrReplayFailed, height, snap.Height)
		}
		state, err := RestoreState(snap, validators)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrReplayFailed, err)
		}
		eng = NewDbftEngineFromState(network, state, verifier)
		covered = logged
		result.FromSnapshot = true
	} else {
		eng, err = NewDbftEngine(network, height, validators, verifier)
		if err != nil {
			return nil, nil, err
		}
	}

	raw, err := p.store.Messages(height)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read message log at height %d: %v", ErrPersistence, height, err)
	}
	p.logHeight, p.logged, p.logKnown = height, uint64(len(raw)), true

	if covered > uint64(len(raw)) {
		p.logger.Warn("message log is shorter than its checkpoint",
			zap.Uint64("height", height), zap.Uint64("covered", covered), zap.Int("logged", len(raw)))
		covered = uint64(len(raw))
	}
	result.Covered = int(covered)

	msgs := make([]*types.SignedMessage, 0, len(raw)-int(covered))
	for i, b := range raw[covered:] {
		msg, err := types.UnmarshalSignedMessage(b)
		if err != nil {
			// A torn tail write is expected after a crash; anything else
			// in the log was written by us and decoded before.
			p.logger.Warn("skipping undecodable logged message",
				zap.Uint64("height", height), zap.Int("index", int(covered)+i), zap.Error(err))
			result.Skipped++
			continue
		}
		msgs = append(msgs, msg)
	}

	result.Replayed = eng.ReplayMessages(msgs)
	for _, r := range result.Replayed {
		if r.Applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}
	result.View = eng.View()

	p.logger.Info("recovered consensus state",
		zap.Uint64("height", height),
		zap.Uint8("view", uint8(result.View)),
		zap.Bool("from_snapshot", result.FromSnapshot),
		zap.Int("covered", result.Covered),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped))

	return eng, result, nil
}

// Prune drops persisted data for heights below the given one
func (p *Persister) Prune(below uint64) error {
	if p.store == nil {
		return ErrNoStore
	}
	if err := p.store.Prune(below); err != nil {
		return fmt.Errorf("%w: prune below %d: %v", ErrPersistence, below, err)
	}
	return nil
}

// Close closes the underlying store
func (p *Persister) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}
