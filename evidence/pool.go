package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/engine"
	"github.com/blockberries/dbftberry/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrInvalidHeight     = errors.New("messages have different heights")
	ErrInvalidView       = errors.New("messages have different views")
	ErrInvalidKind       = errors.New("messages have different kinds")
	ErrInvalidValidator  = errors.New("messages from different validators")
	ErrSameContent       = errors.New("identical messages are not equivocation")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// MaxSeenMessages limits memory usage for equivocation detection.
// With 100 validators and 4 kinds per view this covers ~250 views.
const MaxSeenMessages = 100000

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is the maximum age of evidence that can be included in blocks
	MaxAge time.Duration
	// MaxAgeBlocks is the maximum block height age of evidence
	MaxAgeBlocks uint64
	// MaxBytes is the maximum size of evidence to include in a block
	MaxBytes int64
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge:       48 * time.Hour,
		MaxAgeBlocks: 100000,
		MaxBytes:     1048576, // 1MB
	}
}

// Pool manages Byzantine evidence
type Pool struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	// Pending evidence to include in blocks
	pending []*Evidence

	// Committed evidence (already included in blocks)
	committed map[string]struct{}

	// key: validator/height/view/kind
	seen map[string]*types.SignedMessage

	currentHeight uint64
	currentTime   time.Time
}

// NewPool creates a new evidence pool
func NewPool(config Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config:    config,
		logger:    logger.Named("evidence"),
		committed: make(map[string]struct{}),
		seen:      make(map[string]*types.SignedMessage),
	}
}

// Update updates the pool's knowledge of current height and time
func (p *Pool) Update(height uint64, blockTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	p.currentTime = blockTime

	p.pruneExpired()
}

// CheckMessage remembers msg and returns evidence if the same validator
// already signed a different message of the same kind for its height and view.
func (p *Pool) CheckMessage(msg *types.SignedMessage) *ConflictingMessagesEvidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := messageKey(msg)
	if existing, ok := p.seen[key]; ok {
		if existing.SameContent(msg) {
			return nil
		}
		return NewConflictingMessagesEvidence(existing, msg, p.now().UnixNano())
	}

	if len(p.seen) >= MaxSeenMessages {
		p.pruneOldestMessages(MaxSeenMessages / 10)
	}
	p.seen[key] = msg.Copy()
	return nil
}

// ReportConflict adds evidence for two authenticated messages that the
// consensus engine found in conflict
func (p *Pool) ReportConflict(existing, conflicting *types.SignedMessage) error {
	switch {
	case existing.Validator != conflicting.Validator:
		return ErrInvalidValidator
	case existing.Height != conflicting.Height:
		return ErrInvalidHeight
	case existing.View != conflicting.View:
		return ErrInvalidView
	case existing.Kind() != conflicting.Kind():
		return ErrInvalidKind
	}
	if existing.SameContent(conflicting) {
		return ErrSameContent
	}

	p.mu.RLock()
	ts := p.now().UnixNano()
	p.mu.RUnlock()

	cme := NewConflictingMessagesEvidence(existing, conflicting, ts)
	err := p.AddConflictingMessagesEvidence(cme)
	if errors.Is(err, ErrDuplicateEvidence) {
		return nil
	}
	if err == nil {
		p.logger.Warn("recorded equivocation evidence",
			zap.Uint16("validator", uint16(cme.Validator)),
			zap.Uint64("height", cme.Height),
			zap.Uint8("view", uint8(cme.View)),
			zap.Stringer("kind", cme.Kind))
	}
	return err
}

// AddEvidence adds verified evidence to the pool
func (p *Pool) AddEvidence(ev *Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.committed[key]; ok {
		return ErrDuplicateEvidence
	}
	for _, pending := range p.pending {
		if evidenceKey(pending) == key {
			return ErrDuplicateEvidence
		}
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	p.pending = append(p.pending, ev)
	return nil
}

// AddConflictingMessagesEvidence wraps cme in an envelope and adds it.
// The envelope time is left out of the duplicate key so the same pair
// reported twice is stored once.
func (p *Pool) AddConflictingMessagesEvidence(cme *ConflictingMessagesEvidence) error {
	data, err := cme.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize evidence: %w", err)
	}

	ev := &Evidence{
		Type:   TypeConflictingMessages,
		Height: cme.Height,
		Time:   cme.Timestamp,
		Data:   data,
	}
	return p.AddEvidence(ev)
}

// evidenceOverhead bounds the CBOR envelope around Data: map header, four
// keys, type, height, time and the byte string header
const evidenceOverhead = 29

func evidenceSize(ev *Evidence) int64 {
	return int64(evidenceOverhead + len(ev.Data))
}

// PendingEvidence returns evidence to include in blocks, up to maxBytes
func (p *Pool) PendingEvidence(maxBytes int64) []Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if maxBytes <= 0 {
		maxBytes = p.config.MaxBytes
	}

	var result []Evidence
	var totalSize int64
	for _, ev := range p.pending {
		evSize := evidenceSize(ev)
		if totalSize+evSize > maxBytes {
			break
		}
		result = append(result, *ev)
		totalSize += evSize
	}
	return result
}

// MarkCommitted marks evidence as committed (included in a block)
func (p *Pool) MarkCommitted(evidence []Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range evidence {
		p.committed[evidenceKey(&evidence[i])] = struct{}{}
	}
	p.removePending(evidence)
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *Pool) now() time.Time {
	if p.currentTime.IsZero() {
		return time.Now()
	}
	return p.currentTime
}

// pruneExpired removes expired evidence and old seen messages.
// Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	p.pending = slices.DeleteFunc(p.pending, p.isExpired)

	for key, msg := range p.seen {
		if p.tooOld(msg.Height) {
			delete(p.seen, key)
		}
	}
}

// pruneOldestMessages removes about n seen messages, lowest heights first.
// Caller must hold p.mu.
func (p *Pool) pruneOldestMessages(n int) {
	if n <= 0 || len(p.seen) == 0 {
		return
	}

	byHeight := make(map[uint64][]string)
	for key, msg := range p.seen {
		byHeight[msg.Height] = append(byHeight[msg.Height], key)
	}
	heights := make([]uint64, 0, len(byHeight))
	for h := range byHeight {
		heights = append(heights, h)
	}
	slices.Sort(heights)

	removed := 0
	for _, h := range heights {
		for _, key := range byHeight[h] {
			if removed >= n {
				return
			}
			delete(p.seen, key)
			removed++
		}
	}
}

func (p *Pool) tooOld(height uint64) bool {
	return p.currentHeight > height && p.currentHeight-height > p.config.MaxAgeBlocks
}

// isExpired checks if evidence is too old
func (p *Pool) isExpired(ev *Evidence) bool {
	if p.tooOld(ev.Height) {
		return true
	}
	return !p.currentTime.IsZero() && p.currentTime.Sub(time.Unix(0, ev.Time)) > p.config.MaxAge
}

// removePending removes evidence from the pending list
func (p *Pool) removePending(toRemove []Evidence) {
	removeSet := make(map[string]struct{}, len(toRemove))
	for i := range toRemove {
		removeSet[evidenceKey(&toRemove[i])] = struct{}{}
	}
	p.pending = slices.DeleteFunc(p.pending, func(ev *Evidence) bool {
		_, ok := removeSet[evidenceKey(ev)]
		return ok
	})
}

// messageKey returns a unique key for a message slot (for equivocation detection)
func messageKey(msg *types.SignedMessage) string {
	return fmt.Sprintf("%d/%d/%d/%d", msg.Validator, msg.Height, msg.View, msg.Kind())
}

// evidenceKey returns a unique key for evidence.
// Conflicting messages are keyed by the message pair alone.
func evidenceKey(ev *Evidence) string {
	if ev.Type == TypeConflictingMessages {
		if cme, err := UnmarshalConflictingMessagesEvidence(ev.Data); err == nil {
			h := sha256.New()
			h.Write(cme.MessageA)
			h.Write(cme.MessageB)
			return fmt.Sprintf("%d/%d/%x", ev.Type, ev.Height, h.Sum(nil)[:8])
		}
	}
	dataHash := sha256.Sum256(ev.Data)
	return fmt.Sprintf("%d/%d/%d/%x", ev.Type, ev.Height, ev.Time, dataHash[:8])
}

var _ engine.EvidenceReporter = (*Pool)(nil)
