package engine

import (
	"sync"
	"time"

	"github.com/blockberries/dbftberry/types"
)

// ValidatorBitmap efficiently tracks a subset of a committee
type ValidatorBitmap struct {
	mu    sync.RWMutex
	bits  []uint64
	count int
	size  int
}

// NewValidatorBitmap creates an empty bitmap sized for valSet
func NewValidatorBitmap(valSet *types.ValidatorSet) *ValidatorBitmap {
	size := valSet.Size()
	return &ValidatorBitmap{
		bits: make([]uint64, (size+63)/64),
		size: size,
	}
}

// Set marks a validator
func (vb *ValidatorBitmap) Set(id types.ValidatorID) {
	vb.mu.Lock()
	defer vb.mu.Unlock()

	if int(id) >= vb.size {
		return
	}
	word, mask := id/64, uint64(1)<<(id%64)
	if vb.bits[word]&mask == 0 {
		vb.bits[word] |= mask
		vb.count++
	}
}

// Has returns true if the validator is marked
func (vb *ValidatorBitmap) Has(id types.ValidatorID) bool {
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.hasUnlocked(id)
}

// hasUnlocked checks if id is set (caller must hold lock)
func (vb *ValidatorBitmap) hasUnlocked(id types.ValidatorID) bool {
	if int(id) >= vb.size {
		return false
	}
	return vb.bits[id/64]&(uint64(1)<<(id%64)) != 0
}

// Count returns the number of marked validators
func (vb *ValidatorBitmap) Count() int {
	vb.mu.RLock()
	defer vb.mu.RUnlock()
	return vb.count
}

// Missing returns the unmarked validators in ascending order
func (vb *ValidatorBitmap) Missing() []types.ValidatorID {
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	missing := make([]types.ValidatorID, 0, vb.size-vb.count)
	for i := 0; i < vb.size; i++ {
		if !vb.hasUnlocked(types.ValidatorID(i)) {
			missing = append(missing, types.ValidatorID(i))
		}
	}
	return missing
}

// Copy creates a copy of the bitmap
func (vb *ValidatorBitmap) Copy() *ValidatorBitmap {
	vb.mu.RLock()
	defer vb.mu.RUnlock()

	bits := make([]uint64, len(vb.bits))
	copy(bits, vb.bits)
	return &ValidatorBitmap{bits: bits, count: vb.count, size: vb.size}
}

type lastSeen struct {
	height uint64
	at     time.Time
}

// ValidatorActivity remembers the last height at which each validator was
// heard from. Entries are keyed by public key so they survive committee
// reordering across heights.
type ValidatorActivity struct {
	mu   sync.RWMutex
	seen map[string]lastSeen
}

// NewValidatorActivity creates an empty tracker
func NewValidatorActivity() *ValidatorActivity {
	return &ValidatorActivity{seen: make(map[string]lastSeen)}
}

// Observe records a message from pub at height. Older heights never
// overwrite newer ones.
func (va *ValidatorActivity) Observe(pub types.PublicKey, height uint64, at time.Time) {
	va.mu.Lock()
	defer va.mu.Unlock()

	key := string(pub)
	if prev, ok := va.seen[key]; ok && prev.height > height {
		return
	}
	va.seen[key] = lastSeen{height: height, at: at}
}

// Seed marks every member of valSet not yet observed as seen at height,
// so validators are only counted as lost after missing a full height.
func (va *ValidatorActivity) Seed(valSet *types.ValidatorSet, height uint64, at time.Time) {
	va.mu.Lock()
	defer va.mu.Unlock()

	for _, pub := range valSet.PublicKeys() {
		if _, ok := va.seen[string(pub)]; !ok {
			va.seen[string(pub)] = lastSeen{height: height, at: at}
		}
	}
}

// LastSeen returns the last height and time at which pub was heard from
func (va *ValidatorActivity) LastSeen(pub types.PublicKey) (uint64, time.Time, bool) {
	va.mu.RLock()
	defer va.mu.RUnlock()

	ls, ok := va.seen[string(pub)]
	return ls.height, ls.at, ok
}

// SeenSince returns the members of valSet heard from at or after height
func (va *ValidatorActivity) SeenSince(valSet *types.ValidatorSet, height uint64) *ValidatorBitmap {
	va.mu.RLock()
	defer va.mu.RUnlock()

	bm := NewValidatorBitmap(valSet)
	for i, pub := range valSet.PublicKeys() {
		if ls, ok := va.seen[string(pub)]; ok && ls.height >= height {
			bm.Set(types.ValidatorID(i))
		}
	}
	return bm
}

// CountFailed returns how many members of valSet look lost at height:
// never heard from, or last heard from before height-1. With no
// observations at all nothing is counted as failed.
func (va *ValidatorActivity) CountFailed(valSet *types.ValidatorSet, height uint64) int {
	va.mu.RLock()
	empty := len(va.seen) == 0
	va.mu.RUnlock()
	if empty {
		return 0
	}

	threshold := uint64(0)
	if height > 0 {
		threshold = height - 1
	}
	return len(va.SeenSince(valSet, threshold).Missing())
}
