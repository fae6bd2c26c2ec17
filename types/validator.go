package types

import (
	"errors"
	"fmt"
	"slices"
)

// ValidatorID is a validator's position in the committee's canonical ordering.
type ValidatorID uint16

// MaxValidators is the maximum committee size
const MaxValidators = 21

// Errors
var (
	ErrNoValidators       = errors.New("no validators")
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrTooManyValidators  = errors.New("too many validators")
	ErrInvalidValidator   = errors.New("invalid validator")
)

// Validator describes one committee member.
type Validator struct {
	Index     ValidatorID
	PublicKey PublicKey
}

// ValidatorSet is the committee for a single height. It is never mutated
// after construction; a new set is built when the committee changes.
type ValidatorSet struct {
	validators []*Validator
	byKey      map[string]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators. Each validator's
// Index must equal its position in the slice.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		validators: make([]*Validator, len(validators)),
		byKey:      make(map[string]*Validator, len(validators)),
	}

	for i, v := range validators {
		if v == nil {
			return nil, fmt.Errorf("%w: nil validator at %d", ErrInvalidValidator, i)
		}
		if int(v.Index) != i {
			return nil, fmt.Errorf("%w: validator at position %d has index %d", ErrInvalidValidator, i, v.Index)
		}
		key, err := NewPublicKey(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: validator %d: %v", ErrInvalidValidator, i, err)
		}
		if _, exists := vs.byKey[string(key)]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, key)
		}

		val := &Validator{Index: ValidatorID(i), PublicKey: key}
		vs.validators[i] = val
		vs.byKey[string(key)] = val
	}

	return vs, nil
}

// NewValidatorSetFromKeys builds a set in canonical order: keys sorted by
// their raw bytes, indices assigned by position.
func NewValidatorSetFromKeys(keys []PublicKey) (*ValidatorSet, error) {
	sorted := make([]PublicKey, len(keys))
	copy(sorted, keys)
	slices.SortFunc(sorted, func(a, b PublicKey) int { return a.Compare(b) })

	vals := make([]*Validator, len(sorted))
	for i, k := range sorted {
		vals[i] = &Validator{Index: ValidatorID(i), PublicKey: k}
	}
	return NewValidatorSet(vals)
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	if vs == nil {
		return 0
	}
	return len(vs.validators)
}

// F returns the number of faulty validators tolerated: (n-1)/3
func (vs *ValidatorSet) F() int {
	n := vs.Size()
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum returns n - f, the number of matching messages needed to progress.
func (vs *ValidatorSet) Quorum() int {
	return vs.Size() - vs.F()
}

// PrimaryID returns the validator expected to propose at (height, view).
func (vs *ValidatorSet) PrimaryID(height uint64, view ViewNumber) (ValidatorID, error) {
	n := uint64(vs.Size())
	if n == 0 {
		return 0, ErrNoValidators
	}
	// (height + view) mod n without overflowing on height near MaxUint64
	return ValidatorID((height%n + uint64(view)%n) % n), nil
}

// IndexOf returns the position of id in the set
func (vs *ValidatorSet) IndexOf(id ValidatorID) (int, bool) {
	if int(id) >= vs.Size() {
		return 0, false
	}
	return int(id), true
}

// Get returns a validator by id
func (vs *ValidatorSet) Get(id ValidatorID) (*Validator, bool) {
	idx, ok := vs.IndexOf(id)
	if !ok {
		return nil, false
	}
	return vs.validators[idx], true
}

// GetByKey returns the validator holding the given public key
func (vs *ValidatorSet) GetByKey(pub PublicKey) (*Validator, bool) {
	if vs == nil {
		return nil, false
	}
	v, ok := vs.byKey[string(pub)]
	return v, ok
}

// IDs returns every validator id in ascending order
func (vs *ValidatorSet) IDs() []ValidatorID {
	ids := make([]ValidatorID, vs.Size())
	for i := range ids {
		ids[i] = ValidatorID(i)
	}
	return ids
}

// PublicKeys returns copies of all keys in canonical order
func (vs *ValidatorSet) PublicKeys() []PublicKey {
	keys := make([]PublicKey, vs.Size())
	for i, v := range vs.validators {
		keys[i] = MustNewPublicKey(v.PublicKey)
	}
	return keys
}

// Hash computes a deterministic hash of the committee.
func (vs *ValidatorSet) Hash() Hash {
	buf := make([]byte, 0, vs.Size()*(PublicKeySize+2))
	for _, v := range vs.validators {
		buf = append(buf, byte(v.Index>>8), byte(v.Index))
		buf = append(buf, v.PublicKey...)
	}
	return HashBytes(buf)
}
