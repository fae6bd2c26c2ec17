package types

import (
	"errors"
	"fmt"
	"slices"
)

// Commit verification errors
var (
	ErrInvalidCommit          = errors.New("invalid commit")
	ErrInsufficientSignatures = errors.New("insufficient commit signatures")
	ErrInvalidCommitSignature = errors.New("invalid signature in commit")
	ErrDuplicateCommitSig     = errors.New("duplicate signature in commit")
	ErrUnknownCommitValidator = errors.New("unknown validator in commit")
)

// Verifier checks a signature made with a validator's committee key.
type Verifier interface {
	Verify(pub PublicKey, msg, sig []byte) bool
}

// CommitSignature is one validator's signature over its Commit message.
type CommitSignature struct {
	Validator ValidatorID
	Signature []byte
}

// BlockData carries everything the ledger needs to assemble a committed block.
type BlockData struct {
	Index              uint64
	View               ViewNumber
	Timestamp          uint64
	Nonce              uint64
	PrimaryIndex       ValidatorID
	TxHashes           []Hash
	Signatures         []CommitSignature
	ValidatorKeys      []PublicKey
	RequiredSignatures int
}

// ComputeProposalHash derives the proposal hash from the fields of a
// PrepareRequest. Backups recompute it to reject malformed proposals.
func ComputeProposalHash(height uint64, view ViewNumber, primary ValidatorID, timestamp, nonce uint64, txs []Hash) Hash {
	e := NewEncoder(32 + len(txs)*HashSize)
	e.Uint64(height)
	e.Uint8(uint8(view))
	e.Uint16(uint16(primary))
	e.Uint64(timestamp)
	e.Uint64(nonce)
	e.Uvarint(uint64(len(txs)))
	for _, h := range txs {
		e.Hash(h)
	}
	return HashBytes(e.Bytes())
}

// ProposalHash recomputes the proposal hash for this block
func (b *BlockData) ProposalHash() Hash {
	return ComputeProposalHash(b.Index, b.View, b.PrimaryIndex, b.Timestamp, b.Nonce, b.TxHashes)
}

// Copy returns a deep copy
func (b *BlockData) Copy() *BlockData {
	if b == nil {
		return nil
	}
	c := *b
	c.TxHashes = slices.Clone(b.TxHashes)
	c.Signatures = make([]CommitSignature, len(b.Signatures))
	for i, s := range b.Signatures {
		c.Signatures[i] = CommitSignature{Validator: s.Validator, Signature: slices.Clone(s.Signature)}
	}
	c.ValidatorKeys = make([]PublicKey, len(b.ValidatorKeys))
	for i, k := range b.ValidatorKeys {
		c.ValidatorKeys[i] = slices.Clone(k)
	}
	return &c
}

// VerifyBlockData checks that b carries at least quorum valid commit
// signatures from distinct members of valSet.
func VerifyBlockData(network uint32, valSet *ValidatorSet, b *BlockData, verifier Verifier) error {
	if b == nil {
		return ErrInvalidCommit
	}
	if len(b.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures", ErrInvalidCommit)
	}

	hash := b.ProposalHash()
	seen := make(map[ValidatorID]bool, len(b.Signatures))

	for _, sig := range b.Signatures {
		if seen[sig.Validator] {
			return fmt.Errorf("%w: validator %d appears twice", ErrDuplicateCommitSig, sig.Validator)
		}
		seen[sig.Validator] = true

		val, ok := valSet.Get(sig.Validator)
		if !ok {
			return fmt.Errorf("%w: index %d", ErrUnknownCommitValidator, sig.Validator)
		}

		msg := &SignedMessage{
			Validator: sig.Validator,
			Height:    b.Index,
			View:      b.View,
			Message:   &Commit{ProposalHash: hash},
		}
		if !verifier.Verify(val.PublicKey, msg.SignBytes(network), sig.Signature) {
			return fmt.Errorf("%w: validator %d", ErrInvalidCommitSignature, sig.Validator)
		}
	}

	if len(seen) < valSet.Quorum() {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSignatures, len(seen), valSet.Quorum())
	}
	return nil
}
