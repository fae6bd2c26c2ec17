// Package types defines the core data structures for the dbftberry consensus protocol.
//
// # Core Types
//
// ValidatorSet: The immutable committee for one height. Validators are
// identified by their position (ValidatorID) in canonical public-key order.
// The primary for (height, view) is (height + view) mod n, and a quorum is
// n - f where f = (n-1)/3.
//
// SignedMessage: A consensus message (PrepareRequest, PrepareResponse,
// Commit or ChangeView) together with the sender's id, height, view and
// signature.
//
// BlockData: The proposal fields plus collected commit signatures, handed to
// the ledger once a block is committed.
//
// # Serialization
//
// Messages use a fixed binary layout: big-endian fixed-width integers and
// uvarint-prefixed collections (see Encoder and Decoder). Signatures cover
// the network magic followed by the unsigned encoding, see SignBytes.
//
// # Hashing
//
// Proposals and messages use SHA-256. Hash is a [32]byte value type and
// can be used directly as a map key.
//
// # Usage Example
//
//	valSet, err := types.NewValidatorSetFromKeys(keys)
//	primary, err := valSet.PrimaryID(height, view)
//
//	msg := &types.SignedMessage{
//	    Validator: 1,
//	    Height:    height,
//	    View:      0,
//	    Message:   &types.PrepareResponse{ProposalHash: h},
//	}
//	err = signer.SignMessage(network, msg)
package types
