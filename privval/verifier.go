package privval

import (
	"crypto/ed25519"

	"github.com/blockberries/dbftberry/types"
)

// Ed25519Verifier checks ed25519 signatures against committee keys
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pub types.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

var _ types.Verifier = Ed25519Verifier{}
