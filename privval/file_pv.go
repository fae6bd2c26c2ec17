package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/dbftberry/engine"
	"github.com/blockberries/dbftberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
	dirPerm       = 0700
)

// FilePV is a file-based private validator
type FilePV struct {
	mu sync.Mutex

	// Key file path
	keyFilePath string
	// State file path
	stateFilePath string

	// Key material
	pubKey  types.PublicKey
	privKey ed25519.PrivateKey

	// Last sign state (for double-sign prevention)
	lastSignState LastSignState
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	PubKey  []byte `json:"pub_key"`
	PrivKey []byte `json:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	Height        uint64 `json:"height"`
	View          uint8  `json:"view"`
	Step          int8   `json:"step"`
	Signature     []byte `json:"signature,omitempty"`
	SignBytesHash []byte `json:"sign_bytes_hash,omitempty"`
}

// NewFilePV loads a private validator, generating a key file if none exists
func NewFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
	}

	if err := pv.loadKey(); err != nil {
		return nil, err
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new file-based private validator
func GenerateFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewFilePVWithKey(privKey, keyFilePath, stateFilePath)
}

// NewFilePVWithKey writes privKey and an empty sign state to the given paths
func NewFilePVWithKey(privKey ed25519.PrivateKey, keyFilePath, stateFilePath string) (*FilePV, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size %d", len(privKey))
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		pubKey:        types.PublicKey(privKey.Public().(ed25519.PublicKey)),
		privKey:       privKey,
	}

	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// loadKey loads the key from file, generating if it doesn't exist
func (pv *FilePV) loadKey() error {
	data, err := os.ReadFile(pv.keyFilePath)
	if os.IsNotExist(err) {
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		pv.pubKey = types.PublicKey(pubKey)
		pv.privKey = privKey
		return pv.saveKey()
	}
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse key file: %w", err)
	}

	if len(key.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size")
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size")
	}
	priv := ed25519.PrivateKey(key.PrivKey)
	if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(key.PubKey)) {
		return fmt.Errorf("public key does not match private key")
	}

	pv.pubKey = types.PublicKey(key.PubKey)
	pv.privKey = priv
	return nil
}

// saveKey saves the key to file
func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		PubKey:  pv.pubKey,
		PrivKey: pv.privKey,
	}

	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := writeFileAtomic(pv.keyFilePath, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// loadState loads the state from file
func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	pv.lastSignState = LastSignState{
		Height:    state.Height,
		View:      types.ViewNumber(state.View),
		Step:      Step(state.Step),
		Signature: state.Signature,
	}
	if len(state.SignBytesHash) > 0 {
		h, err := types.NewHash(state.SignBytesHash)
		if err != nil {
			return fmt.Errorf("failed to parse state file: %w", err)
		}
		pv.lastSignState.SignBytesHash = h
	}
	return nil
}

// saveState saves the state to file
func (pv *FilePV) saveState() error {
	state := FilePVState{
		Height:    pv.lastSignState.Height,
		View:      uint8(pv.lastSignState.View),
		Step:      int8(pv.lastSignState.Step),
		Signature: pv.lastSignState.Signature,
	}
	if !pv.lastSignState.SignBytesHash.IsZero() {
		state.SignBytesHash = pv.lastSignState.SignBytesHash.Bytes()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := writeFileAtomic(pv.stateFilePath, data, stateFilePerm); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temporary file in the same directory, syncs
// it and renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// PubKey returns the public key
func (pv *FilePV) PubKey() types.PublicKey {
	return pv.pubKey
}

// SignMessage signs msg for network unless doing so could equivocate.
// Signing the exact message signed last returns the stored signature.
func (pv *FilePV) SignMessage(network uint32, msg *types.SignedMessage) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	if err := msg.ValidateBasic(); err != nil {
		return err
	}
	step, err := StepFor(msg.Kind())
	if err != nil {
		return err
	}

	signBytes := msg.SignBytes(network)
	if err := pv.lastSignState.CheckHVS(msg.Height, msg.View, step); err != nil {
		if err == ErrDoubleSign && pv.lastSignState.isSameMessage(signBytes) {
			msg.Signature = append([]byte(nil), pv.lastSignState.Signature...)
			return nil
		}
		return fmt.Errorf("%w: %s at height %d view %d", err, msg.Kind(), msg.Height, msg.View)
	}

	sig := ed25519.Sign(pv.privKey, signBytes)

	prev := pv.lastSignState
	pv.lastSignState = LastSignState{
		Height:        msg.Height,
		View:          msg.View,
		Step:          step,
		Signature:     sig,
		SignBytesHash: types.HashBytes(signBytes),
	}

	// The state reaches disk before the signature leaves this function
	if err := pv.saveState(); err != nil {
		pv.lastSignState = prev
		return err
	}
	msg.Signature = sig
	return nil
}

// LastSignState returns a copy of the last sign state
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	lss := pv.lastSignState
	lss.Signature = append([]byte(nil), lss.Signature...)
	return lss
}

// Reset resets the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

// Ensure FilePV implements engine.Signer
var _ engine.Signer = (*FilePV)(nil)
