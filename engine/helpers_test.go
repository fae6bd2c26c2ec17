package engine

import (
	"crypto/ed25519"
	"testing"

	"github.com/blockberries/dbftberry/types"
)

const testNetwork uint32 = 0x54455354

func viewNumber(v uint8) types.ViewNumber { return types.ViewNumber(v) }

// edVerifier checks ed25519 signatures
type edVerifier struct{}

func (edVerifier) Verify(pub types.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// testSigner signs for one committee member
type testSigner struct {
	priv ed25519.PrivateKey
}

func (s *testSigner) PubKey() types.PublicKey {
	return types.PublicKey(s.priv.Public().(ed25519.PublicKey))
}

func (s *testSigner) SignMessage(network uint32, msg *types.SignedMessage) error {
	msg.Signature = ed25519.Sign(s.priv, msg.SignBytes(network))
	return nil
}

// testCommittee is n deterministic ed25519 keys with a validator set whose
// index i belongs to signers[i].
type testCommittee struct {
	signers []*testSigner
	valSet  *types.ValidatorSet
}

func newTestCommittee(t *testing.T, n int) *testCommittee {
	t.Helper()

	c := &testCommittee{}
	vals := make([]*types.Validator, n)
	for i := 0; i < n; i++ {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		seed[1] = 0xdb
		s := &testSigner{priv: ed25519.NewKeyFromSeed(seed)}
		c.signers = append(c.signers, s)
		vals[i] = &types.Validator{Index: types.ValidatorID(i), PublicKey: s.PubKey()}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("failed to create validator set: %v", err)
	}
	c.valSet = vs
	return c
}

func (c *testCommittee) sign(t *testing.T, msg *types.SignedMessage) *types.SignedMessage {
	t.Helper()
	if err := c.signers[msg.Validator].SignMessage(testNetwork, msg); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return msg
}

func (c *testCommittee) engine(t *testing.T, height uint64) *DbftEngine {
	t.Helper()
	e, err := NewDbftEngine(testNetwork, height, c.valSet, edVerifier{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func testTxs(n int) []types.Hash {
	txs := make([]types.Hash, n)
	for i := range txs {
		txs[i] = types.HashBytes([]byte{byte(i), 0x77})
	}
	return txs
}

// prepareRequest builds a signed, self-consistent proposal from validator
func (c *testCommittee) prepareRequest(t *testing.T, validator types.ValidatorID, height uint64, view types.ViewNumber, txs []types.Hash) *types.SignedMessage {
	t.Helper()
	const timestamp = 1_700_000_000_000
	nonce := uint64(timestamp) ^ height
	return c.sign(t, &types.SignedMessage{
		Validator: validator,
		Height:    height,
		View:      view,
		Message: &types.PrepareRequest{
			ProposalHash: types.ComputeProposalHash(height, view, validator, timestamp, nonce, txs),
			Height:       height,
			Timestamp:    timestamp,
			Nonce:        nonce,
			TxHashes:     txs,
		},
	})
}

func (c *testCommittee) prepareResponse(t *testing.T, validator types.ValidatorID, height uint64, view types.ViewNumber, hash types.Hash) *types.SignedMessage {
	t.Helper()
	return c.sign(t, &types.SignedMessage{
		Validator: validator,
		Height:    height,
		View:      view,
		Message:   &types.PrepareResponse{ProposalHash: hash},
	})
}

func (c *testCommittee) commit(t *testing.T, validator types.ValidatorID, height uint64, view types.ViewNumber, hash types.Hash) *types.SignedMessage {
	t.Helper()
	return c.sign(t, &types.SignedMessage{
		Validator: validator,
		Height:    height,
		View:      view,
		Message:   &types.Commit{ProposalHash: hash},
	})
}

func (c *testCommittee) changeView(t *testing.T, validator types.ValidatorID, height uint64, view, newView types.ViewNumber, reason types.ChangeViewReason) *types.SignedMessage {
	t.Helper()
	return c.sign(t, &types.SignedMessage{
		Validator: validator,
		Height:    height,
		View:      view,
		Message:   &types.ChangeView{NewView: newView, Reason: reason, Timestamp: 1_700_000_000_000},
	})
}

func mustProcess(t *testing.T, e *DbftEngine, msg *types.SignedMessage) QuorumDecision {
	t.Helper()
	d, err := e.ProcessMessage(msg)
	if err != nil {
		t.Fatalf("ProcessMessage(%s from %d) failed: %v", msg.Kind(), msg.Validator, err)
	}
	return d
}

// memStore is an in-memory Store
type memStore struct {
	snapshots map[uint64][]byte
	logs      map[uint64][][]byte
	failWrite error
	closed    bool
}

func newMemStore() *memStore {
	return &memStore{
		snapshots: make(map[uint64][]byte),
		logs:      make(map[uint64][][]byte),
	}
}

func (m *memStore) SaveSnapshot(height uint64, data []byte) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	m.snapshots[height] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) LoadSnapshot(height uint64) ([]byte, bool, error) {
	data, ok := m.snapshots[height]
	return data, ok, nil
}

func (m *memStore) LatestHeight() (uint64, bool, error) {
	var latest uint64
	found := false
	for h := range m.snapshots {
		if !found || h > latest {
			latest, found = h, true
		}
	}
	return latest, found, nil
}

func (m *memStore) AppendMessage(height uint64, data []byte) error {
	if m.failWrite != nil {
		return m.failWrite
	}
	m.logs[height] = append(m.logs[height], append([]byte(nil), data...))
	return nil
}

func (m *memStore) Messages(height uint64) ([][]byte, error) {
	return m.logs[height], nil
}

func (m *memStore) Prune(below uint64) error {
	for h := range m.snapshots {
		if h < below {
			delete(m.snapshots, h)
		}
	}
	for h := range m.logs {
		if h < below {
			delete(m.logs, h)
		}
	}
	return nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}
