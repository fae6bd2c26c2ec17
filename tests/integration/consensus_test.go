package integration

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockberries/dbftberry/engine"
	"github.com/blockberries/dbftberry/evidence"
	"github.com/blockberries/dbftberry/logging"
	"github.com/blockberries/dbftberry/privval"
	"github.com/blockberries/dbftberry/store"
	"github.com/blockberries/dbftberry/types"
	"github.com/blockberries/dbftberry/wal"
)

const waitTimeout = 10 * time.Second

// TestNode is one validator in an in-process network
type TestNode struct {
	Index   types.ValidatorID
	Service *engine.Service
	PrivVal *privval.FilePV
	Store   *store.WALStore
	Pool    *evidence.Pool
	cancel  context.CancelFunc
	runErr  chan error
	logs    io.Closer
}

type envelope struct {
	from types.ValidatorID
	ev   engine.Event
}

type commitRecord struct {
	node types.ValidatorID
	ev   engine.BlockCommittedEvent
}

type heldCommand struct {
	to  types.ValidatorID
	cmd engine.Command
}

// testNetwork delivers broadcasts through a single goroutine, so every
// node's command queue sees messages in causal order unless hold says
// otherwise
type testNetwork struct {
	// held while an event is delivered and while commands go to every node
	mu sync.Mutex

	dir     string
	cfg     *engine.Config
	valSet  *types.ValidatorSet
	pvs     map[types.ValidatorID]*privval.FilePV
	nodes   map[types.ValidatorID]*TestNode
	bus     chan envelope
	commits chan commitRecord
	txs     []types.Hash
	ctx     context.Context
	cancel  context.CancelFunc

	// hold returns true for commands to keep back until release
	hold func(to types.ValidatorID, cmd engine.Command) bool
	held []heldCommand
}

func newTestNetwork(t *testing.T, n int) *testNetwork {
	t.Helper()
	dir := t.TempDir()

	keys := make([]types.PublicKey, n)
	pvList := make([]*privval.FilePV, n)
	for i := range n {
		pv, err := privval.GenerateFilePV(
			filepath.Join(dir, fmt.Sprintf("node%d", i), "priv_validator_key.json"),
			filepath.Join(dir, fmt.Sprintf("node%d", i), "priv_validator_state.json"))
		if err != nil {
			t.Fatalf("failed to create private validator: %v", err)
		}
		keys[i], pvList[i] = pv.PubKey(), pv
	}
	valSet, err := types.NewValidatorSetFromKeys(keys)
	if err != nil {
		t.Fatalf("failed to create validator set: %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Timeouts.BlockTime = time.Hour

	net := &testNetwork{
		dir:     dir,
		cfg:     cfg,
		valSet:  valSet,
		pvs:     make(map[types.ValidatorID]*privval.FilePV),
		nodes:   make(map[types.ValidatorID]*TestNode),
		bus:     make(chan envelope, 1024),
		commits: make(chan commitRecord, 64),
		txs:     []types.Hash{types.HashBytes([]byte("tx1")), types.HashBytes([]byte("tx2"))},
	}
	for _, pv := range pvList {
		v, _ := valSet.GetByKey(pv.PubKey())
		net.pvs[v.Index] = pv
	}
	return net
}

// start runs the services of the given validators; the rest stay offline
func (net *testNetwork) start(t *testing.T, online ...types.ValidatorID) {
	t.Helper()
	net.ctx, net.cancel = context.WithCancel(context.Background())

	for _, id := range online {
		net.nodes[id] = net.startNode(t, id)
	}
	go net.dispatch(net.ctx)

	t.Cleanup(func() {
		net.cancel()
		for _, node := range net.nodes {
			node.close()
		}
	})
}

// startNode runs validator id over its on-disk store, resuming whatever
// the store holds
func (net *testNetwork) startNode(t *testing.T, id types.ValidatorID) *TestNode {
	t.Helper()
	nodeDir := filepath.Join(net.dir, fmt.Sprintf("node%d", id))

	logCfg := logging.DefaultConfig()
	logCfg.Level = "debug"
	logCfg.Sampling = false
	logCfg.OutputPath = filepath.Join(nodeDir, "consensus.log")
	logCfg.NodeID = fmt.Sprintf("node%d", id)
	logger, logs, err := logging.New(logCfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	st, err := store.OpenWALStore(wal.Config{Dir: filepath.Join(nodeDir, "wal")}, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	pool := evidence.NewPool(evidence.DefaultConfig(), logger)
	svc, err := engine.NewService(net.cfg, engine.StaticValidators{Set: net.valSet},
		net.pvs[id], privval.Ed25519Verifier{}, engine.NewPersister(st, logger),
		engine.WithLogger(logger),
		engine.WithMetrics(engine.NewMetrics(prometheus.NewRegistry())),
		engine.WithEvidence(pool))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx, cancel := context.WithCancel(net.ctx)
	node := &TestNode{
		Index:   id,
		Service: svc,
		PrivVal: net.pvs[id],
		Store:   st,
		Pool:    pool,
		cancel:  cancel,
		runErr:  make(chan error, 1),
		logs:    logs,
	}
	go func() { node.runErr <- svc.Run(ctx) }()
	go func() {
		for ev := range svc.Events() {
			net.bus <- envelope{from: id, ev: ev}
		}
	}()
	return node
}

// close stops the node and releases its store and log file
func (n *TestNode) close() {
	n.cancel()
	<-n.runErr
	n.Store.Close()
	n.logs.Close()
}

// restart stops validator id without a clean shutdown of its height and
// starts it again over the same store
func (net *testNetwork) restart(t *testing.T, id types.ValidatorID) *TestNode {
	t.Helper()
	net.mu.Lock()
	defer net.mu.Unlock()

	net.nodes[id].close()
	node := net.startNode(t, id)
	net.nodes[id] = node
	return node
}

func (net *testNetwork) dispatch(ctx context.Context) {
	for {
		var env envelope
		select {
		case <-ctx.Done():
			return
		case env = <-net.bus:
		}

		net.mu.Lock()
		net.deliver(ctx, env)
		net.mu.Unlock()
	}
}

func (net *testNetwork) deliver(ctx context.Context, env envelope) {
	switch ev := env.ev.(type) {
	case engine.BroadcastMessageEvent:
		for id := range net.nodes {
			if id != env.from {
				net.send(ctx, id, engine.ProcessMessageCommand{Message: ev.Message.Copy()})
			}
		}
	case engine.RecoveryRequestEvent:
		req, err := types.UnmarshalRecoveryRequest(ev.Payload)
		if err != nil {
			panic(fmt.Sprintf("undecodable recovery request from %d: %v", env.from, err))
		}
		for id := range net.nodes {
			if id != env.from {
				net.send(ctx, id, engine.RecoveryRequestCommand{Request: req})
			}
		}
	case engine.RecoveryResponseEvent:
		rm, err := types.UnmarshalRecoveryMessage(ev.Payload)
		if err != nil {
			panic(fmt.Sprintf("undecodable recovery message from %d: %v", env.from, err))
		}
		if _, ok := net.nodes[ev.To]; ok {
			net.send(ctx, ev.To, engine.RecoveryMessageCommand{Recovery: rm})
		}
	case engine.RequestTransactionsEvent:
		net.send(ctx, env.from, engine.TransactionsReceivedCommand{TxHashes: net.txs})
	case engine.BlockCommittedEvent:
		select {
		case net.commits <- commitRecord{node: env.from, ev: ev}:
		case <-ctx.Done():
		}
	}
}

// send submits cmd to node to, or keeps it back when hold asks for it.
// Called with mu held.
func (net *testNetwork) send(ctx context.Context, to types.ValidatorID, cmd engine.Command) {
	if net.hold != nil && net.hold(to, cmd) {
		net.held = append(net.held, heldCommand{to: to, cmd: cmd})
		return
	}
	// A stopped node drops its input
	_ = net.nodes[to].Service.Submit(ctx, cmd)
}

// holdBack keeps every command matching hold from reaching its node
func (net *testNetwork) holdBack(hold func(to types.ValidatorID, cmd engine.Command) bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.hold = hold
}

// release stops holding and delivers the held commands in arrival order
func (net *testNetwork) release(t *testing.T) {
	t.Helper()
	net.mu.Lock()
	defer net.mu.Unlock()
	net.hold = nil
	for _, h := range net.held {
		if err := net.nodes[h.to].Service.Submit(context.Background(), h.cmd); err != nil {
			t.Fatalf("node %d: submit failed: %v", h.to, err)
		}
	}
	net.held = nil
}

// discardHeld stops holding and drops the held commands
func (net *testNetwork) discardHeld() {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.hold = nil
	net.held = nil
}

// submitAll queues cmd at every node before any further broadcast is
// delivered, so no node sees messages of a height it has not started
func (net *testNetwork) submitAll(t *testing.T, cmd engine.Command) {
	t.Helper()
	net.mu.Lock()
	defer net.mu.Unlock()
	for _, node := range net.nodes {
		if err := node.Service.Submit(context.Background(), cmd); err != nil {
			t.Fatalf("node %d: submit failed: %v", node.Index, err)
		}
	}
}

// awaitCommits waits until every online node committed height and checks
// they agree on the block
func (net *testNetwork) awaitCommits(t *testing.T, height uint64) *types.BlockData {
	t.Helper()
	ids := make([]types.ValidatorID, 0, len(net.nodes))
	for id := range net.nodes {
		ids = append(ids, id)
	}
	return net.awaitCommitsFrom(t, height, ids...)
}

// awaitCommitsFrom waits until the given nodes committed height
func (net *testNetwork) awaitCommitsFrom(t *testing.T, height uint64, ids ...types.ValidatorID) *types.BlockData {
	t.Helper()
	deadline := time.After(waitTimeout)
	want := make(map[types.ValidatorID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	got := make(map[types.ValidatorID]engine.BlockCommittedEvent)

	for len(got) < len(want) {
		select {
		case rec := <-net.commits:
			if rec.ev.Height != height {
				t.Fatalf("node %d committed height %d, expected %d", rec.node, rec.ev.Height, height)
			}
			if want[rec.node] {
				got[rec.node] = rec.ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for height %d: %d of %d nodes committed", height, len(got), len(want))
		}
	}

	var first *engine.BlockCommittedEvent
	for id, ev := range got {
		if first == nil {
			first = &ev
			continue
		}
		if ev.BlockHash != first.BlockHash {
			t.Errorf("node %d committed %s, another node committed %s", id, ev.BlockHash.ShortString(), first.BlockHash.ShortString())
		}
	}
	if err := types.VerifyBlockData(net.cfg.Network, net.valSet, first.Block, privval.Ed25519Verifier{}); err != nil {
		t.Errorf("committed block does not verify: %v", err)
	}
	return first.Block
}

// TestConsensusFourValidators verifies that four honest validators commit
// consecutive heights with a rotating primary
func TestConsensusFourValidators(t *testing.T) {
	net := newTestNetwork(t, 4)
	net.start(t, 0, 1, 2, 3)

	for height := uint64(1); height <= 3; height++ {
		net.submitAll(t, engine.StartCommand{Height: height, Timestamp: time.Now()})
		block := net.awaitCommits(t, height)

		wantPrimary, _ := net.valSet.PrimaryID(height, 0)
		if block.Index != height || block.View != 0 || block.PrimaryIndex != wantPrimary {
			t.Errorf("height %d: unexpected block index=%d view=%d primary=%d", height, block.Index, block.View, block.PrimaryIndex)
		}
		if len(block.TxHashes) != len(net.txs) {
			t.Errorf("height %d: expected %d transactions, got %d", height, len(net.txs), len(block.TxHashes))
		}
	}

	for _, node := range net.nodes {
		if node.Pool.Size() != 0 {
			t.Errorf("node %d recorded evidence among honest validators", node.Index)
		}
		if lss := node.PrivVal.LastSignState(); lss.Height != 3 || lss.Step != privval.StepCommit {
			t.Errorf("node %d: expected last signature to be the height 3 commit, got %+v", node.Index, lss)
		}
	}
}

// TestConsensusBackupOffline verifies that a quorum commits without one backup
func TestConsensusBackupOffline(t *testing.T) {
	net := newTestNetwork(t, 4)
	primary, _ := net.valSet.PrimaryID(1, 0)
	offline := (primary + 1) % 4

	var online []types.ValidatorID
	for id := types.ValidatorID(0); id < 4; id++ {
		if id != offline {
			online = append(online, id)
		}
	}
	net.start(t, online...)

	net.submitAll(t, engine.StartCommand{Height: 1, Timestamp: time.Now()})
	block := net.awaitCommits(t, 1)
	if len(block.Signatures) != 3 {
		t.Errorf("expected 3 commit signatures, got %d", len(block.Signatures))
	}
}

// TestConsensusPrimaryOffline verifies that the validators time out, agree
// on the next view and commit under the next primary
func TestConsensusPrimaryOffline(t *testing.T) {
	net := newTestNetwork(t, 4)
	primary, _ := net.valSet.PrimaryID(1, 0)

	var online []types.ValidatorID
	for id := types.ValidatorID(0); id < 4; id++ {
		if id != primary {
			online = append(online, id)
		}
	}
	net.start(t, online...)

	start := time.Now()
	net.submitAll(t, engine.StartCommand{Height: 1, Timestamp: start})
	net.submitAll(t, engine.TimerTickCommand{Timestamp: start.Add(2 * net.cfg.Timeouts.BlockTime)})

	block := net.awaitCommits(t, 1)
	nextPrimary, _ := net.valSet.PrimaryID(1, 1)
	if block.View != 1 || block.PrimaryIndex != nextPrimary {
		t.Errorf("expected commit in view 1 by %d, got view %d by %d", nextPrimary, block.View, block.PrimaryIndex)
	}
}

// TestConsensusProposalArrivesLast verifies a backup that receives the
// proposal after every response and commit still commits the same block
func TestConsensusProposalArrivesLast(t *testing.T) {
	net := newTestNetwork(t, 4)
	primary, _ := net.valSet.PrimaryID(1, 0)
	late := (primary + 1) % 4

	var others []types.ValidatorID
	for id := types.ValidatorID(0); id < 4; id++ {
		if id != late {
			others = append(others, id)
		}
	}

	net.holdBack(func(to types.ValidatorID, cmd engine.Command) bool {
		pm, ok := cmd.(engine.ProcessMessageCommand)
		return ok && to == late && pm.Message.Kind() == types.PrepareRequestKind
	})
	net.start(t, 0, 1, 2, 3)

	start := time.Now()
	net.submitAll(t, engine.StartCommand{Height: 1, Timestamp: start})
	block := net.awaitCommitsFrom(t, 1, others...)

	net.release(t)
	// The committed nodes retransmit their commits, the late node then asks
	// for the responses it dropped
	net.submitAll(t, engine.TimerTickCommand{Timestamp: start.Add(2 * net.cfg.Timeouts.BlockTime)})
	net.submitAll(t, engine.TimerTickCommand{Timestamp: start.Add(4 * net.cfg.Timeouts.BlockTime)})

	lateBlock := net.awaitCommitsFrom(t, 1, late)
	if lateBlock.ProposalHash() != block.ProposalHash() {
		t.Errorf("late node committed %s, others committed %s", lateBlock.ProposalHash().ShortString(), block.ProposalHash().ShortString())
	}
	for _, node := range net.nodes {
		if node.Pool.Size() != 0 {
			t.Errorf("node %d recorded evidence among honest validators", node.Index)
		}
	}
}

// TestConsensusRestartRecovers verifies a validator that went down while
// the others committed resumes from its store and catches up from its peers
func TestConsensusRestartRecovers(t *testing.T) {
	net := newTestNetwork(t, 4)
	primary, _ := net.valSet.PrimaryID(1, 0)
	victim := (primary + 2) % 4

	var others []types.ValidatorID
	for id := types.ValidatorID(0); id < 4; id++ {
		if id != victim {
			others = append(others, id)
		}
	}

	net.holdBack(func(to types.ValidatorID, _ engine.Command) bool { return to == victim })
	net.start(t, 0, 1, 2, 3)

	start := time.Now()
	net.submitAll(t, engine.StartCommand{Height: 1, Timestamp: start})
	block := net.awaitCommitsFrom(t, 1, others...)

	net.discardHeld()
	node := net.restart(t, victim)
	if err := node.Service.Submit(context.Background(), engine.StartCommand{Height: 1, Timestamp: start}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	recovered := net.awaitCommitsFrom(t, 1, victim)
	if recovered.ProposalHash() != block.ProposalHash() {
		t.Errorf("restarted node committed %s, others committed %s", recovered.ProposalHash().ShortString(), block.ProposalHash().ShortString())
	}
	if lss := node.PrivVal.LastSignState(); lss.Height != 1 || lss.Step != privval.StepCommit {
		t.Errorf("expected the restarted node to sign its commit, got %+v", lss)
	}
}
