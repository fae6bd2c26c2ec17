package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/types"
)

// Signer produces this node's signatures on consensus messages
type Signer interface {
	PubKey() types.PublicKey
	// SignMessage fills msg.Signature over msg.SignBytes(network).
	SignMessage(network uint32, msg *types.SignedMessage) error
}

// ValidatorProvider returns the committee for a height
type ValidatorProvider interface {
	ValidatorsAt(height uint64) (*types.ValidatorSet, error)
}

// StaticValidators serves the same committee at every height
type StaticValidators struct {
	Set *types.ValidatorSet
}

func (s StaticValidators) ValidatorsAt(uint64) (*types.ValidatorSet, error) {
	if s.Set.Size() == 0 {
		return nil, types.ErrNoValidators
	}
	return s.Set, nil
}

// EvidenceReporter receives pairs of conflicting messages signed by the same validator
type EvidenceReporter interface {
	ReportConflict(existing, conflicting *types.SignedMessage) error
}

// Command is an input to the Service
type Command interface{ isCommand() }

// StartCommand begins consensus on Height
type StartCommand struct {
	Height    uint64
	Timestamp time.Time
}

// ProcessMessageCommand delivers a message received from the network
type ProcessMessageCommand struct {
	Message *types.SignedMessage
}

// TimerTickCommand asks the service to check the view timeout at Timestamp
type TimerTickCommand struct {
	Timestamp time.Time
}

// TransactionsReceivedCommand answers a RequestTransactionsEvent
type TransactionsReceivedCommand struct {
	TxHashes []types.Hash
}

// RecoveryRequestCommand delivers a peer's request for the messages this
// node recorded at the current height
type RecoveryRequestCommand struct {
	Request *types.RecoveryRequest
}

// RecoveryMessageCommand delivers the messages a peer recorded
type RecoveryMessageCommand struct {
	Recovery *types.RecoveryMessage
}

// StopCommand stops the service after the commands queued before it
type StopCommand struct{}

func (StartCommand) isCommand()                {}
func (ProcessMessageCommand) isCommand()       {}
func (TimerTickCommand) isCommand()            {}
func (TransactionsReceivedCommand) isCommand() {}
func (RecoveryRequestCommand) isCommand()      {}
func (RecoveryMessageCommand) isCommand()      {}
func (StopCommand) isCommand()                 {}

// Event is an output of the Service
type Event interface{ isEvent() }

// BlockCommittedEvent reports a finalized block
type BlockCommittedEvent struct {
	Height    uint64
	BlockHash types.Hash
	Block     *types.BlockData
}

// ViewChangedEvent reports a view change at Height
type ViewChangedEvent struct {
	Height  uint64
	OldView types.ViewNumber
	NewView types.ViewNumber
}

// BroadcastMessageEvent asks the network layer to send a message to all validators
type BroadcastMessageEvent struct {
	Message *types.SignedMessage
	Payload []byte
}

// RequestTransactionsEvent asks the mempool for transactions to propose
type RequestTransactionsEvent struct {
	Height   uint64
	MaxCount int
}

// RecoveryRequestEvent asks the network layer to send a recovery request to
// all validators
type RecoveryRequestEvent struct {
	Request *types.RecoveryRequest
	Payload []byte
}

// RecoveryResponseEvent asks the network layer to send this node's recorded
// messages to one validator
type RecoveryResponseEvent struct {
	To       types.ValidatorID
	Recovery *types.RecoveryMessage
	Payload  []byte
}

func (BlockCommittedEvent) isEvent()      {}
func (ViewChangedEvent) isEvent()         {}
func (BroadcastMessageEvent) isEvent()    {}
func (RequestTransactionsEvent) isEvent() {}
func (RecoveryRequestEvent) isEvent()     {}
func (RecoveryResponseEvent) isEvent()    {}

// ErrServiceStopped is returned by Submit once Run has returned
var ErrServiceStopped = errors.New("consensus service stopped")

// ServiceOption configures optional Service collaborators
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock sets the time source
func WithClock(c Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithEvidence sets where conflicting messages are reported
func WithEvidence(r EvidenceReporter) ServiceOption {
	return func(s *Service) { s.evidence = r }
}

// WithActivity shares a validator activity tracker
func WithActivity(a *ValidatorActivity) ServiceOption {
	return func(s *Service) { s.activity = a }
}

// Service owns the live DbftEngine and exposes it through a command queue
// and an event channel. All engine access happens on the goroutine running Run.
type Service struct {
	config     *Config
	validators ValidatorProvider
	signer     Signer
	verifier   types.Verifier
	persister  *Persister

	logger   *zap.Logger
	metrics  *Metrics
	clock    Clock
	evidence EvidenceReporter
	activity *ValidatorActivity
	ticker   *TimeoutTicker
	seen     *expirable.LRU[types.Hash, struct{}]

	cmdCh   chan Command
	eventCh chan Event
	doneCh  chan struct{}
	started atomic.Bool

	// Owned by the Run goroutine
	engine    *DbftEngine
	active    bool
	me        types.ValidatorID
	validator bool
	viewStart time.Time
	resumed   bool
	answered  map[recoveryKey]struct{}
}

// recoveryKey identifies a recovery answer already sent at this height
type recoveryKey struct {
	to       types.ValidatorID
	view     types.ViewNumber
	messages int
}

// NewService creates a consensus service. signer may be nil for a
// non-validating observer; persister may be nil to run without durability.
func NewService(
	cfg *Config,
	validators ValidatorProvider,
	signer Signer,
	verifier types.Verifier,
	persister *Persister,
	opts ...ServiceOption,
) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if validators == nil || verifier == nil {
		return nil, errors.New("validator provider and verifier are required")
	}

	s := &Service{
		config:     cfg,
		validators: validators,
		signer:     signer,
		verifier:   verifier,
		persister:  persister,
		cmdCh:      make(chan Command, cfg.CommandBufferSize),
		eventCh:    make(chan Event, cfg.EventBufferSize),
		doneCh:     make(chan struct{}),
		answered:   make(map[recoveryKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("consensus")
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.activity == nil {
		s.activity = NewValidatorActivity()
	}
	s.ticker = NewTimeoutTicker(cfg.Timeouts, s.logger)
	s.seen = expirable.NewLRU[types.Hash, struct{}](cfg.MessageCacheSize, nil, cfg.MessageCacheTTL)
	return s, nil
}

// Events returns the event channel. It is closed when Run returns.
func (s *Service) Events() <-chan Event {
	return s.eventCh
}

// Done is closed when Run returns
func (s *Service) Done() <-chan struct{} {
	return s.doneCh
}

// Submit enqueues cmd. It blocks while the queue is full.
func (s *Service) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-s.doneCh:
		return ErrServiceStopped
	default:
	}
	select {
	case s.cmdCh <- cmd:
		return nil
	case <-s.doneCh:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands until Stop, context cancellation or a fatal
// persistence error, which is returned.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.doneCh)
	defer close(s.eventCh)

	s.ticker.Start()
	defer s.ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-s.cmdCh:
			if _, stop := cmd.(StopCommand); stop {
				s.logger.Info("stopping consensus service")
				return nil
			}
			err = s.handleCommand(ctx, cmd)

		case ti := <-s.ticker.Chan():
			if s.engine == nil || ti.Height != s.engine.Height() || ti.View != s.engine.View() {
				continue
			}
			err = s.onTimerTick(ctx, s.clock.Now())
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Error("fatal consensus error, stopping", zap.Error(err))
			return err
		}
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case StartCommand:
		return s.onStart(ctx, c.Height, c.Timestamp)
	case ProcessMessageCommand:
		return s.onMessage(ctx, c.Message)
	case TimerTickCommand:
		return s.onTimerTick(ctx, c.Timestamp)
	case TransactionsReceivedCommand:
		return s.onTransactions(ctx, c.TxHashes)
	case RecoveryRequestCommand:
		return s.onRecoveryRequest(ctx, c.Request)
	case RecoveryMessageCommand:
		return s.onRecoveryMessage(ctx, c.Recovery)
	default:
		s.logger.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
		return nil
	}
}

func (s *Service) onStart(ctx context.Context, height uint64, ts time.Time) error {
	if s.engine != nil && height < s.engine.Height() {
		s.logger.Warn("ignoring start for past height",
			zap.Uint64("height", height), zap.Uint64("current", s.engine.Height()))
		return nil
	}

	vals, err := s.validators.ValidatorsAt(height)
	if err == nil && vals.Size() == 0 {
		err = types.ErrNoValidators
	}
	if err != nil {
		s.active = false
		s.logger.Error("cannot start height without validators", zap.Uint64("height", height), zap.Error(err))
		return nil
	}

	switch {
	case s.engine == nil:
		if err := s.initEngine(height, vals); err != nil {
			return err
		}
	case height > s.engine.Height():
		if err := s.engine.AdvanceHeight(height, vals); err != nil {
			s.logger.Error("failed to advance height", zap.Uint64("height", height), zap.Error(err))
			return nil
		}
		s.seen.Purge()
		clear(s.answered)
		if err := s.checkpoint(); err != nil {
			return err
		}
		if err := s.prune(height); err != nil {
			return err
		}
	}

	s.active = true
	s.viewStart = ts
	s.activity.Seed(vals, height, ts)
	s.identify()
	s.metrics.setPosition(height, s.engine.View())
	s.scheduleTimeout()

	s.logger.Info("started height",
		zap.Uint64("height", height),
		zap.Uint8("view", uint8(s.engine.View())),
		zap.Int("validators", vals.Size()),
		zap.Bool("validator", s.validator),
		zap.Uint16("primary", uint16(s.engine.Primary())))

	if s.resumed {
		// Peers may have moved on while this node was down.
		s.resumed = false
		if err := s.requestRecovery(ctx); err != nil {
			return err
		}
	}

	if s.engine.Committed() {
		// Committed before a restart; hand the block to the ledger again.
		return s.emitCommitted(ctx, s.commitDecision())
	}

	if err := s.requestTransactionsIfPrimary(ctx); err != nil {
		return err
	}
	return s.react(ctx)
}

// initEngine builds the first engine, recovering persisted progress.
func (s *Service) initEngine(height uint64, vals *types.ValidatorSet) error {
	if s.persister == nil {
		eng, err := NewDbftEngine(s.config.Network, height, vals, s.verifier)
		if err != nil {
			return err
		}
		s.engine = eng
		return nil
	}

	eng, result, err := s.persister.Recover(s.config.Network, height, vals, s.verifier)
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			return err
		}
		// A snapshot that no longer matches the committee is discarded.
		s.logger.Error("recovery failed, starting height fresh", zap.Uint64("height", height), zap.Error(err))
		eng, err = NewDbftEngine(s.config.Network, height, vals, s.verifier)
		if err != nil {
			return err
		}
	} else if result.Applied > 0 || result.FromSnapshot {
		s.resumed = true
		s.logger.Info("resumed from persisted state",
			zap.Uint64("height", height),
			zap.Uint8("view", uint8(result.View)),
			zap.Int("replayed", result.Applied))
	}
	s.engine = eng
	return s.checkpoint()
}

// identify finds this node's position in the current committee
func (s *Service) identify() {
	s.validator = false
	if s.signer == nil {
		return
	}
	if v, ok := s.engine.Validators().GetByKey(s.signer.PubKey()); ok {
		s.me = v.Index
		s.validator = true
	}
}

func (s *Service) isPrimary() bool {
	return s.validator && s.engine.Primary() == s.me
}

func (s *Service) requestTransactionsIfPrimary(ctx context.Context) error {
	if !s.isPrimary() || s.engine.HasMessage(types.PrepareRequestKind, s.me) {
		return nil
	}
	s.logger.Info("initiating block proposal as primary",
		zap.Uint64("height", s.engine.Height()), zap.Uint8("view", uint8(s.engine.View())))
	return s.emit(ctx, RequestTransactionsEvent{
		Height:   s.engine.Height(),
		MaxCount: s.config.MaxTransactionsPerBlock,
	})
}

func (s *Service) onMessage(ctx context.Context, msg *types.SignedMessage) error {
	if msg == nil || !s.active {
		return nil
	}
	if err := msg.ValidateBasic(); err != nil {
		s.metrics.Messages.WithLabelValues("unknown", resultLabel(err)).Inc()
		s.logger.Debug("dropping malformed message", zap.Error(err))
		return nil
	}

	hash := msg.Hash()
	if s.seen.Contains(hash) {
		s.metrics.DroppedDuplicate.Inc()
		return nil
	}

	if req, ok := msg.Message.(*types.PrepareRequest); ok {
		if err := s.checkPrepareRequest(msg, req); err != nil {
			s.seen.Add(hash, struct{}{})
			s.metrics.observeMessage(msg.Kind(), err, 0)
			s.logger.Warn("rejected prepare request", zap.Uint16("validator", uint16(msg.Validator)), zap.Error(err))
			return nil
		}
	}

	decision, accepted, err := s.deliver(msg)
	if err != nil || !accepted {
		return err
	}
	if err := s.handleDecision(ctx, decision); err != nil {
		return err
	}
	return s.react(ctx)
}

func (s *Service) checkPrepareRequest(msg *types.SignedMessage, req *types.PrepareRequest) error {
	if len(req.TxHashes) > s.config.MaxTransactionsPerBlock {
		return fmt.Errorf("%w: %d transactions exceeds %d", ErrInvalidMessage, len(req.TxHashes), s.config.MaxTransactionsPerBlock)
	}
	want := types.ComputeProposalHash(msg.Height, msg.View, msg.Validator, req.Timestamp, req.Nonce, req.TxHashes)
	if want != req.ProposalHash {
		return fmt.Errorf("%w: proposal hash %s does not match contents %s", ErrInvalidMessage, req.ProposalHash.ShortString(), want.ShortString())
	}
	return nil
}

// deliver logs msg, runs it through the engine and checkpoints the result.
// Only persistence failures are returned as errors; rejections are logged
// and reported through accepted=false.
func (s *Service) deliver(msg *types.SignedMessage) (QuorumDecision, bool, error) {
	if s.persister != nil && msg.Height == s.engine.Height() {
		if err := s.persister.RecordMessage(msg); err != nil {
			return Pending, false, err
		}
	}

	start := time.Now()
	decision, err := s.engine.ProcessMessage(msg)
	s.metrics.observeMessage(msg.Kind(), err, time.Since(start))

	// Early arrivals stay deliverable; a rebroadcast may be the only copy.
	if err == nil || !s.arrivedEarly(msg, err) {
		s.seen.Add(msg.Hash(), struct{}{})
	}

	if err == nil || !isUnauthenticated(err) {
		if v, ok := s.engine.Validators().Get(msg.Validator); ok && msg.Height == s.engine.Height() {
			s.activity.Observe(v.PublicKey, msg.Height, s.clock.Now())
		}
	}

	if err != nil {
		s.onRejected(msg, err)
		return Pending, false, nil
	}

	if err := s.checkpoint(); err != nil {
		return Pending, false, err
	}
	return decision, true, nil
}

// arrivedEarly reports whether msg was rejected only because this node has
// not caught up with it yet: no proposal, or a future height or view.
func (s *Service) arrivedEarly(msg *types.SignedMessage, err error) bool {
	switch {
	case errors.Is(err, ErrMissingProposal):
		return true
	case errors.Is(err, ErrInvalidHeight):
		return msg.Height > s.engine.Height()
	case errors.Is(err, ErrInvalidView):
		return msg.View > s.engine.View()
	}
	return false
}

func isUnauthenticated(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrUnknownValidator) || errors.Is(err, ErrInvalidMessage)
}

func (s *Service) onRejected(msg *types.SignedMessage, err error) {
	fields := []zap.Field{
		zap.Stringer("kind", msg.Kind()),
		zap.Uint16("validator", uint16(msg.Validator)),
		zap.Uint64("height", msg.Height),
		zap.Uint8("view", uint8(msg.View)),
		zap.Error(err),
	}

	if !IsEquivocation(err) {
		s.logger.Debug("rejected consensus message", fields...)
		return
	}

	// Equivocation needs both messages signed for one height, view and kind.
	// A change view kept from an earlier view is not a conflict.
	existing, ok := s.engine.Message(msg.Kind(), msg.Validator)
	if !ok || existing.Height != msg.Height || existing.View != msg.View || existing.SameContent(msg) {
		s.logger.Debug("rejected consensus message", fields...)
		return
	}

	s.logger.Warn("conflicting messages from validator", fields...)
	s.metrics.Evidence.Inc()
	if s.evidence != nil {
		if rerr := s.evidence.ReportConflict(existing.Copy(), msg.Copy()); rerr != nil {
			s.logger.Warn("failed to record evidence", zap.Error(rerr))
		}
	}
}

func (s *Service) handleDecision(ctx context.Context, d QuorumDecision) error {
	switch d.Type {
	case DecisionViewChange:
		s.metrics.ViewChanges.Inc()
		s.metrics.setPosition(s.engine.Height(), d.NewView)
		s.logger.Info("view changed",
			zap.Uint64("height", s.engine.Height()),
			zap.Uint8("old_view", uint8(d.OldView)),
			zap.Uint8("new_view", uint8(d.NewView)),
			zap.Uint16("primary", uint16(s.engine.Primary())),
			zap.Any("missing", d.Missing))

		s.viewStart = s.clock.Now()
		s.scheduleTimeout()
		if err := s.emit(ctx, ViewChangedEvent{Height: s.engine.Height(), OldView: d.OldView, NewView: d.NewView}); err != nil {
			return err
		}
		return s.requestTransactionsIfPrimary(ctx)

	case DecisionCommit:
		s.metrics.CommittedBlocks.Inc()
		return s.emitCommitted(ctx, d)
	}
	return nil
}

// commitDecision rebuilds the commit decision of a committed engine
func (s *Service) commitDecision() QuorumDecision {
	hash, _ := s.engine.Proposal()
	return QuorumDecision{
		Type:         DecisionCommit,
		ProposalHash: hash,
		Signatures:   collectSignatures(s.engine.State().Participation(types.CommitKind)),
	}
}

func (s *Service) emitCommitted(ctx context.Context, d QuorumDecision) error {
	primary := s.engine.Primary()
	reqMsg, ok := s.engine.Message(types.PrepareRequestKind, primary)
	if !ok {
		// Unreachable: a commit quorum implies a recorded proposal.
		s.logger.Error("commit reached without a prepare request", zap.Uint64("height", s.engine.Height()))
		return nil
	}
	req := reqMsg.Message.(*types.PrepareRequest)
	vals := s.engine.Validators()

	block := &types.BlockData{
		Index:              s.engine.Height(),
		View:               s.engine.View(),
		Timestamp:          req.Timestamp,
		Nonce:              req.Nonce,
		PrimaryIndex:       primary,
		TxHashes:           slices.Clone(req.TxHashes),
		Signatures:         d.Signatures,
		ValidatorKeys:      vals.PublicKeys(),
		RequiredSignatures: vals.Quorum(),
	}

	s.logger.Info("block committed",
		zap.Uint64("height", block.Index),
		zap.Uint8("view", uint8(block.View)),
		zap.Stringer("hash", d.ProposalHash),
		zap.Int("txs", len(block.TxHashes)),
		zap.Int("signatures", len(block.Signatures)))

	return s.emit(ctx, BlockCommittedEvent{Height: block.Index, BlockHash: d.ProposalHash, Block: block})
}

// react sends whatever this node owes the protocol in the current state:
// a PrepareResponse to a fresh proposal, a Commit once prepared, or a
// ChangeView joining more than f validators that already asked for one.
func (s *Service) react(ctx context.Context) error {
	for i := 0; i < 4; i++ {
		acted, err := s.reactOnce(ctx)
		if err != nil || !acted {
			return err
		}
	}
	return nil
}

func (s *Service) reactOnce(ctx context.Context) (bool, error) {
	if !s.active || !s.validator || s.engine.Committed() {
		return false, nil
	}
	eng := s.engine
	sentCommit := eng.HasMessage(types.CommitKind, s.me)
	viewChanging := eng.HasMessage(types.ChangeViewKind, s.me)

	if hash, ok := eng.Proposal(); ok && !viewChanging {
		if !s.isPrimary() && !eng.HasMessage(types.PrepareResponseKind, s.me) {
			return s.sendOwn(ctx, &types.PrepareResponse{ProposalHash: hash})
		}
		if eng.Prepared() && !sentCommit {
			return s.sendOwn(ctx, &types.Commit{ProposalHash: hash})
		}
	}

	if !viewChanging && !sentCommit {
		f := eng.Validators().F()
		for _, target := range eng.State().Participation(types.ChangeViewKind).Targets() {
			if len(eng.ChangeViewSupport(target)) > f {
				return s.sendOwn(ctx, &types.ChangeView{
					NewView:   target,
					Reason:    types.ReasonChangeAgreement,
					Timestamp: uint64(s.clock.Now().UnixMilli()),
				})
			}
		}
	}
	return false, nil
}

// sendOwn signs m for the current view, runs it through the engine like
// any peer message and broadcasts it.
func (s *Service) sendOwn(ctx context.Context, m types.ConsensusMessage) (bool, error) {
	if !s.validator {
		s.logger.Warn("validator action refused", zap.Stringer("kind", m.Kind()), zap.Error(ErrNotValidator))
		return false, nil
	}

	msg := &types.SignedMessage{
		Validator: s.me,
		Height:    s.engine.Height(),
		View:      s.engine.View(),
		Message:   m,
	}
	if err := s.signer.SignMessage(s.config.Network, msg); err != nil {
		s.logger.Error("failed to sign message", zap.Stringer("kind", m.Kind()), zap.Error(err))
		return false, nil
	}

	decision, accepted, err := s.deliver(msg)
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, nil
	}

	s.logger.Debug("sending consensus message",
		zap.Stringer("kind", m.Kind()),
		zap.Uint64("height", msg.Height),
		zap.Uint8("view", uint8(msg.View)))
	if err := s.broadcast(ctx, msg); err != nil {
		return false, err
	}
	if err := s.handleDecision(ctx, decision); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) broadcast(ctx context.Context, msg *types.SignedMessage) error {
	return s.emit(ctx, BroadcastMessageEvent{Message: msg.Copy(), Payload: msg.Marshal()})
}

func (s *Service) onTransactions(ctx context.Context, txs []types.Hash) error {
	if !s.active || !s.isPrimary() || s.engine.Committed() {
		return nil
	}
	if s.engine.HasMessage(types.PrepareRequestKind, s.me) || s.engine.HasMessage(types.ChangeViewKind, s.me) {
		return nil
	}
	if len(txs) > s.config.MaxTransactionsPerBlock {
		txs = txs[:s.config.MaxTransactionsPerBlock]
	}

	height, view := s.engine.Height(), s.engine.View()
	timestamp := uint64(s.clock.Now().UnixMilli())
	nonce := timestamp ^ height
	txs = slices.Clone(txs)

	req := &types.PrepareRequest{
		ProposalHash: types.ComputeProposalHash(height, view, s.me, timestamp, nonce, txs),
		Height:       height,
		Timestamp:    timestamp,
		Nonce:        nonce,
		TxHashes:     txs,
	}
	if _, err := s.sendOwn(ctx, req); err != nil {
		return err
	}
	return s.react(ctx)
}

func (s *Service) onTimerTick(ctx context.Context, now time.Time) error {
	if !s.active || s.engine == nil {
		return nil
	}
	deadline := s.viewStart.Add(s.config.Timeouts.ViewTimeout(s.engine.View()))
	if now.Before(deadline) {
		return nil
	}
	s.viewStart = now
	s.scheduleTimeout()

	if !s.validator {
		return nil
	}

	eng := s.engine
	if eng.Committed() || eng.HasMessage(types.CommitKind, s.me) {
		// Committed nodes never leave the view; help the others catch up.
		return s.rebroadcastOwn(ctx, types.CommitKind)
	}

	if s.moreThanFCommittedOrLost() {
		s.logger.Warn("more than f validators committed or lost, retransmitting instead of changing view",
			zap.Uint64("height", eng.Height()), zap.Uint8("view", uint8(eng.View())))
		if err := s.rebroadcastOwn(ctx, types.PrepareRequestKind, types.PrepareResponseKind, types.ChangeViewKind); err != nil {
			return err
		}
		return s.requestRecovery(ctx)
	}

	if eng.HasMessage(types.ChangeViewKind, s.me) {
		return s.rebroadcastOwn(ctx, types.ChangeViewKind)
	}

	return s.requestChangeView(ctx, types.ReasonTimeout)
}

func (s *Service) requestChangeView(ctx context.Context, reason types.ChangeViewReason) error {
	eng := s.engine
	newView := eng.View() + 1
	if newView == 0 {
		s.logger.Error("view number exhausted", zap.Uint64("height", eng.Height()))
		return nil
	}
	s.logger.Warn("requesting view change",
		zap.Uint64("height", eng.Height()),
		zap.Uint8("view", uint8(eng.View())),
		zap.Uint8("new_view", uint8(newView)),
		zap.Stringer("reason", reason))

	if _, err := s.sendOwn(ctx, &types.ChangeView{
		NewView:   newView,
		Reason:    reason,
		Timestamp: uint64(s.clock.Now().UnixMilli()),
	}); err != nil {
		return err
	}
	return s.react(ctx)
}

func (s *Service) moreThanFCommittedOrLost() bool {
	eng := s.engine
	committed := eng.State().Participation(types.CommitKind).Size()
	failed := s.activity.CountFailed(eng.Validators(), eng.Height())
	return committed+failed > eng.Validators().F()
}

func (s *Service) rebroadcastOwn(ctx context.Context, kinds ...types.MessageKind) error {
	for _, kind := range kinds {
		if msg, ok := s.engine.Message(kind, s.me); ok {
			if err := s.broadcast(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestRecovery asks the committee for the messages this node may have missed
func (s *Service) requestRecovery(ctx context.Context) error {
	if !s.validator {
		return nil
	}
	req := &types.RecoveryRequest{
		Validator: s.me,
		Height:    s.engine.Height(),
		View:      s.engine.View(),
		Timestamp: uint64(s.clock.Now().UnixMilli()),
	}
	s.logger.Info("requesting recovery",
		zap.Uint64("height", req.Height), zap.Uint8("view", uint8(req.View)))
	return s.emit(ctx, RecoveryRequestEvent{Request: req, Payload: req.Marshal()})
}

func (s *Service) onRecoveryRequest(ctx context.Context, req *types.RecoveryRequest) error {
	if req == nil || !s.active || !s.validator || req.Height != s.engine.Height() || req.Validator == s.me {
		return nil
	}
	if _, ok := s.engine.Validators().Get(req.Validator); !ok {
		s.logger.Debug("recovery request from unknown validator", zap.Uint16("validator", uint16(req.Validator)))
		return nil
	}
	if !s.shouldAnswerRecovery(req.Validator) {
		return nil
	}

	msgs := s.recoveryMessages()
	key := recoveryKey{to: req.Validator, view: s.engine.View(), messages: len(msgs)}
	if _, dup := s.answered[key]; dup || len(msgs) == 0 {
		return nil
	}
	s.answered[key] = struct{}{}

	rm := &types.RecoveryMessage{
		Validator: s.me,
		Height:    s.engine.Height(),
		View:      s.engine.View(),
		Messages:  msgs,
	}
	s.logger.Debug("answering recovery request",
		zap.Uint16("to", uint16(req.Validator)),
		zap.Uint8("view", uint8(rm.View)),
		zap.Int("messages", len(msgs)))
	return s.emit(ctx, RecoveryResponseEvent{To: req.Validator, Recovery: rm, Payload: rm.Marshal()})
}

// shouldAnswerRecovery limits answers to validators that have committed and
// the f+1 validators following the requester.
func (s *Service) shouldAnswerRecovery(requester types.ValidatorID) bool {
	if s.engine.HasMessage(types.CommitKind, s.me) {
		return true
	}
	vals := s.engine.Validators()
	n := vals.Size()
	for offset := 1; offset <= vals.F()+1; offset++ {
		if types.ValidatorID((int(requester)+offset)%n) == s.me {
			return true
		}
	}
	return false
}

// recoveryMessages collects the recorded messages in the order a receiver
// can apply them.
func (s *Service) recoveryMessages() []*types.SignedMessage {
	var msgs []*types.SignedMessage
	ids := s.engine.Validators().IDs()
	for _, kind := range []types.MessageKind{types.ChangeViewKind, types.PrepareRequestKind, types.PrepareResponseKind, types.CommitKind} {
		for _, id := range ids {
			if msg, ok := s.engine.Message(kind, id); ok {
				msgs = append(msgs, msg.Copy())
			}
		}
	}
	return msgs
}

func (s *Service) onRecoveryMessage(ctx context.Context, rm *types.RecoveryMessage) error {
	if rm == nil || !s.active || rm.Height != s.engine.Height() {
		return nil
	}
	if err := rm.ValidateBasic(); err != nil {
		s.logger.Debug("dropping malformed recovery message", zap.Error(err))
		return nil
	}
	s.logger.Debug("processing recovery message",
		zap.Uint16("from", uint16(rm.Validator)),
		zap.Uint8("view", uint8(rm.View)),
		zap.Int("messages", len(rm.Messages)))
	for _, msg := range rm.Messages {
		if err := s.onMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) scheduleTimeout() {
	s.ticker.ScheduleTimeout(TimeoutInfo{Height: s.engine.Height(), View: s.engine.View()})
}

func (s *Service) checkpoint() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Checkpoint(s.engine)
}

func (s *Service) prune(height uint64) error {
	if s.persister == nil || s.config.SnapshotRetention == 0 || height <= s.config.SnapshotRetention {
		return nil
	}
	return s.persister.Prune(height - s.config.SnapshotRetention)
}

func (s *Service) emit(ctx context.Context, ev Event) error {
	select {
	case s.eventCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
