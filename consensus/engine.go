package consensus

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Broadcaster delivers signed payloads to the rest of the committee.
type Broadcaster interface {
	Broadcast(p *Payload) error
	SendTo(id ValidatorID, p *Payload) error
}

// Ledger receives the finalized block exactly once per height.
type Ledger interface {
	FinalizeBlock(height uint64, proposal *PrepareRequest, witness *Witness) error
}

// WitnessSignature is one validator's block signature.
type WitnessSignature struct {
	ValidatorID ValidatorID
	Signature   [64]byte
}

// Witness proves quorum agreement on the finalized block. Signatures
// are in committee order and there are exactly Required of them.
type Witness struct {
	Required   int
	Signatures []WitnessSignature
}

// EngineOptions wires an engine to its environment.
type EngineOptions struct {
	Network     uint32
	Validators  *ValidatorSet
	LocalKey    ed25519.PublicKey
	Signer      Signer
	Broadcaster Broadcaster
	Ledger      Ledger
	Store       Store
	Logger      hclog.Logger
	Metrics     *Metrics
	BaseTimeout time.Duration
	Clock       func() time.Time
}

// Engine is the deterministic consensus state machine for one node.
// It owns a State and mutates it only from the caller's goroutine:
// callers must serialize ProcessMessage, OnTimerTick and Start.
type Engine struct {
	network    uint32
	validators *ValidatorSet
	state      *State
	signer     Signer
	bc         Broadcaster
	ledger     Ledger
	store      Store
	logger     hclog.Logger
	metrics    *Metrics
	clock      func() time.Time

	myID        ValidatorID
	isValidator bool

	running bool

	prevHash   [32]byte
	version    uint32
	pendingTxs [][32]byte
}

// NewEngine builds an engine. The local key may be outside the
// committee; Start will then refuse to run.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Validators == nil {
		return nil, fmt.Errorf("nil validator set")
	}
	if opts.Signer == nil || opts.Broadcaster == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("signer, broadcaster and ledger are required")
	}
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		network:    opts.Network,
		validators: opts.Validators,
		state:      NewState(opts.BaseTimeout),
		signer:     opts.Signer,
		bc:         opts.Broadcaster,
		ledger:     opts.Ledger,
		store:      opts.Store,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}
	e.myID, e.isValidator = opts.Validators.IndexByKey(opts.LocalKey)
	return e, nil
}

// State exposes the round state for inspection. Callers must not
// retain it across engine calls.
func (e *Engine) State() *State {
	return e.state
}

// Start begins consensus for a height. prevHash and version describe
// the chain tip, txs are the hashes this node would propose if it is
// or becomes the primary.
func (e *Engine) Start(height uint64, prevHash [32]byte, version uint32, txs [][32]byte) error {
	if !e.isValidator {
		return ErrNotValidator
	}
	now := e.clock()
	e.state.ResetForNewBlock(height, now)
	e.prevHash = prevHash
	e.version = version
	e.pendingTxs = txs
	e.running = true
	e.logger.Info("starting consensus round", "height", height, "primary", e.validators.PrimaryID(height, 0))
	if e.metrics != nil {
		e.metrics.Height.Set(float64(height))
		e.metrics.View.Set(0)
	}
	if e.validators.PrimaryID(height, 0) == e.myID {
		if err := e.sendPrepareRequest(); err != nil {
			return err
		}
	}
	e.persist()
	return nil
}

// ProcessMessage runs one inbound payload through admission and
// dispatch. A nil return means the message was either applied or
// deliberately ignored; errors describe rejected messages and are safe
// to log and drop.
func (e *Engine) ProcessMessage(p *Payload) error {
	if !e.running {
		return ErrNotRunning
	}
	if p.Network != e.network {
		return fmt.Errorf("%w: payload for network %d", ErrInvalidProposal, p.Network)
	}
	digest := p.Digest()
	if !e.state.MarkSeen(digest) {
		return nil
	}
	sender, ok := e.validators.Get(p.ValidatorID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, p.ValidatorID)
	}
	if p.Height > e.state.Height {
		e.logger.Debug("ignoring message for a future block",
			"kind", KindName(p.Kind), "msg_height", p.Height, "height", e.state.Height)
		return nil
	}
	if p.Height < e.state.Height {
		return &WrongBlockError{Expected: e.state.Height, Got: p.Height}
	}
	if !e.signer.Verify(sender.PublicKey, digest[:], p.Signature) {
		return fmt.Errorf("%w: from validator %d", ErrSignatureInvalid, p.ValidatorID)
	}
	e.state.UpdateLastSeen(p.ValidatorID, p.Height)
	if e.metrics != nil {
		e.metrics.MessagesReceived.WithLabelValues(KindName(p.Kind)).Inc()
	}
	switch p.Kind {
	case PrepareRequestKind, PrepareResponseKind:
		if p.View != e.state.View {
			e.logger.Debug("dropping message for other view",
				"kind", KindName(p.Kind), "msg_view", p.View, "view", e.state.View)
			return nil
		}
	}
	switch p.Kind {
	case PrepareRequestKind:
		req := &PrepareRequest{}
		if err := req.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onPrepareRequest(p, req)
	case PrepareResponseKind:
		resp := &PrepareResponse{}
		if err := resp.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onPrepareResponse(p, resp)
	case CommitKind:
		c := &Commit{}
		if err := c.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onCommit(p, c)
	case ChangeViewKind:
		cv := &ChangeView{}
		if err := cv.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onChangeView(p, cv)
	case RecoveryRequestKind:
		rr := &RecoveryRequest{}
		if err := rr.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onRecoveryRequest(p, rr)
	case RecoveryMessageKind:
		rm := &RecoveryMessage{}
		if err := rm.UnmarshalBinary(p.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return e.onRecoveryMessage(p, rm)
	}
	return fmt.Errorf("%w: unknown message kind %d", ErrInvalidProposal, p.Kind)
}

// OnTimerTick checks the view timer. When the view has expired it
// requests a view change, or recovery when a view change can no longer
// gather quorum, and re-arms the timer.
func (e *Engine) OnTimerTick() error {
	if !e.running {
		return nil
	}
	now := e.clock()
	if !e.state.IsTimedOut(now) {
		return nil
	}
	e.state.RestartTimer(now)
	e.logger.Warn("view timed out", "height", e.state.Height, "view", e.state.View)
	return e.requestChangeView(ReasonTimeout)
}

func (e *Engine) onPrepareRequest(p *Payload, req *PrepareRequest) error {
	if e.validators.PrimaryID(e.state.Height, p.View) != p.ValidatorID {
		return fmt.Errorf("%w: prepare request from non-primary %d", ErrInvalidProposal, p.ValidatorID)
	}
	if e.state.hasProposal {
		return nil
	}
	if req.PrevHash != e.prevHash {
		return fmt.Errorf("%w: proposal extends the wrong parent", ErrInvalidProposal)
	}
	hash := ProposalHash(e.network, e.state.Height, req)
	if e.state.hasPreparationHash && e.state.preparationHash != hash {
		return fmt.Errorf("%w: proposal does not match recovered hash", ErrInvalidProposal)
	}
	e.state.proposal = req
	e.state.proposalHash = hash
	e.state.hasProposal = true
	e.state.proposalSender = p.ValidatorID
	e.state.proposalInvocation = p.Signature
	e.logger.Debug("accepted proposal", "height", e.state.Height, "view", p.View, "txs", len(req.TxHashes))

	for id, early := range e.state.earlyResponses {
		delete(e.state.earlyResponses, id)
		resp := &PrepareResponse{}
		if err := resp.UnmarshalBinary(early.Data); err != nil {
			continue
		}
		if resp.PreparationHash == hash {
			e.state.responses[id] = early.Signature
		}
	}

	if !e.state.responseSent && p.ValidatorID != e.myID {
		resp := &PrepareResponse{PreparationHash: hash}
		out, err := e.makePayload(PrepareResponseKind, e.state.View, resp)
		if err != nil {
			return err
		}
		e.state.responses[e.myID] = out.Signature
		e.state.responseSent = true
		e.broadcast(out)
	}
	e.checkPreparations()
	e.persist()
	return nil
}

func (e *Engine) onPrepareResponse(p *Payload, resp *PrepareResponse) error {
	hash, ok := e.state.ProposalHash()
	if !ok {
		if _, dup := e.state.earlyResponses[p.ValidatorID]; !dup {
			e.state.earlyResponses[p.ValidatorID] = p
		}
		return nil
	}
	if resp.PreparationHash != hash {
		e.logger.Debug("preparation vote for a different proposal", "validator", p.ValidatorID)
		return nil
	}
	if _, dup := e.state.responses[p.ValidatorID]; dup {
		return nil
	}
	e.state.responses[p.ValidatorID] = p.Signature
	e.checkPreparations()
	e.persist()
	return nil
}

func (e *Engine) onCommit(p *Payload, c *Commit) error {
	if _, dup := e.state.commits[p.ValidatorID]; dup {
		return nil
	}
	e.state.commits[p.ValidatorID] = commitVote{
		View:       p.View,
		Signature:  c.BlockSignature,
		Invocation: p.Signature,
	}
	e.checkCommits()
	e.persist()
	return nil
}

func (e *Engine) onChangeView(p *Payload, cv *ChangeView) error {
	if p.View == 255 {
		return fmt.Errorf("%w: change view from view 255", ErrViewNumberOverflow)
	}
	if cv.NewViewNumber != p.View+1 {
		return fmt.Errorf("%w: change view targets view %d from view %d",
			ErrInvalidProposal, cv.NewViewNumber, p.View)
	}
	prev, seen := e.state.changeViews[p.ValidatorID]
	if seen && prev.NewView >= cv.NewViewNumber {
		return nil
	}
	e.state.changeViews[p.ValidatorID] = changeViewVote{
		NewView:    cv.NewViewNumber,
		Reason:     cv.Reason,
		Timestamp:  cv.Timestamp,
		Invocation: p.Signature,
	}
	e.tryAdvanceView()
	e.persist()
	return nil
}

func (e *Engine) onRecoveryRequest(p *Payload, _ *RecoveryRequest) error {
	if !e.shouldAnswerRecovery(p.ValidatorID) {
		return nil
	}
	rm := e.buildRecoveryMessage()
	out, err := e.makePayload(RecoveryMessageKind, e.state.View, rm)
	if err != nil {
		return err
	}
	e.logger.Debug("answering recovery request", "requester", p.ValidatorID)
	if e.metrics != nil {
		e.metrics.RecoveryResponses.Inc()
	}
	return e.bc.SendTo(p.ValidatorID, out)
}

func (e *Engine) onRecoveryMessage(p *Payload, rm *RecoveryMessage) error {
	e.applyRecovery(p, rm)
	return nil
}

// checkPreparations sends our commit once quorum preparation votes for
// the current proposal exist.
func (e *Engine) checkPreparations() {
	if e.state.commitSent || e.state.blockFinalized {
		return
	}
	hash, ok := e.state.ProposalHash()
	if !ok || e.state.PreparationCount() < e.validators.Quorum() {
		return
	}
	blockSig := e.signer.Sign(hash[:])
	c := &Commit{}
	copy(c.BlockSignature[:], blockSig)
	out, err := e.makePayload(CommitKind, e.state.View, c)
	if err != nil {
		e.logger.Error("failed to build commit", "error", err)
		return
	}
	e.state.commits[e.myID] = commitVote{
		View:       e.state.View,
		Signature:  c.BlockSignature,
		Invocation: out.Signature,
	}
	e.state.commitSent = true
	e.logger.Info("sending commit", "height", e.state.Height, "view", e.state.View)
	e.broadcast(out)
	e.checkCommits()
}

// checkCommits finalizes the block once quorum commit signatures
// verify against the current proposal. Stored commits from other views
// that signed a different proposal simply fail verification here and
// are not counted.
func (e *Engine) checkCommits() {
	if e.state.blockFinalized || e.state.proposal == nil {
		return
	}
	hash := e.state.proposalHash
	witness := &Witness{Required: e.validators.Quorum()}
	for _, v := range e.validators.Ordered() {
		vote, ok := e.state.commits[v.ID]
		if !ok {
			continue
		}
		if !e.signer.Verify(v.PublicKey, hash[:], vote.Signature[:]) {
			continue
		}
		witness.Signatures = append(witness.Signatures, WitnessSignature{
			ValidatorID: v.ID,
			Signature:   vote.Signature,
		})
		if len(witness.Signatures) == witness.Required {
			break
		}
	}
	if len(witness.Signatures) < witness.Required {
		return
	}
	e.state.blockFinalized = true
	e.logger.Info("block finalized", "height", e.state.Height, "view", e.state.View,
		"txs", len(e.state.proposal.TxHashes))
	if e.metrics != nil {
		e.metrics.BlocksFinalized.Inc()
	}
	if err := e.ledger.FinalizeBlock(e.state.Height, e.state.proposal, witness); err != nil {
		e.logger.Error("ledger rejected finalized block", "height", e.state.Height, "error", err)
	}
	e.persist()
}

// tryAdvanceView moves to the next view once quorum validators want a
// view at least that high.
func (e *Engine) tryAdvanceView() {
	if e.state.View == 255 {
		return
	}
	target := e.state.View + 1
	count := 0
	for _, vote := range e.state.changeViews {
		if vote.NewView >= target {
			count++
		}
	}
	if count < e.validators.Quorum() {
		return
	}
	now := e.clock()
	e.state.ResetForNewView(target, now)
	e.logger.Info("view changed", "height", e.state.Height, "view", target,
		"primary", e.validators.PrimaryID(e.state.Height, target))
	if e.metrics != nil {
		e.metrics.ViewChanges.Inc()
		e.metrics.View.Set(float64(target))
	}
	if e.validators.PrimaryID(e.state.Height, target) == e.myID && !e.state.commitSent {
		if err := e.sendPrepareRequest(); err != nil {
			e.logger.Error("failed to propose after view change", "error", err)
		}
	}
	e.persist()
}

// requestChangeView broadcasts our desire to move past the current
// view. When more than f validators are already committed or lost, a
// view change cannot reach quorum, so ask for recovery instead.
func (e *Engine) requestChangeView(reason uint8) error {
	if e.state.commitSent || e.state.MoreThanFNodesCommittedOrLost(e.validators) {
		return e.sendRecoveryRequest()
	}
	cv, err := NewChangeView(e.state.View, reason, uint64(e.clock().UnixMilli()))
	if err != nil {
		return err
	}
	out, err := e.makePayload(ChangeViewKind, e.state.View, cv)
	if err != nil {
		return err
	}
	e.state.changeViews[e.myID] = changeViewVote{
		NewView:    cv.NewViewNumber,
		Reason:     cv.Reason,
		Timestamp:  cv.Timestamp,
		Invocation: out.Signature,
	}
	e.logger.Info("requesting view change", "height", e.state.Height,
		"view", e.state.View, "reason", reason)
	e.broadcast(out)
	e.tryAdvanceView()
	e.persist()
	return nil
}

func (e *Engine) sendRecoveryRequest() error {
	rr := &RecoveryRequest{Timestamp: uint64(e.clock().UnixMilli())}
	out, err := e.makePayload(RecoveryRequestKind, e.state.View, rr)
	if err != nil {
		return err
	}
	e.logger.Info("requesting recovery", "height", e.state.Height, "view", e.state.View)
	if e.metrics != nil {
		e.metrics.RecoveryRequests.Inc()
	}
	e.broadcast(out)
	return nil
}

func (e *Engine) sendPrepareRequest() error {
	now := uint64(e.clock().UnixMilli())
	req := &PrepareRequest{
		Version:   e.version,
		PrevHash:  e.prevHash,
		Timestamp: now,
		Nonce:     now ^ e.state.Height,
		TxHashes:  e.pendingTxs,
	}
	out, err := e.makePayload(PrepareRequestKind, e.state.View, req)
	if err != nil {
		return err
	}
	e.state.proposal = req
	e.state.proposalHash = ProposalHash(e.network, e.state.Height, req)
	e.state.hasProposal = true
	e.state.proposalSender = e.myID
	e.state.proposalInvocation = out.Signature
	e.logger.Info("proposing block", "height", e.state.Height, "view", e.state.View,
		"txs", len(req.TxHashes))
	e.broadcast(out)
	e.checkPreparations()
	return nil
}

// makePayload wraps a message body in a signed envelope and records
// its digest so our own broadcast echo is dropped on arrival.
func (e *Engine) makePayload(kind uint8, view uint8, body interface {
	MarshalBinary() ([]byte, error)
}) (*Payload, error) {
	data, err := body.MarshalBinary()
	if err != nil {
		return nil, err
	}
	p := &Payload{
		Network:     e.network,
		Height:      e.state.Height,
		View:        view,
		ValidatorID: e.myID,
		Kind:        kind,
		Data:        data,
	}
	digest := p.Digest()
	p.Signature = e.signer.Sign(digest[:])
	e.state.MarkSeen(digest)
	e.state.UpdateLastSeen(e.myID, p.Height)
	return p, nil
}

func (e *Engine) broadcast(p *Payload) {
	if e.metrics != nil {
		e.metrics.MessagesSent.WithLabelValues(KindName(p.Kind)).Inc()
	}
	if err := e.bc.Broadcast(p); err != nil {
		e.logger.Error("broadcast failed", "kind", KindName(p.Kind), "error", err)
	}
}
