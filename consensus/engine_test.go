package consensus

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/seafooler/sign_tools"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// collectBus records everything an engine sends instead of delivering
// it, so tests control ordering.
type collectBus struct {
	sent      []*Payload
	delivered int
	direct    map[ValidatorID][]*Payload
}

func newCollectBus() *collectBus {
	return &collectBus{direct: make(map[ValidatorID][]*Payload)}
}

func (b *collectBus) Broadcast(p *Payload) error {
	b.sent = append(b.sent, p)
	return nil
}

func (b *collectBus) SendTo(id ValidatorID, p *Payload) error {
	b.direct[id] = append(b.direct[id], p)
	return nil
}

func (b *collectBus) lastOfKind(kind uint8) *Payload {
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Kind == kind {
			return b.sent[i]
		}
	}
	return nil
}

func (b *collectBus) countOfKind(kind uint8) int {
	n := 0
	for _, p := range b.sent {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

type recordingLedger struct {
	blocks []FinalizedBlock
}

func (l *recordingLedger) FinalizeBlock(height uint64, proposal *PrepareRequest, witness *Witness) error {
	l.blocks = append(l.blocks, FinalizedBlock{Height: height, Proposal: proposal, Witness: witness})
	return nil
}

type testCluster struct {
	t          *testing.T
	validators *ValidatorSet
	privKeys   []ed25519.PrivateKey
	engines    []*Engine
	buses      []*collectBus
	ledgers    []*recordingLedger
	clock      *fakeClock
}

const testNetwork uint32 = 42

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	set, privKeys := makeCommittee(t, n)
	c := &testCluster{
		t:          t,
		validators: set,
		privKeys:   privKeys,
		clock:      &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
	for i := 0; i < n; i++ {
		bus := newCollectBus()
		ledger := &recordingLedger{}
		eng, err := NewEngine(EngineOptions{
			Network:     testNetwork,
			Validators:  set,
			LocalKey:    privKeys[i].Public().(ed25519.PublicKey),
			Signer:      NewEdSigner(privKeys[i]),
			Broadcaster: bus,
			Ledger:      ledger,
			Logger:      hclog.NewNullLogger(),
			BaseTimeout: time.Second,
			Clock:       c.clock.Now,
		})
		if err != nil {
			t.Fatal(err)
		}
		c.engines = append(c.engines, eng)
		c.buses = append(c.buses, bus)
		c.ledgers = append(c.ledgers, ledger)
	}
	return c
}

func (c *testCluster) startAll(height uint64) {
	c.t.Helper()
	txs := [][32]byte{{0x01}, {0x02}}
	for i, eng := range c.engines {
		if err := eng.Start(height, [32]byte{}, 0, txs); err != nil {
			c.t.Fatalf("engine %d failed to start: %v", i, err)
		}
	}
}

// run delivers every pending broadcast and direct message until the
// cluster goes quiet.
func (c *testCluster) run() {
	for {
		progress := false
		for i, bus := range c.buses {
			for bus.delivered < len(bus.sent) {
				p := bus.sent[bus.delivered]
				bus.delivered++
				progress = true
				for j, eng := range c.engines {
					if j == i {
						continue
					}
					if err := eng.ProcessMessage(p); err != nil {
						c.t.Logf("engine %d rejected %s: %v", j, KindName(p.Kind), err)
					}
				}
			}
			for id, msgs := range bus.direct {
				delete(bus.direct, id)
				idx, _ := c.validators.IndexOf(id)
				for _, p := range msgs {
					progress = true
					if err := c.engines[idx].ProcessMessage(p); err != nil {
						c.t.Logf("engine %d rejected %s: %v", idx, KindName(p.Kind), err)
					}
				}
			}
		}
		if !progress {
			return
		}
	}
}

// signedPayload builds a payload as validator `from` would.
func (c *testCluster) signedPayload(from int, kind uint8, height uint64, view uint8, body interface {
	MarshalBinary() ([]byte, error)
}) *Payload {
	c.t.Helper()
	data, err := body.MarshalBinary()
	if err != nil {
		c.t.Fatal(err)
	}
	p := &Payload{
		Network:     testNetwork,
		Height:      height,
		View:        view,
		ValidatorID: ValidatorID(from),
		Kind:        kind,
		Data:        data,
	}
	digest := p.Digest()
	p.Signature = sign_tools.SignEd25519(c.privKeys[from], digest[:])
	return p
}

func TestFourNodeHappyPath(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	c.run()

	var hash [32]byte
	for i, ledger := range c.ledgers {
		if len(ledger.blocks) != 1 {
			t.Fatalf("engine %d finalized %d blocks, expected 1", i, len(ledger.blocks))
		}
		blk := ledger.blocks[0]
		if blk.Height != 1 {
			t.Fatalf("engine %d finalized height %d", i, blk.Height)
		}
		h := ProposalHash(testNetwork, blk.Height, blk.Proposal)
		if i == 0 {
			hash = h
		} else if h != hash {
			t.Fatalf("engine %d finalized a different proposal", i)
		}
		if len(blk.Witness.Signatures) != c.validators.Quorum() {
			t.Fatalf("engine %d witness carries %d signatures, expected %d",
				i, len(blk.Witness.Signatures), c.validators.Quorum())
		}
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	c.run()

	// replaying the primary's traffic must not double-finalize
	primaryBus := c.buses[1]
	req := primaryBus.lastOfKind(PrepareRequestKind)
	commit := primaryBus.lastOfKind(CommitKind)
	if req == nil || commit == nil {
		t.Fatal("primary traffic is missing from the transcript")
	}
	for i, eng := range c.engines {
		_ = eng.ProcessMessage(req)
		_ = eng.ProcessMessage(commit)
		if len(c.ledgers[i].blocks) != 1 {
			t.Fatalf("engine %d finalized %d times", i, len(c.ledgers[i].blocks))
		}
	}
}

func TestDuplicateVoteNotDoubleCounted(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	// primary of (height 1, view 0) is validator 1
	req := c.buses[1].lastOfKind(PrepareRequestKind)
	if req == nil {
		t.Fatal("primary did not propose")
	}
	eng := c.engines[0]
	if err := eng.ProcessMessage(req); err != nil {
		t.Fatal(err)
	}

	hash, _ := eng.State().ProposalHash()
	resp := c.signedPayload(2, PrepareResponseKind, 1, 0, &PrepareResponse{PreparationHash: hash})
	if err := eng.ProcessMessage(resp); err != nil {
		t.Fatal(err)
	}
	before := eng.State().PreparationCount()
	if err := eng.ProcessMessage(resp); err != nil {
		t.Fatal(err)
	}
	if eng.State().PreparationCount() != before {
		t.Fatal("duplicate preparation vote was counted twice")
	}
}

func TestCommitAcceptedAcrossViews(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	eng := c.engines[0]
	commit := c.signedPayload(3, CommitKind, 1, 5, &Commit{})
	if err := eng.ProcessMessage(commit); err != nil {
		t.Fatal(err)
	}
	if eng.State().CountCommitted() == 0 {
		t.Fatal("commit from another view was dropped")
	}
}

func TestPrepareResponseWrongViewDropped(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	eng := c.engines[0]
	resp := c.signedPayload(2, PrepareResponseKind, 1, 3, &PrepareResponse{})
	if err := eng.ProcessMessage(resp); err != nil {
		t.Fatal(err)
	}
	if len(eng.State().responses) != 0 || len(eng.State().earlyResponses) != 0 {
		t.Fatal("vote for another view was recorded")
	}
}

func TestPastHeightRejected(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(5)

	eng := c.engines[0]
	commit := c.signedPayload(3, CommitKind, 3, 0, &Commit{})
	err := eng.ProcessMessage(commit)
	var wrongBlock *WrongBlockError
	if !errors.As(err, &wrongBlock) {
		t.Fatalf("expected a wrong block error, got %v", err)
	}
	if wrongBlock.Expected != 5 || wrongBlock.Got != 3 {
		t.Fatalf("unexpected heights in error: %+v", wrongBlock)
	}
}

func TestFutureHeightIgnored(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(5)

	eng := c.engines[0]
	commit := c.signedPayload(3, CommitKind, 7, 0, &Commit{})
	if err := eng.ProcessMessage(commit); err != nil {
		t.Fatalf("a message for a future block is not an error, got %v", err)
	}
	if eng.State().CountCommitted() != 0 {
		t.Fatal("commit for a future block was recorded")
	}
}

func TestBadSignatureRejected(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	commit := c.signedPayload(3, CommitKind, 1, 0, &Commit{})
	commit.Signature[0] ^= 0xff
	err := c.engines[0].ProcessMessage(commit)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected a signature error, got %v", err)
	}
	if c.engines[0].State().CountCommitted() != 0 {
		t.Fatal("commit with a bad signature was recorded")
	}
}

func TestUnknownValidatorRejected(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	commit := c.signedPayload(3, CommitKind, 1, 0, &Commit{})
	commit.ValidatorID = 99
	err := c.engines[0].ProcessMessage(commit)
	if !errors.Is(err, ErrUnknownValidator) {
		t.Fatalf("expected an unknown validator error, got %v", err)
	}
}

func TestStartRefusesNonValidator(t *testing.T) {
	set, _ := makeCommittee(t, 4)
	strangerPriv, strangerPub := sign_tools.GenED25519Keys()
	eng, err := NewEngine(EngineOptions{
		Network:     testNetwork,
		Validators:  set,
		LocalKey:    strangerPub,
		Signer:      NewEdSigner(strangerPriv),
		Broadcaster: newCollectBus(),
		Ledger:      &recordingLedger{},
		Logger:      hclog.NewNullLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(1, [32]byte{}, 0, nil); !errors.Is(err, ErrNotValidator) {
		t.Fatalf("expected not-a-validator, got %v", err)
	}
	commit := &Payload{Network: testNetwork, Height: 1, ValidatorID: 0, Kind: CommitKind}
	if err := eng.ProcessMessage(commit); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected not-running, got %v", err)
	}
}

func TestChangeViewQuorum(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	cv := &ChangeView{NewViewNumber: 1, Timestamp: 1, Reason: ReasonTimeout}
	if err := eng.ProcessMessage(c.signedPayload(2, ChangeViewKind, 1, 0, cv)); err != nil {
		t.Fatal(err)
	}
	if eng.State().View != 0 {
		t.Fatal("a single change view vote advanced the view")
	}
	if err := eng.ProcessMessage(c.signedPayload(3, ChangeViewKind, 1, 0, cv)); err != nil {
		t.Fatal(err)
	}
	if eng.State().View != 0 {
		t.Fatal("two votes are below quorum for n=4")
	}
	if err := eng.ProcessMessage(c.signedPayload(1, ChangeViewKind, 1, 0, cv)); err != nil {
		t.Fatal(err)
	}
	if eng.State().View != 1 {
		t.Fatalf("quorum reached but view is still %d", eng.State().View)
	}
}

func TestChangeViewMustTargetNextView(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	bad := &ChangeView{NewViewNumber: 3, Timestamp: 1, Reason: ReasonTimeout}
	err := c.engines[0].ProcessMessage(c.signedPayload(2, ChangeViewKind, 1, 0, bad))
	if !errors.Is(err, ErrInvalidProposal) {
		t.Fatalf("expected an invalid proposal error, got %v", err)
	}
}

func TestChangeViewFromMaxViewRejected(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	// view 255 has no successor; the wrapped target must not be
	// recorded as a vote for view 0
	wrapped := &ChangeView{NewViewNumber: 0, Timestamp: 1, Reason: ReasonTimeout}
	err := c.engines[0].ProcessMessage(c.signedPayload(2, ChangeViewKind, 1, 255, wrapped))
	if !errors.Is(err, ErrViewNumberOverflow) {
		t.Fatalf("expected a view number overflow, got %v", err)
	}
	if len(c.engines[0].State().changeViews) != 0 {
		t.Fatal("wrapped change view vote was recorded")
	}
}

func TestTimerRequestsOneChangeView(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	if err := eng.OnTimerTick(); err != nil {
		t.Fatal(err)
	}
	if got := c.buses[0].countOfKind(ChangeViewKind); got != 0 {
		t.Fatalf("timer fired before the deadline, %d change views sent", got)
	}

	// the very first timeout of a silent round asks for a view change,
	// never for recovery
	c.clock.Advance(1500 * time.Millisecond)
	if err := eng.OnTimerTick(); err != nil {
		t.Fatal(err)
	}
	if got := c.buses[0].countOfKind(ChangeViewKind); got != 1 {
		t.Fatalf("expected exactly one change view, got %d", got)
	}
	if got := c.buses[0].countOfKind(RecoveryRequestKind); got != 0 {
		t.Fatalf("fresh node asked for recovery on its first timeout, got %d requests", got)
	}

	// the timer was re-armed: an immediate second tick emits nothing
	if err := eng.OnTimerTick(); err != nil {
		t.Fatal(err)
	}
	if got := c.buses[0].countOfKind(ChangeViewKind); got != 1 {
		t.Fatalf("re-armed timer fired again, got %d change views", got)
	}
}

func TestTimeoutWithCommittedPeersRequestsRecovery(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	// two peers are already committed: a view change can never gather
	// quorum, so the timeout must divert to recovery
	for _, from := range []int{2, 3} {
		commit := c.signedPayload(from, CommitKind, 1, 0, &Commit{})
		if err := eng.ProcessMessage(commit); err != nil {
			t.Fatal(err)
		}
	}
	c.clock.Advance(2 * time.Second)
	if err := eng.OnTimerTick(); err != nil {
		t.Fatal(err)
	}
	if c.buses[0].countOfKind(ChangeViewKind) != 0 {
		t.Fatal("change view requested although it can never gather quorum")
	}
	if c.buses[0].countOfKind(RecoveryRequestKind) != 1 {
		t.Fatal("expected a recovery request")
	}
}

func TestLivenessRequiresVerifiedTraffic(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	// a forged payload claiming an absurd height must not mark its
	// sender alive
	forged := c.signedPayload(3, CommitKind, 1<<40, 0, &Commit{})
	forged.Signature[0] ^= 0xff
	_ = eng.ProcessMessage(forged)
	if _, ok := eng.State().lastSeenHeight[3]; ok {
		t.Fatal("unverified traffic updated the liveness map")
	}

	// neither must a bad signature at the right height
	badSig := c.signedPayload(2, CommitKind, 1, 0, &Commit{})
	badSig.Signature[0] ^= 0xff
	_ = eng.ProcessMessage(badSig)
	if _, ok := eng.State().lastSeenHeight[2]; ok {
		t.Fatal("a forged signature updated the liveness map")
	}

	commit := c.signedPayload(3, CommitKind, 1, 0, &Commit{})
	if err := eng.ProcessMessage(commit); err != nil {
		t.Fatal(err)
	}
	if got := eng.State().lastSeenHeight[3]; got != 1 {
		t.Fatalf("verified commit did not mark its sender alive, last seen %d", got)
	}
}

func TestEarlyResponsesBuffered(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	req := c.buses[1].lastOfKind(PrepareRequestKind)
	if req == nil {
		t.Fatal("primary did not propose")
	}
	proposal := &PrepareRequest{}
	if err := proposal.UnmarshalBinary(req.Data); err != nil {
		t.Fatal(err)
	}
	hash := ProposalHash(testNetwork, 1, proposal)

	// responses arrive before the proposal
	for _, from := range []int{2, 3} {
		resp := c.signedPayload(from, PrepareResponseKind, 1, 0, &PrepareResponse{PreparationHash: hash})
		if err := eng.ProcessMessage(resp); err != nil {
			t.Fatal(err)
		}
	}
	if eng.State().PreparationCount() != 0 {
		t.Fatal("votes counted before the proposal arrived")
	}
	if len(eng.State().earlyResponses) != 2 {
		t.Fatalf("expected 2 buffered responses, got %d", len(eng.State().earlyResponses))
	}

	if err := eng.ProcessMessage(req); err != nil {
		t.Fatal(err)
	}
	// proposer + 2 replayed votes + our own response reach quorum, so
	// the engine commits
	if !eng.State().commitSent {
		t.Fatal("buffered votes were not replayed after the proposal arrived")
	}
}

func TestArrivalOrderIndependence(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	c.run()
	if len(c.ledgers[0].blocks) != 1 {
		t.Fatal("setup cluster did not finalize")
	}

	// build a fresh observer committee member and feed it the round's
	// traffic in a hostile order: commits, then responses, then the
	// proposal
	observerLedger := &recordingLedger{}
	observer, err := NewEngine(EngineOptions{
		Network:     testNetwork,
		Validators:  c.validators,
		LocalKey:    c.privKeys[0].Public().(ed25519.PublicKey),
		Signer:      NewEdSigner(c.privKeys[0]),
		Broadcaster: newCollectBus(),
		Ledger:      observerLedger,
		Logger:      hclog.NewNullLogger(),
		Clock:       c.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := observer.Start(1, [32]byte{}, 0, nil); err != nil {
		t.Fatal(err)
	}

	var byKind [6][]*Payload
	for i := 1; i < 4; i++ {
		for _, p := range c.buses[i].sent {
			byKind[p.Kind] = append(byKind[p.Kind], p)
		}
	}
	replayOrder := append(append(byKind[CommitKind], byKind[PrepareResponseKind]...), byKind[PrepareRequestKind]...)
	for _, p := range replayOrder {
		_ = observer.ProcessMessage(p)
	}
	if len(observerLedger.blocks) != 1 {
		t.Fatalf("observer finalized %d blocks from reordered traffic", len(observerLedger.blocks))
	}
}
