package consensus

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func engineWithStore(t *testing.T, c *testCluster, idx int, store Store) *Engine {
	t.Helper()
	eng, err := NewEngine(EngineOptions{
		Network:     testNetwork,
		Validators:  c.validators,
		LocalKey:    c.privKeys[idx].Public().(ed25519.PublicKey),
		Signer:      NewEdSigner(c.privKeys[idx]),
		Broadcaster: newCollectBus(),
		Ledger:      &recordingLedger{},
		Store:       store,
		Logger:      hclog.NewNullLogger(),
		BaseTimeout: time.Second,
		Clock:       c.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "round.snapshot"))
	data, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("expected no snapshot data")
	}
}

func TestFileStoreOverwrite(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "round.snapshot"))
	if err := store.Save([]byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := store.Save([]byte("two")); err != nil {
		t.Fatal(err)
	}
	data, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Fatalf("expected latest snapshot, got %q", data)
	}
}

func TestRestoreReproducesRound(t *testing.T) {
	c := newTestCluster(t, 4)
	store := NewFileStore(filepath.Join(t.TempDir(), "round.snapshot"))

	eng := engineWithStore(t, c, 0, store)
	if err := eng.Start(1, [32]byte{0x11}, 0, [][32]byte{{0x01}}); err != nil {
		t.Fatal(err)
	}

	// feed a partial round: proposal, one response, one commit
	req := c.signedPayload(1, PrepareRequestKind, 1, 0, &PrepareRequest{
		PrevHash:  [32]byte{0x11},
		Timestamp: 100,
		Nonce:     101,
		TxHashes:  [][32]byte{{0x01}},
	})
	if err := eng.ProcessMessage(req); err != nil {
		t.Fatal(err)
	}
	hash, _ := eng.State().ProposalHash()
	resp := c.signedPayload(2, PrepareResponseKind, 1, 0, &PrepareResponse{PreparationHash: hash})
	if err := eng.ProcessMessage(resp); err != nil {
		t.Fatal(err)
	}
	commit := c.signedPayload(3, CommitKind, 1, 0, &Commit{})
	if err := eng.ProcessMessage(commit); err != nil {
		t.Fatal(err)
	}

	before := eng.State()

	// a fresh engine over the same store resumes the same round
	restored := engineWithStore(t, c, 0, store)
	found, err := restored.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("no snapshot found")
	}
	after := restored.State()
	if after.Height != before.Height || after.View != before.View {
		t.Fatalf("restored round is %d/%d, expected %d/%d",
			after.Height, after.View, before.Height, before.View)
	}
	if after.PreparationCount() != before.PreparationCount() {
		t.Fatalf("restored %d preparations, expected %d",
			after.PreparationCount(), before.PreparationCount())
	}
	if after.CountCommitted() != before.CountCommitted() {
		t.Fatalf("restored %d commits, expected %d",
			after.CountCommitted(), before.CountCommitted())
	}
	gotHash, ok := after.ProposalHash()
	if !ok || gotHash != hash {
		t.Fatal("restored proposal hash does not match")
	}
	if after.commitSent != before.commitSent {
		t.Fatal("commit flag lost on restore")
	}

	// resuming must not re-broadcast anything
	bus := restored.bc.(*collectBus)
	if len(bus.sent) != 0 {
		t.Fatalf("restore sent %d messages", len(bus.sent))
	}
}

func TestRestoreKeepsChangeViewVotes(t *testing.T) {
	c := newTestCluster(t, 4)
	store := NewFileStore(filepath.Join(t.TempDir(), "round.snapshot"))

	eng := engineWithStore(t, c, 0, store)
	if err := eng.Start(1, [32]byte{}, 0, nil); err != nil {
		t.Fatal(err)
	}

	// a single vote is below quorum, but it must still survive a crash
	cv := &ChangeView{NewViewNumber: 1, Timestamp: 9, Reason: ReasonTimeout}
	if err := eng.ProcessMessage(c.signedPayload(2, ChangeViewKind, 1, 0, cv)); err != nil {
		t.Fatal(err)
	}

	restored := engineWithStore(t, c, 0, store)
	if _, err := restored.Restore(); err != nil {
		t.Fatal(err)
	}
	vote, ok := restored.State().changeViews[2]
	if !ok {
		t.Fatal("change view vote lost across restore")
	}
	if vote.NewView != 1 || vote.Timestamp != 9 {
		t.Fatalf("restored vote does not match: %+v", vote)
	}
}

func TestRestoreWithoutStore(t *testing.T) {
	c := newTestCluster(t, 4)
	found, err := c.engines[0].Restore()
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("engine without a store claimed to find a snapshot")
	}
}
