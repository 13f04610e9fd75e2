package consensus

import (
	"testing"
)

func TestRecoveryResponderRotation(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	// f=1, so the two validators after the requester answer
	cases := []struct {
		engine    int
		requester ValidatorID
		answer    bool
	}{
		{1, 0, true},
		{2, 0, true},
		{3, 0, false},
		{0, 0, false}, // never answers itself
		{0, 3, true},
		{1, 3, true},
		{2, 3, false},
	}
	for _, tc := range cases {
		if got := c.engines[tc.engine].shouldAnswerRecovery(tc.requester); got != tc.answer {
			t.Errorf("engine %d, requester %d: expected answer=%v, got %v",
				tc.engine, tc.requester, tc.answer, got)
		}
	}

	// a committed node always answers
	c.engines[3].State().commitSent = true
	if !c.engines[3].shouldAnswerRecovery(0) {
		t.Error("committed node refused to answer recovery")
	}
}

func TestRecoveryRebuildsMissedRound(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	// engines 1..3 complete the preparation and commit phases among
	// themselves; engine 0 misses all of it
	for {
		progress := false
		for i := 1; i < 4; i++ {
			bus := c.buses[i]
			for bus.delivered < len(bus.sent) {
				p := bus.sent[bus.delivered]
				bus.delivered++
				progress = true
				for j := 1; j < 4; j++ {
					if j == i {
						continue
					}
					_ = c.engines[j].ProcessMessage(p)
				}
			}
		}
		if !progress {
			break
		}
	}
	for i := 1; i < 4; i++ {
		if len(c.ledgers[i].blocks) != 1 {
			t.Fatalf("engine %d did not finalize during setup", i)
		}
	}
	if len(c.ledgers[0].blocks) != 0 {
		t.Fatal("engine 0 was supposed to miss the round")
	}

	// engine 0 asks engine 1 for recovery
	rr := c.signedPayload(0, RecoveryRequestKind, 1, 0, &RecoveryRequest{Timestamp: 1})
	if err := c.engines[1].ProcessMessage(rr); err != nil {
		t.Fatal(err)
	}
	answers := c.buses[1].direct[0]
	if len(answers) != 1 || answers[0].Kind != RecoveryMessageKind {
		t.Fatalf("expected one recovery message for validator 0, got %v", answers)
	}

	if err := c.engines[0].ProcessMessage(answers[0]); err != nil {
		t.Fatal(err)
	}
	if len(c.ledgers[0].blocks) != 1 {
		t.Fatal("recovery did not let engine 0 finalize the block")
	}
	want := ProposalHash(testNetwork, 1, c.ledgers[1].blocks[0].Proposal)
	got := ProposalHash(testNetwork, 1, c.ledgers[0].blocks[0].Proposal)
	if want != got {
		t.Fatal("recovered engine finalized a different proposal")
	}
}

func TestRecoveryReplaysChangeViews(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)

	// engine 1 collects change view votes from 2 and 3
	cv := &ChangeView{NewViewNumber: 1, Timestamp: 5, Reason: ReasonTimeout}
	for _, from := range []int{2, 3} {
		if err := c.engines[1].ProcessMessage(c.signedPayload(from, ChangeViewKind, 1, 0, cv)); err != nil {
			t.Fatal(err)
		}
	}

	rr := c.signedPayload(0, RecoveryRequestKind, 1, 0, &RecoveryRequest{Timestamp: 1})
	if err := c.engines[1].ProcessMessage(rr); err != nil {
		t.Fatal(err)
	}
	answers := c.buses[1].direct[0]
	if len(answers) != 1 {
		t.Fatal("no recovery answer")
	}
	if err := c.engines[0].ProcessMessage(answers[0]); err != nil {
		t.Fatal(err)
	}
	if got := len(c.engines[0].State().changeViews); got != 2 {
		t.Fatalf("expected 2 recovered change view votes, got %d", got)
	}
}

func TestRecoveryHashOnlyStage(t *testing.T) {
	c := newTestCluster(t, 4)
	c.startAll(1)
	eng := c.engines[0]

	hash := [32]byte{0x42}
	rm := &RecoveryMessage{PrepareStage: PrepareStage{ProposalHash: &hash}}
	if err := eng.ProcessMessage(c.signedPayload(2, RecoveryMessageKind, 1, 0, rm)); err != nil {
		t.Fatal(err)
	}
	got, ok := eng.State().ProposalHash()
	if !ok || got != hash {
		t.Fatal("hash-only recovery stage was not adopted")
	}
	if eng.State().hasProposal {
		t.Fatal("hash-only stage must not count as a received proposal")
	}
}
