package consensus

// Recovery lets a node that missed traffic rebuild the round from a
// peer's recorded votes. Responders replay compact vote records; the
// receiver reconstructs the original signed payloads from them and
// runs each one back through normal message admission, so forged or
// stale records fail the same signature and view checks as live
// traffic.

// shouldAnswerRecovery spreads the response load: a committed node
// always answers, otherwise only the f+1 validators following the
// requester in committee order do.
func (e *Engine) shouldAnswerRecovery(requester ValidatorID) bool {
	if e.state.commitSent {
		return true
	}
	reqIdx, ok := e.validators.IndexOf(requester)
	if !ok {
		return false
	}
	myIdx, ok := e.validators.IndexOf(e.myID)
	if !ok {
		return false
	}
	n := e.validators.Len()
	dist := (myIdx - reqIdx + n) % n
	return dist >= 1 && dist <= e.validators.F()+1
}

func (e *Engine) buildRecoveryMessage() *RecoveryMessage {
	rm := &RecoveryMessage{}
	for id, vote := range e.state.changeViews {
		rm.ChangeViews = append(rm.ChangeViews, ChangeViewCompact{
			ValidatorID:        id,
			OriginalViewNumber: vote.NewView - 1,
			Timestamp:          vote.Timestamp,
			InvocationScript:   vote.Invocation,
		})
	}
	if e.state.hasProposal {
		rm.PrepareStage = PrepareStage{
			RequestSender: e.state.proposalSender,
			Request:       e.state.proposal,
		}
		rm.Responses = append(rm.Responses, PreparationCompact{
			ValidatorID:      e.state.proposalSender,
			InvocationScript: e.state.proposalInvocation,
		})
	} else if e.state.hasPreparationHash {
		hash := e.state.preparationHash
		rm.PrepareStage = PrepareStage{ProposalHash: &hash}
	}
	for id, invocation := range e.state.responses {
		if e.state.hasProposal && id == e.state.proposalSender {
			continue
		}
		rm.Responses = append(rm.Responses, PreparationCompact{
			ValidatorID:      id,
			InvocationScript: invocation,
		})
	}
	for id, vote := range e.state.commits {
		rm.Commits = append(rm.Commits, CommitCompact{
			ViewNumber:       vote.View,
			ValidatorID:      id,
			Signature:        vote.Signature,
			InvocationScript: vote.Invocation,
		})
	}
	return rm
}

// applyRecovery replays a peer's recorded votes. p is the recovery
// message envelope; its view tells which view the preparation records
// belong to.
func (e *Engine) applyRecovery(p *Payload, rm *RecoveryMessage) {
	for i := range rm.ChangeViews {
		cv := &rm.ChangeViews[i]
		if cv.OriginalViewNumber == 255 {
			continue
		}
		body := &ChangeView{
			NewViewNumber: cv.OriginalViewNumber + 1,
			Timestamp:     cv.Timestamp,
			Reason:        ReasonTimeout,
		}
		e.replay(cv.ValidatorID, cv.OriginalViewNumber, ChangeViewKind, body, cv.InvocationScript)
	}

	var proposalHash [32]byte
	haveHash := false
	if rm.PrepareStage.Request != nil {
		if inv, ok := findPreparation(rm.Responses, rm.PrepareStage.RequestSender); ok {
			e.replay(rm.PrepareStage.RequestSender, p.View, PrepareRequestKind, rm.PrepareStage.Request, inv)
		}
		proposalHash = ProposalHash(e.network, p.Height, rm.PrepareStage.Request)
		haveHash = true
	} else if rm.PrepareStage.ProposalHash != nil {
		proposalHash = *rm.PrepareStage.ProposalHash
		haveHash = true
		if p.View == e.state.View && !e.state.hasProposal && !e.state.hasPreparationHash {
			e.state.preparationHash = proposalHash
			e.state.hasPreparationHash = true
		}
	}
	if haveHash {
		body := &PrepareResponse{PreparationHash: proposalHash}
		for i := range rm.Responses {
			pr := &rm.Responses[i]
			if rm.PrepareStage.Request != nil && pr.ValidatorID == rm.PrepareStage.RequestSender {
				continue
			}
			e.replay(pr.ValidatorID, p.View, PrepareResponseKind, body, pr.InvocationScript)
		}
	}

	for i := range rm.Commits {
		c := &rm.Commits[i]
		body := &Commit{BlockSignature: c.Signature}
		e.replay(c.ValidatorID, c.ViewNumber, CommitKind, body, c.InvocationScript)
	}
}

// replay reconstructs a signed payload from a compact record and runs
// it through normal admission. Records that do not reproduce the
// sender's original bytes fail signature verification and are dropped.
func (e *Engine) replay(id ValidatorID, view uint8, kind uint8, body interface {
	MarshalBinary() ([]byte, error)
}, invocation []byte) {
	data, err := body.MarshalBinary()
	if err != nil {
		return
	}
	reconstructed := &Payload{
		Network:     e.network,
		Height:      e.state.Height,
		View:        view,
		ValidatorID: id,
		Kind:        kind,
		Data:        data,
		Signature:   invocation,
	}
	if err := e.ProcessMessage(reconstructed); err != nil {
		e.logger.Debug("discarded recovered record", "kind", KindName(kind),
			"validator", id, "error", err)
	}
}

func findPreparation(list []PreparationCompact, id ValidatorID) ([]byte, bool) {
	for i := range list {
		if list[i].ValidatorID == id {
			return list[i].InvocationScript, true
		}
	}
	return nil, false
}
