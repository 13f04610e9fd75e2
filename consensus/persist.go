package consensus

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store saves and loads the encoded round snapshot. A nil, nil Load
// means no snapshot exists yet.
type Store interface {
	Save(data []byte) error
	Load() ([]byte, error)
}

// FileStore keeps the snapshot in a single file, written atomically
// through a temp file and rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(data []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Path returns the snapshot location.
func (f *FileStore) Path() string {
	return filepath.Clean(f.path)
}

type snapshotVote struct {
	ValidatorID uint16
	Invocation  []byte
}

type snapshotCommit struct {
	ValidatorID uint16
	View        uint8
	Signature   []byte
	Invocation  []byte
}

type snapshotChangeView struct {
	ValidatorID uint16
	NewView     uint8
	Reason      uint8
	Timestamp   uint64
	Invocation  []byte
}

// roundSnapshot is the persisted shape of a round. The duplicate cache
// and early response buffer are deliberately left out; after a restart
// every message is admitted fresh.
type roundSnapshot struct {
	Height     uint64
	View       uint8
	PrevHash   []byte
	Version    uint32
	PendingTxs [][]byte

	Proposal           []byte
	ProposalSender     uint16
	ProposalInvocation []byte
	PreparationHash    []byte

	Responses   []snapshotVote
	Commits     []snapshotCommit
	ChangeViews []snapshotChangeView

	ResponseSent   bool
	CommitSent     bool
	BlockFinalized bool

	LastSeen map[uint16]uint64
}

// persist writes the current round to the store, when one is set.
// Persistence failures are logged, not fatal: the node keeps running
// and simply recovers from peers after a crash.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	snap := &roundSnapshot{
		Height:         e.state.Height,
		View:           e.state.View,
		PrevHash:       append([]byte(nil), e.prevHash[:]...),
		Version:        e.version,
		ResponseSent:   e.state.responseSent,
		CommitSent:     e.state.commitSent,
		BlockFinalized: e.state.blockFinalized,
		LastSeen:       make(map[uint16]uint64, len(e.state.lastSeenHeight)),
	}
	for _, tx := range e.pendingTxs {
		snap.PendingTxs = append(snap.PendingTxs, append([]byte(nil), tx[:]...))
	}
	if e.state.hasProposal {
		body, err := e.state.proposal.MarshalBinary()
		if err != nil {
			e.logger.Error("failed to encode proposal for snapshot", "error", err)
			return
		}
		snap.Proposal = body
		snap.ProposalSender = uint16(e.state.proposalSender)
		snap.ProposalInvocation = e.state.proposalInvocation
	} else if e.state.hasPreparationHash {
		snap.PreparationHash = append([]byte(nil), e.state.preparationHash[:]...)
	}
	for id, invocation := range e.state.responses {
		snap.Responses = append(snap.Responses, snapshotVote{
			ValidatorID: uint16(id),
			Invocation:  invocation,
		})
	}
	for id, vote := range e.state.commits {
		snap.Commits = append(snap.Commits, snapshotCommit{
			ValidatorID: uint16(id),
			View:        vote.View,
			Signature:   append([]byte(nil), vote.Signature[:]...),
			Invocation:  vote.Invocation,
		})
	}
	for id, vote := range e.state.changeViews {
		snap.ChangeViews = append(snap.ChangeViews, snapshotChangeView{
			ValidatorID: uint16(id),
			NewView:     vote.NewView,
			Reason:      vote.Reason,
			Timestamp:   vote.Timestamp,
			Invocation:  vote.Invocation,
		})
	}
	for id, h := range e.state.lastSeenHeight {
		snap.LastSeen[uint16(id)] = h
	}
	data, err := encode(snap)
	if err != nil {
		e.logger.Error("failed to encode round snapshot", "error", err)
		return
	}
	if err := e.store.Save(data); err != nil {
		e.logger.Error("failed to persist round snapshot", "error", err)
	}
}

// Restore rebuilds the round from the store and resumes it without
// re-broadcasting anything. It reports whether a snapshot was found.
func (e *Engine) Restore() (bool, error) {
	if e.store == nil {
		return false, nil
	}
	data, err := e.store.Load()
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	snap := &roundSnapshot{}
	if err := decode(data, snap); err != nil {
		return false, fmt.Errorf("corrupt round snapshot: %w", err)
	}
	if !e.isValidator {
		return false, ErrNotValidator
	}
	now := e.clock()
	e.state.ResetForNewBlock(snap.Height, now)
	e.state.View = snap.View
	copy(e.prevHash[:], snap.PrevHash)
	e.version = snap.Version
	e.pendingTxs = nil
	for _, tx := range snap.PendingTxs {
		var h [32]byte
		copy(h[:], tx)
		e.pendingTxs = append(e.pendingTxs, h)
	}
	if len(snap.Proposal) > 0 {
		req := &PrepareRequest{}
		if err := req.UnmarshalBinary(snap.Proposal); err != nil {
			return false, fmt.Errorf("corrupt proposal in snapshot: %w", err)
		}
		e.state.proposal = req
		e.state.proposalHash = ProposalHash(e.network, snap.Height, req)
		e.state.hasProposal = true
		e.state.proposalSender = ValidatorID(snap.ProposalSender)
		e.state.proposalInvocation = snap.ProposalInvocation
	} else if len(snap.PreparationHash) == 32 {
		copy(e.state.preparationHash[:], snap.PreparationHash)
		e.state.hasPreparationHash = true
	}
	for _, v := range snap.Responses {
		e.state.responses[ValidatorID(v.ValidatorID)] = v.Invocation
	}
	for _, c := range snap.Commits {
		vote := commitVote{View: c.View, Invocation: c.Invocation}
		copy(vote.Signature[:], c.Signature)
		e.state.commits[ValidatorID(c.ValidatorID)] = vote
	}
	for _, cv := range snap.ChangeViews {
		e.state.changeViews[ValidatorID(cv.ValidatorID)] = changeViewVote{
			NewView:    cv.NewView,
			Reason:     cv.Reason,
			Timestamp:  cv.Timestamp,
			Invocation: cv.Invocation,
		}
	}
	e.state.responseSent = snap.ResponseSent
	e.state.commitSent = snap.CommitSent
	e.state.blockFinalized = snap.BlockFinalized
	for id, h := range snap.LastSeen {
		e.state.lastSeenHeight[ValidatorID(id)] = h
	}
	e.running = true
	e.logger.Info("resumed consensus round from snapshot",
		"height", snap.Height, "view", snap.View, "commits", len(snap.Commits))
	return true, nil
}
