package consensus

import (
	"time"
)

// maxSeenCacheSize bounds the duplicate-suppression cache. When it
// fills up it is cleared wholesale; re-accepting an old message is
// harmless because vote maps are keyed by validator.
const maxSeenCacheSize = 100_000

// timeoutShiftCap caps the exponential backoff so late views still get
// a finite timer.
const timeoutShiftCap = 6

type commitVote struct {
	View       uint8
	Signature  [64]byte
	Invocation []byte
}

type changeViewVote struct {
	NewView    uint8
	Reason     uint8
	Timestamp  uint64
	Invocation []byte
}

// State is the whole mutable state of one consensus round. It is owned
// by the engine goroutine and never touched concurrently.
type State struct {
	Height uint64
	View   uint8

	proposal           *PrepareRequest
	proposalHash       [32]byte
	hasProposal        bool
	proposalSender     ValidatorID
	proposalInvocation []byte

	// preparationHash is set when only the hash of the proposal is
	// known, recovered from other validators' votes.
	preparationHash    [32]byte
	hasPreparationHash bool

	responses   map[ValidatorID][]byte
	commits     map[ValidatorID]commitVote
	changeViews map[ValidatorID]changeViewVote

	earlyResponses map[ValidatorID]*Payload

	responseSent   bool
	commitSent     bool
	blockFinalized bool

	lastSeenHeight map[ValidatorID]uint64
	seen           map[[32]byte]struct{}

	baseTimeout time.Duration
	viewStart   time.Time
}

// NewState returns an empty round state with the given per-view base
// timeout.
func NewState(baseTimeout time.Duration) *State {
	s := &State{baseTimeout: baseTimeout}
	s.ResetForNewBlock(0, time.Time{})
	s.lastSeenHeight = make(map[ValidatorID]uint64)
	return s
}

// ResetForNewBlock wipes everything for a fresh height at view 0. The
// duplicate cache is cleared; liveness tracking survives because it
// spans heights.
func (s *State) ResetForNewBlock(height uint64, now time.Time) {
	s.Height = height
	s.View = 0
	s.clearProposal()
	s.responses = make(map[ValidatorID][]byte)
	s.commits = make(map[ValidatorID]commitVote)
	s.changeViews = make(map[ValidatorID]changeViewVote)
	s.earlyResponses = make(map[ValidatorID]*Payload)
	s.responseSent = false
	s.commitSent = false
	s.blockFinalized = false
	s.seen = make(map[[32]byte]struct{})
	s.viewStart = now
}

// ResetForNewView moves to the given view within the same height.
// Commits and change view votes are kept: commits are never lost, and
// keeping change view votes lets recovery replay them. The duplicate
// cache also survives so replayed messages stay suppressed.
func (s *State) ResetForNewView(view uint8, now time.Time) {
	s.View = view
	s.clearProposal()
	s.responses = make(map[ValidatorID][]byte)
	s.earlyResponses = make(map[ValidatorID]*Payload)
	s.responseSent = false
	s.viewStart = now
}

func (s *State) clearProposal() {
	s.proposal = nil
	s.proposalHash = [32]byte{}
	s.hasProposal = false
	s.proposalSender = 0
	s.proposalInvocation = nil
	s.preparationHash = [32]byte{}
	s.hasPreparationHash = false
}

// MarkSeen records a message digest and reports whether it was new.
func (s *State) MarkSeen(digest [32]byte) bool {
	if _, ok := s.seen[digest]; ok {
		return false
	}
	if len(s.seen) >= maxSeenCacheSize {
		s.seen = make(map[[32]byte]struct{})
	}
	s.seen[digest] = struct{}{}
	return true
}

// UpdateLastSeen records the height a validator was last heard at.
func (s *State) UpdateLastSeen(id ValidatorID, height uint64) {
	if height > s.lastSeenHeight[id] {
		s.lastSeenHeight[id] = height
	}
}

// Deadline returns when the current view times out. The timeout doubles
// with each view so a struggling committee gets progressively more
// room, up to a cap.
func (s *State) Deadline() time.Time {
	shift := uint(s.View)
	if shift > timeoutShiftCap {
		shift = timeoutShiftCap
	}
	return s.viewStart.Add(s.baseTimeout << shift)
}

// IsTimedOut reports whether the current view has run past its
// deadline.
func (s *State) IsTimedOut(now time.Time) bool {
	return !now.Before(s.Deadline())
}

// RestartTimer re-arms the view timer from now.
func (s *State) RestartTimer(now time.Time) {
	s.viewStart = now
}

// CountCommitted returns how many validators have a recorded commit,
// in any view.
func (s *State) CountCommitted() int {
	return len(s.commits)
}

// CountFailed returns how many of the given validators look dead: no
// message ever, or none since before the previous height. With no
// traffic recorded at all there is nothing to judge peers by and
// nobody counts as failed.
func (s *State) CountFailed(validators *ValidatorSet) int {
	if len(s.lastSeenHeight) == 0 {
		return 0
	}
	var threshold uint64
	if s.Height > 0 {
		threshold = s.Height - 1
	}
	failed := 0
	for _, v := range validators.Ordered() {
		last, ok := s.lastSeenHeight[v.ID]
		if !ok || last < threshold {
			failed++
		}
	}
	return failed
}

// MoreThanFNodesCommittedOrLost reports whether so many validators are
// committed or unreachable that a view change could never gather
// quorum. In that situation the only way forward is recovery.
func (s *State) MoreThanFNodesCommittedOrLost(validators *ValidatorSet) bool {
	return s.CountCommitted()+s.CountFailed(validators) > validators.F()
}

// ProposalHash returns the hash preparation votes are counted against:
// the hash of the received proposal, or the recovered hash when only
// votes are known.
func (s *State) ProposalHash() ([32]byte, bool) {
	if s.hasProposal {
		return s.proposalHash, true
	}
	if s.hasPreparationHash {
		return s.preparationHash, true
	}
	return [32]byte{}, false
}

// PreparationCount counts the proposer plus all recorded responses.
func (s *State) PreparationCount() int {
	n := len(s.responses)
	if s.hasProposal {
		n++
	}
	return n
}
