package consensus

import "reflect"

// Message kinds, in wire order.
const (
	PrepareRequestKind uint8 = iota
	PrepareResponseKind
	CommitKind
	ChangeViewKind
	RecoveryRequestKind
	RecoveryMessageKind
)

// KindName returns a short name for logging.
func KindName(kind uint8) string {
	switch kind {
	case PrepareRequestKind:
		return "PrepareRequest"
	case PrepareResponseKind:
		return "PrepareResponse"
	case CommitKind:
		return "Commit"
	case ChangeViewKind:
		return "ChangeView"
	case RecoveryRequestKind:
		return "RecoveryRequest"
	case RecoveryMessageKind:
		return "RecoveryMessage"
	}
	return "Unknown"
}

// Change view reasons.
const (
	ReasonTimeout uint8 = iota
	ReasonChangeAgreement
	ReasonTxInvalid
	ReasonProposalInvalid
)

// Payload is the signed envelope every consensus message travels in.
// Data holds the kind-specific body in its canonical binary layout and
// Signature covers the envelope digest.
type Payload struct {
	Network     uint32
	Height      uint64
	View        uint8
	ValidatorID ValidatorID
	Kind        uint8
	Data        []byte
	Signature   []byte
}

// PrepareRequest is the primary's proposal for the current view.
type PrepareRequest struct {
	Version   uint32
	PrevHash  [32]byte
	Timestamp uint64
	Nonce     uint64
	TxHashes  [][32]byte
}

// PrepareResponse is a backup's acceptance of the proposal it received.
type PrepareResponse struct {
	PreparationHash [32]byte
}

// Commit carries a validator's block signature for the agreed proposal.
type Commit struct {
	BlockSignature [64]byte
}

// ChangeView asks the committee to move to NewViewNumber.
type ChangeView struct {
	NewViewNumber uint8
	Timestamp     uint64
	Reason        uint8
}

// NewChangeView builds a view change vote targeting the view after
// current. The view number is a single byte; a round that somehow burns
// through all 256 views cannot go further.
func NewChangeView(current uint8, reason uint8, timestamp uint64) (*ChangeView, error) {
	if current == 255 {
		return nil, ErrViewNumberOverflow
	}
	return &ChangeView{
		NewViewNumber: current + 1,
		Timestamp:     timestamp,
		Reason:        reason,
	}, nil
}

// RecoveryRequest asks recently alive validators to rebroadcast the
// round's vote history.
type RecoveryRequest struct {
	Timestamp uint64
}

// RecoveryMessage is the compact replay of everything the responder has
// seen for the current round.
type RecoveryMessage struct {
	ChangeViews  []ChangeViewCompact
	PrepareStage PrepareStage
	Responses    []PreparationCompact
	Commits      []CommitCompact
}

// PrepareStage carries either the full proposal (when the responder has
// it) or just the proposal hash other validators voted for.
type PrepareStage struct {
	RequestSender ValidatorID
	Request       *PrepareRequest
	ProposalHash  *[32]byte
}

// ChangeViewCompact is one validator's recorded view change vote.
type ChangeViewCompact struct {
	ValidatorID        ValidatorID
	OriginalViewNumber uint8
	Timestamp          uint64
	InvocationScript   []byte
}

// PreparationCompact is one validator's recorded preparation vote.
type PreparationCompact struct {
	ValidatorID      ValidatorID
	InvocationScript []byte
}

// CommitCompact is one validator's recorded commit, with the view it
// was cast in since commits survive view changes.
type CommitCompact struct {
	ViewNumber       uint8
	ValidatorID      ValidatorID
	Signature        [64]byte
	InvocationScript []byte
}

const PayloadTag uint8 = 0

var payload Payload

var reflectedTypesMap = map[uint8]reflect.Type{
	PayloadTag: reflect.TypeOf(payload),
}
