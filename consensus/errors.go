package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotValidator is returned when the local key is not part of the
	// committee for the round being started.
	ErrNotValidator = errors.New("local node is not a validator for this round")

	// ErrUnknownValidator is returned when a message carries a
	// validator id outside the committee.
	ErrUnknownValidator = errors.New("unknown validator id")

	// ErrSignatureInvalid is returned when a message signature does not
	// verify against the sender's committee key.
	ErrSignatureInvalid = errors.New("invalid message signature")

	// ErrInvalidProposal is returned when a proposal or vote is
	// structurally unacceptable.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrViewNumberOverflow is returned when a view change would push
	// the view number past its maximum.
	ErrViewNumberOverflow = fmt.Errorf("%w: view number overflow", ErrInvalidProposal)

	// ErrNotRunning is returned when a message arrives before Start.
	ErrNotRunning = errors.New("consensus round not running")
)

// WrongBlockError reports a message for a height the engine is not at.
type WrongBlockError struct {
	Expected uint64
	Got      uint64
}

func (e *WrongBlockError) Error() string {
	return fmt.Sprintf("wrong block height: expected %d, got %d", e.Expected, e.Got)
}
