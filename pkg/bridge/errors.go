package bridge

import "errors"

// The bridge-wide error taxonomy. Operations wrap these with context via
// fmt.Errorf and %w; callers branch with errors.Is.
var (
	ErrPaused            = errors.New("contract is paused")
	ErrUnauthorized      = errors.New("caller is not authorized")
	ErrNotWhitelisted    = errors.New("token is not whitelisted")
	ErrBadAmount         = errors.New("invalid amount")
	ErrFeesExceedAmount  = errors.New("fees exceed transferred amount")
	ErrBadState          = errors.New("invalid state for operation")
	ErrInvalidEncoding   = errors.New("invalid encoding")
	ErrQuorumNotReached  = errors.New("quorum not reached")
	ErrNothingToRefund   = errors.New("nothing to refund")
	ErrDuplicateProposal = errors.New("action was already proposed")
)
