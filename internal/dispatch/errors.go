package dispatch

import "errors"

var (
	ErrInvalidRequest        = errors.New("invalid evaluation request")
	ErrInvalidResponse       = errors.New("invalid response")
	ErrUnknownRequest        = errors.New("unknown request")
	ErrAlreadyFulfilled      = errors.New("outbound request already fulfilled")
	ErrEvaluationComplete    = errors.New("evaluation already complete")
	ErrInsufficientResponses = errors.New("insufficient responses")
	ErrTimeoutNotReached     = errors.New("response timeout not reached")
	ErrFunding               = errors.New("fee funding failed")
	ErrSettlement            = errors.New("bonus settlement failed")
	ErrUnauthorized          = errors.New("unauthorized caller")
	ErrInvalidConfig         = errors.New("invalid dispatcher config")
)
