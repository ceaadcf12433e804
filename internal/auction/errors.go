package auction

import (
	"errors"
	"fmt"
)

// Store-level sentinels. The engine translates these into rejection errors
// where they are an expected, user-facing outcome.
var (
	ErrNotFound = errors.New("auction not found")
	ErrConflict = errors.New("concurrent auction update conflict")
)

// ErrInvalid marks caller mistakes in auction parameters, so transports can
// tell them apart from internal faults.
var ErrInvalid = errors.New("invalid auction parameters")

type RejectReason string

const (
	ReasonNotFound             RejectReason = "not_found"
	ReasonNotActive            RejectReason = "not_active"
	ReasonBidTooLow            RejectReason = "bid_too_low"
	ReasonExceedsMaxPrice      RejectReason = "exceeds_max_price"
	ReasonAlreadyHighestBidder RejectReason = "already_highest_bidder"
	ReasonConflict             RejectReason = "conflict"
	ReasonTimeout              RejectReason = "timeout"
)

// RejectionError is the structured, user-facing outcome of a refused
// operation. It is never used for internal faults.
type RejectionError struct {
	Reason  RejectReason
	Message string

	// MinimumBid carries the computed minimum for bid_too_low rejections.
	MinimumBid int64
}

func (e *RejectionError) Error() string {
	return e.Message
}

func reject(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// RejectionOf unwraps err into a RejectionError, or returns nil when err is
// an internal fault.
func RejectionOf(err error) *RejectionError {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}
