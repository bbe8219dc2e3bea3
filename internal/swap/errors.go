package swap

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means a polling loop exhausted without counterparty
	// action.
	ErrTimeout = errors.New("timed out waiting for counterparty")

	// ErrRefunded means the swap was aborted by timeout and the refund
	// path ran (a broadcast refund on the Bitcoin leg, or protocol expiry
	// on the Bitshares leg).
	ErrRefunded = errors.New("swap aborted, refund executed")
)

// errRefundedTimeout marks a timeout whose refund path ran.
func errRefundedTimeout() error {
	return fmt.Errorf("%w: %w", ErrRefunded, ErrTimeout)
}
