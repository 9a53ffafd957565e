package delivery

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for delivery operations.
var (
	// ErrInvalidPayload indicates a job body that cannot be processed.
	// Such jobs are failed without retry.
	ErrInvalidPayload = errors.New("invalid delivery payload")

	// ErrChannelUnavailable indicates the campaign's channel is missing or
	// inactive. It is retried like a channel that is not ready.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrEmptyContent indicates a message that rendered to nothing.
	ErrEmptyContent = errors.New("rendered message is empty")
)

// BudgetExhaustedError reports that the channel's sliding-window budget
// has no room for another send until Wait has passed.
type BudgetExhaustedError struct {
	Wait time.Duration
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("send budget exhausted, next slot in %s", e.Wait)
}
