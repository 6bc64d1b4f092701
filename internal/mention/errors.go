package mention

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a malformed merge request. No state changes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound reports a channel without registry entry.
	ErrNotFound = errors.New("channel not found")
	// ErrStopped reports a scheduler that is not running.
	ErrStopped = errors.New("scheduler stopped")
)

// DeliveryError wraps a failed delivery for one channel tick.
type DeliveryError struct {
	Channel ChannelID
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
