package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/queue"
)

// ErrStopped is returned by Trigger after Stop.
var ErrStopped = errors.New("engine stopped")

// DeliveryError records a failed remote submission. The record stays queued.
type DeliveryError struct {
	Type    queue.RecordType
	LocalID int64
	Err     error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s %d: %v", e.Type, e.LocalID, e.Err)
}

// Unwrap returns the submitter's error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}
