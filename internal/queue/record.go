package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownRecordType is returned for a record type with no pending table.
	ErrUnknownRecordType = errors.New("unknown record type")

	// ErrInvalidPayload is returned when a payload is not a JSON document.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

// RecordType names a kind of business record that can be queued.
type RecordType string

const (
	Sale       RecordType = "sale"
	Enrollment RecordType = "enrollment"
)

// RecordTypes lists every queueable type in drain order.
var RecordTypes = []RecordType{Sale, Enrollment}

// ParseRecordType accepts the singular or plural form ("sale", "sales").
func ParseRecordType(s string) (RecordType, error) {
	switch s {
	case "sale", "sales":
		return Sale, nil
	case "enrollment", "enrollments":
		return Enrollment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRecordType, s)
}

func (t RecordType) table() (string, error) {
	switch t {
	case Sale:
		return "pending_sales", nil
	case Enrollment:
		return "pending_enrollments", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRecordType, string(t))
}

// PendingRecord is one queued business record.
type PendingRecord struct {
	LocalID        int64           `json:"localId"`
	Type           RecordType      `json:"recordType"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
}
