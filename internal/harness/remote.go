package harness

import (
	"context"
	"bytes"
	"encoding/json"
	"errors"
	"sync"

	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
)

var errUnreachable = errors.New("dial tcp: connect: network is unreachable")

// scriptedRemote is an in-process remote. It applies each idempotency key
// at most once and acknowledges resends of an applied key without applying
// them again.
type scriptedRemote struct {
	mu     sync.Mutex
	mode   string
	seen   map[string]bool
	result *Result
}

func newScriptedRemote(result *Result) *scriptedRemote {
	return &scriptedRemote{
		mode:   RemoteOK,
		seen:   make(map[string]bool),
		result: result,
	}
}

func (r *scriptedRemote) setMode(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
}

// Submit implements engine.Submitter.
func (r *scriptedRemote) Submit(ctx context.Context, rec queue.PendingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	endpoint := remote.DefaultEndpoints[rec.Type]
	var (
		outcome string
		err     error
	)
	switch r.mode {
	case RemoteDown:
		outcome = OutcomeDown
		err = errUnreachable
	case RemoteReject:
		outcome = OutcomeRejected
		err = &remote.StatusError{StatusCode: 500, Endpoint: endpoint}
	default:
		payload, perr := decodePayload(rec.Payload)
		if perr != nil {
			outcome = OutcomeRejected
			err = &remote.StatusError{StatusCode: 400, Endpoint: endpoint}
			break
		}
		if r.seen[rec.IdempotencyKey] {
			outcome = OutcomeDuplicate
			r.result.Duplicates++
			break
		}
		r.seen[rec.IdempotencyKey] = true
		r.result.Applied = append(r.result.Applied, Applied{
			Type:           string(rec.Type),
			IdempotencyKey: rec.IdempotencyKey,
			Payload:        payload,
		})
		if r.mode == RemoteLostResponse {
			outcome = OutcomeLostResponse
			err = context.DeadlineExceeded
		} else {
			outcome = OutcomeAccepted
		}
	}

	r.result.addTrace("deliver", map[string]any{
		"record_type": string(rec.Type),
		"local_id":    rec.LocalID,
		"key":         rec.IdempotencyKey,
		"payload":     string(rec.Payload),
		"outcome":     outcome,
	})
	return err
}

// decodePayload keeps numbers as json.Number so integer fields survive.
func decodePayload(data []byte) (map[string]any, error) {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}
