package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/netstate"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Harness holds the components one scenario runs against.
type Harness struct {
	store   *store.Store
	queue   *queue.Queue
	engine  *engine.Engine
	monitor *netstate.Monitor
	remote  *scriptedRemote
}

// sequentialKeys issues key-001, key-002, ... so traces are reproducible.
type sequentialKeys struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialKeys) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("key-%03d", g.n)
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh on-disk store in its own temporary directory. The
// device starts online and the remote starts in ok mode. An error is
// returned only when the run itself breaks; failed assertions are reported
// on the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "fieldsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "fieldsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(testutil.Epoch)
	result := NewResult()

	h := &Harness{
		store:   st,
		monitor: netstate.NewMonitor(true, netstate.WithClock(clock.Now)),
		remote:  newScriptedRemote(result),
	}
	h.queue = queue.New(st,
		queue.WithKeyGenerator(&sequentialKeys{}),
		queue.WithClock(clock.Now),
	)
	h.engine = engine.New(h.queue, h.remote,
		engine.WithOnline(h.monitor.Online),
		engine.WithParallelTypes(scenario.ParallelTypes),
		engine.WithClock(clock.Now),
	)

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending records: %w", err)
	}
	for t, n := range counts {
		result.Pending[string(t)] = n
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Network != "":
		online := step.Network == "online"
		h.monitor.Set(online)
		result.addTrace("network", map[string]any{"online": online})

	case step.Remote != "":
		h.remote.setMode(step.Remote)
		result.addTrace("remote", map[string]any{"mode": step.Remote})

	case step.Enqueue != nil:
		t, err := queue.ParseRecordType(step.Enqueue.Type)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(step.Enqueue.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		id, err := h.queue.Enqueue(ctx, t, payload)
		if err != nil {
			return err
		}
		result.addTrace("enqueue", map[string]any{
			"record_type": string(t),
			"local_id":    id,
		})

	case step.Sync != "":
		sum, ran, err := h.engine.Serve(ctx, engine.Reason(step.Sync))
		if err != nil {
			return err
		}
		fields := map[string]any{
			"reason": step.Sync,
			"ran":    ran,
		}
		if ran {
			result.Drains++
			fields["drain"] = sum.Seq
			fields["delivered"] = sum.Delivered()
			fields["failed"] = sum.Failed()
		}
		result.addTrace("sync", fields)

	default:
		return fmt.Errorf("empty step")
	}
	return nil
}
