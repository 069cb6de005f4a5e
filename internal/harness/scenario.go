package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/queue"
)

// Scenario is one scripted offline sync session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario checks.
	Description string `yaml:"description"`

	// ParallelTypes drains record types concurrently.
	ParallelTypes bool `yaml:"parallel_types,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is exactly one action.
type Step struct {
	// Network switches connectivity: "online" or "offline".
	Network string `yaml:"network,omitempty"`

	// Remote switches how the remote answers from now on; see the Remote*
	// modes.
	Remote string `yaml:"remote,omitempty"`

	// Enqueue queues a record.
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Sync fires a drain trigger with the given reason.
	Sync string `yaml:"sync,omitempty"`
}

// EnqueueStep queues one record.
type EnqueueStep struct {
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload"`
}

// Remote modes.
const (
	RemoteOK           = "ok"            // accept
	RemoteDown         = "down"          // unreachable, nothing applied
	RemoteReject       = "reject"        // HTTP 500, nothing applied
	RemoteLostResponse = "lost_response" // applied, but the reply never arrives
)

// Assertion checks the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// RecordType narrows pending, delivered_count and delivered_sum.
	RecordType string `yaml:"record_type,omitempty"`

	// Field is the integer payload field summed by delivered_sum.
	Field string `yaml:"field,omitempty"`

	// Count is the expected number for pending, delivered_count,
	// duplicates and drains.
	Count int `yaml:"count"`

	// Equals is the expected total for delivered_sum.
	Equals int64 `yaml:"equals,omitempty"`

	// Order lists the expected applied values of Field, in order.
	Order []int64 `yaml:"order,omitempty"`
}

// Assertion type constants.
const (
	AssertPending        = "pending"         // records still queued
	AssertDeliveredCount = "delivered_count" // records the remote applied
	AssertDeliveredSum   = "delivered_sum"   // sum of Field over applied records
	AssertDeliveredOrder = "delivered_order" // Field values in application order
	AssertUniqueKeys     = "unique_keys"     // applied records carry distinct keys
	AssertDuplicates     = "duplicates"      // resends the remote dropped
	AssertDrains         = "drains"          // sync steps that ran a pass
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	set := 0
	if s.Network != "" {
		set++
		if s.Network != "online" && s.Network != "offline" {
			return fmt.Errorf("steps[%d]: network must be online or offline, got %q", index, s.Network)
		}
	}
	if s.Remote != "" {
		set++
		switch s.Remote {
		case RemoteOK, RemoteDown, RemoteReject, RemoteLostResponse:
		default:
			return fmt.Errorf("steps[%d]: unknown remote mode %q", index, s.Remote)
		}
	}
	if s.Enqueue != nil {
		set++
		if _, err := queue.ParseRecordType(s.Enqueue.Type); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if s.Enqueue.Payload == nil {
			return fmt.Errorf("steps[%d]: enqueue payload is required", index)
		}
	}
	if s.Sync != "" {
		set++
		switch engine.Reason(s.Sync) {
		case engine.ReasonStart, engine.ReasonReconnect, engine.ReasonWake, engine.ReasonManual:
		default:
			return fmt.Errorf("steps[%d]: unknown sync reason %q", index, s.Sync)
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of network, remote, enqueue, sync is required", index)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.RecordType != "" {
		if _, err := queue.ParseRecordType(a.RecordType); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	}

	switch a.Type {
	case AssertPending:
		if a.RecordType == "" {
			return fmt.Errorf("assertions[%d]: record_type is required for pending", index)
		}
	case AssertDeliveredSum, AssertDeliveredOrder:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for %s", index, a.Type)
		}
	case AssertDeliveredCount, AssertUniqueKeys, AssertDuplicates, AssertDrains:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
