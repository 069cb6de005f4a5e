package harness

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fieldsync/internal/queue"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nDeliveries:\n")
	for _, event := range e.Trace {
		if event.Type == "deliver" {
			fmt.Fprintf(&buf, "  [%d] %v #%v %v\n",
				event.Seq, event.Fields["record_type"], event.Fields["local_id"], event.Fields["outcome"])
		}
	}
	return buf.String()
}

// recordType normalizes an assertion's record type; empty stays empty.
func recordType(s string) string {
	if s == "" {
		return ""
	}
	t, err := queue.ParseRecordType(s)
	if err != nil {
		return s
	}
	return string(t)
}

func assertPending(result *Result, a Assertion) error {
	t := recordType(a.RecordType)
	if got := result.Pending[t]; got != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending %s records", a.Count, t),
			Actual:   fmt.Sprintf("%d pending", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// applied returns the applied records of one type, or all of them when t
// is empty.
func applied(result *Result, t string) []Applied {
	var out []Applied
	for _, rec := range result.Applied {
		if t == "" || rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}

func assertDeliveredCount(result *Result, a Assertion) error {
	t := recordType(a.RecordType)
	if got := len(applied(result, t)); got != a.Count {
		what := "records"
		if t != "" {
			what = t + " records"
		}
		return &AssertionError{
			Type:     AssertDeliveredCount,
			Expected: fmt.Sprintf("%d %s applied by the remote", a.Count, what),
			Actual:   fmt.Sprintf("%d applied", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// fieldValues collects an integer payload field over applied records.
func fieldValues(records []Applied, field string) ([]int64, error) {
	values := make([]int64, 0, len(records))
	for _, rec := range records {
		v, ok := intField(rec.Payload, field)
		if !ok {
			return nil, fmt.Errorf("record %s has no integer field %q", rec.IdempotencyKey, field)
		}
		values = append(values, v)
	}
	return values, nil
}

func intField(payload map[string]any, field string) (int64, bool) {
	switch v := payload[field].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func assertDeliveredSum(result *Result, a Assertion) error {
	values, err := fieldValues(applied(result, recordType(a.RecordType)), a.Field)
	if err != nil {
		return fmt.Errorf("%s: %w", AssertDeliveredSum, err)
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	if sum != a.Equals {
		return &AssertionError{
			Type:     AssertDeliveredSum,
			Expected: fmt.Sprintf("sum of %s = %d", a.Field, a.Equals),
			Actual:   fmt.Sprintf("sum of %s = %d over %d records", a.Field, sum, len(values)),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertDeliveredOrder(result *Result, a Assertion) error {
	values, err := fieldValues(applied(result, recordType(a.RecordType)), a.Field)
	if err != nil {
		return fmt.Errorf("%s: %w", AssertDeliveredOrder, err)
	}
	if !slices.Equal(values, a.Order) {
		return &AssertionError{
			Type:     AssertDeliveredOrder,
			Expected: fmt.Sprintf("%s applied in order %v", a.Field, a.Order),
			Actual:   fmt.Sprintf("%v", values),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertUniqueKeys(result *Result) error {
	seen := make(map[string]bool, len(result.Applied))
	for _, rec := range result.Applied {
		if seen[rec.IdempotencyKey] {
			return &AssertionError{
				Type:     AssertUniqueKeys,
				Expected: "every applied record has its own idempotency key",
				Actual:   fmt.Sprintf("key %s applied twice", rec.IdempotencyKey),
				Trace:    result.Trace,
			}
		}
		seen[rec.IdempotencyKey] = true
	}
	return nil
}

func assertCounter(result *Result, kind string, got, want int) error {
	if got != want {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%d %s", want, kind),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion against a result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertPending:
			err = assertPending(result, assertion)
		case AssertDeliveredCount:
			err = assertDeliveredCount(result, assertion)
		case AssertDeliveredSum:
			err = assertDeliveredSum(result, assertion)
		case AssertDeliveredOrder:
			err = assertDeliveredOrder(result, assertion)
		case AssertUniqueKeys:
			err = assertUniqueKeys(result)
		case AssertDuplicates:
			err = assertCounter(result, AssertDuplicates, result.Duplicates, assertion.Count)
		case AssertDrains:
			err = assertCounter(result, AssertDrains, result.Drains, assertion.Count)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
