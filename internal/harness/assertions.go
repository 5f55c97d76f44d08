package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/apsync/internal/apply"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Slot, ev.Kind, ev.Target)
			if len(ev.Errors) > 0 {
				fmt.Fprintf(&buf, " %v", ev.Errors)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the final cache.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertDispatchOrder:
			err = assertDispatchOrder(result.Trace, a)
		case AssertDispatchCount:
			err = assertDispatchCount(result.Trace, a)
		case AssertDispatchError:
			err = assertDispatchError(result.Trace, a)
		case AssertWatermark:
			err = assertWatermark(result, a)
		case AssertHealth:
			err = assertHealth(result, a)
		case AssertNode:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("node assertion requires a cache")
				break
			}
			err = assertNode(actx.Ctx, actx.Store, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

// assertDispatchOrder checks that the first occurrence of each kind
// appears in the given order. Other kinds may appear in between.
func assertDispatchOrder(trace []TraceEvent, a Assertion) error {
	first := make(map[string]int)
	for i, ev := range trace {
		if _, ok := first[string(ev.Kind)]; !ok {
			first[string(ev.Kind)] = i
		}
	}

	for _, k := range a.Kinds {
		if _, ok := first[k]; !ok {
			return &AssertionError{
				Type:     AssertDispatchOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", k),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if first[prev] >= first[curr] {
			return &AssertionError{
				Type:     AssertDispatchOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, first[prev], curr, first[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertDispatchCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if string(ev.Kind) == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertDispatchCount,
			Expected: fmt.Sprintf("%d slots of kind %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d slots", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertDispatchError(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Slot != a.Slot {
			continue
		}
		if slices.Contains(ev.Errors, a.Code) {
			return nil
		}
		return &AssertionError{
			Type:     AssertDispatchError,
			Expected: fmt.Sprintf("slot %d committed with %s", a.Slot, a.Code),
			Actual:   fmt.Sprintf("errors %v", ev.Errors),
			Trace:    trace,
		}
	}
	return &AssertionError{
		Type:     AssertDispatchError,
		Expected: fmt.Sprintf("slot %d committed with %s", a.Slot, a.Code),
		Actual:   "slot not committed",
		Trace:    trace,
	}
}

func assertWatermark(result *Result, a Assertion) error {
	if result.Watermark != a.Value {
		return &AssertionError{
			Type:     AssertWatermark,
			Expected: a.Value,
			Actual:   fmt.Sprintf("%q", result.Watermark),
		}
	}
	return nil
}

func assertHealth(result *Result, a Assertion) error {
	if result.State != a.State {
		return &AssertionError{
			Type:     AssertHealth,
			Expected: a.State,
			Actual:   result.State,
		}
	}
	return nil
}

// assertNode reads the cached row of a node and compares the expected
// fields. Only the listed fields are checked.
func assertNode(ctx context.Context, st *store.Store, a Assertion) error {
	row, err := st.GetRow(ctx, apply.TableNodes, a.Handle)
	if errors.Is(err, store.ErrNotFound) {
		if a.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertNode,
			Expected: fmt.Sprintf("node %s cached", a.Handle),
			Actual:   "row not found",
		}
	}
	if err != nil {
		return fmt.Errorf("read node %s: %w", a.Handle, err)
	}
	if a.Absent {
		return &AssertionError{
			Type:     AssertNode,
			Expected: fmt.Sprintf("node %s absent", a.Handle),
			Actual:   "row present",
		}
	}

	n := record.NodeFromRow(row)
	actual := nodeFields(n)
	for _, key := range sortedExpectKeys(a.Expect) {
		if !valuesEqual(a.Expect[key], actual[key]) {
			return &AssertionError{
				Type:     AssertNode,
				Expected: fmt.Sprintf("%s.%s = %v", a.Handle, key, a.Expect[key]),
				Actual:   fmt.Sprintf("%s.%s = %v", a.Handle, key, actual[key]),
			}
		}
	}
	return nil
}

func nodeFields(n record.Node) map[string]any {
	out := map[string]any{
		"parent":      string(n.Parent),
		"type":        n.Type.String(),
		"name":        n.Name(),
		"size":        n.Size,
		"key_missing": n.KeyMissing,
		"share_user":  "",
	}
	if n.Share != nil {
		out["share_user"] = string(n.Share.Owner)
	}
	return out
}

func sortedExpectKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// valuesEqual compares a YAML-decoded expectation with an actual field.
// YAML integers decode as int; node sizes are int64.
func valuesEqual(expected, actual any) bool {
	switch exp := expected.(type) {
	case int:
		act, ok := actual.(int64)
		return ok && int64(exp) == act
	case int64:
		act, ok := actual.(int64)
		return ok && exp == act
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case bool:
		act, ok := actual.(bool)
		return ok && exp == act
	case nil:
		return actual == nil
	}
	return false
}
