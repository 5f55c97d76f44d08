package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/apsync/internal/record"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Watermark    string       `json:"watermark"`
}

// toObject converts the snapshot for canonical JSON serialization.
func (s *TraceSnapshot) toObject() record.Object {
	trace := make(record.List, len(s.Trace))
	for i, ev := range s.Trace {
		obj := record.Object{
			"slot":    record.Int(int64(ev.Slot)),
			"kind":    record.String(ev.Kind),
			"nodes":   record.Int(int64(ev.Nodes)),
			"invoked": record.Bool(ev.Invoked),
		}
		if ev.Target != "" {
			obj["target"] = record.String(ev.Target)
		}
		if len(ev.Errors) > 0 {
			codes := make(record.List, len(ev.Errors))
			for j, c := range ev.Errors {
				codes[j] = record.String(c)
			}
			obj["errors"] = codes
		}
		trace[i] = obj
	}
	return record.Object{
		"scenario_name": record.String(s.ScenarioName),
		"trace":         trace,
		"watermark":     record.String(s.Watermark),
	}
}

// MarshalTrace renders a result as canonical JSON.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Watermark:    result.Watermark,
	}
	return record.MarshalCanonical(snapshot.toObject())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can inspect assertion failures, or an
// error if the scenario could not be executed.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
