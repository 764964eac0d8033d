package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
// Step ids are left out; every other field is deterministic.
type TraceSnapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because xrm.MarshalCanonical only handles model types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	requests := make([]any, len(s.Result.Requests))
	for i, r := range s.Result.Requests {
		m := map[string]any{"message": r.Message}
		if r.Entity != "" {
			m["entity"] = r.Entity
		}
		if r.ID != "" {
			m["id"] = r.ID
		}
		if r.Error != "" {
			m["error"] = r.Error
		}
		requests[i] = m
	}

	audit := make([]any, len(s.Result.Audit))
	for i, rec := range s.Result.Audit {
		audit[i] = map[string]any{
			"seq":         rec.Seq,
			"message":     rec.MessageName,
			"stage":       rec.Stage.String(),
			"mode":        rec.Mode.String(),
			"plugin_type": rec.PluginType,
			"entity":      rec.EntityLogicalName,
			"depth":       rec.Depth,
			"failed":      rec.Failed,
		}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"requests":      requests,
		"audit":         audit,
	}
}

// Marshal returns the canonical JSON of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return xrm.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
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

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Result: result}
	traceJSON, err := snapshot.Marshal()
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
