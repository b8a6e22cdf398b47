package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures the deterministic part of a scenario execution.
// Digests and error messages are left out.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []FrameTrace `json:"trace"`
	Suspended    []string     `json:"suspended,omitempty"`
}

// Marshal renders the snapshot as indented JSON with a trailing newline.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden runs a scenario and checks its trace against
// testdata/golden/<name>.golden. Pass -update to rewrite the file.
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

// AssertGolden checks an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := TraceSnapshot{ScenarioName: name, Trace: result.Trace, Suspended: result.Suspended}.Marshal()
	if err != nil {
		return fmt.Errorf("golden %s: %w", name, err)
	}
	goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	).Assert(t, name, data)
	return nil
}
