package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectText(t *testing.T) {
	path := seedDatabase(t, nil)

	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Scenes: 1")
	assert.Contains(t, out, "scene-1 (plaza)")
	assert.Contains(t, out, "Batches: 1 bootstrap, 0 host, 2 scene")
	assert.Contains(t, out, "Checkpoint: seq 4, 2 cells")
	assert.Contains(t, out, "Fault report: seq 6, script, 1 fault(s)")
	assert.Contains(t, out, "boom")
}

func TestInspectJSON(t *testing.T) {
	path := seedDatabase(t, nil)

	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path, "--scene", "scene-1"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenes, 1)

	s := resp.Data.Scenes[0]
	assert.Equal(t, "plaza", s.Definition)
	assert.Equal(t, [3]float64{16, 0, 0}, s.Base)
	assert.Equal(t, map[string]int{"bootstrap": 1, "scene": 2}, s.Batches)
	assert.Equal(t, int64(4), s.SnapshotSeq)
	assert.NotEmpty(t, s.Digest)
	require.Len(t, s.FaultReports, 1)
	assert.Equal(t, []string{"boom"}, s.FaultReports[0].Faults)
}
