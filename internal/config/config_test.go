package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/streamable"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	settings := cfg.Partition.Settings()
	assert.Equal(t, []float64{256, 1024, 4096, 16384}, settings.SqrThresholds)
	assert.Equal(t, 65536.0, settings.FastPathSqrDistance)
	assert.Equal(t, 30, cfg.Containment.Settings().ScriptThreshold)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
containment:
  script_threshold: 5
  window: 2m
partition:
  thresholds: [10, 20]
  throttle: [1, 3]
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Containment.ScriptThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Containment.Window)
	assert.Equal(t, 3, cfg.Containment.EngineThreshold, "unset keys keep their default")
	assert.Equal(t, []float64{100, 400}, cfg.Partition.Settings().SqrThresholds)
	assert.Equal(t, []int{1, 3}, cfg.Partition.Throttle)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("containment:\n  scrip_threshold: 5\n"))
	assert.ErrorContains(t, err, "scrip_threshold")
}

func TestParse_SchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"log level", "log:\n  level: loud\n", "level"},
		{"log format", "log:\n  format: xml\n", "format"},
		{"zero threshold", "containment:\n  engine_threshold: 0\n", "engine_threshold"},
		{"negative pool", "pools:\n  max_per_class: -1\n", "max_per_class"},
		{"unknown source", "streaming:\n  sources: [ftp]\n", "sources"},
		{"zero throttle", "partition:\n  throttle: [1, 0]\n", "throttle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParse_ThresholdsMustAscend(t *testing.T) {
	_, err := Parse([]byte("partition:\n  thresholds: [32, 16]\n"))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "partition", ve.Field)
	assert.ErrorContains(t, err, "ascending")
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
containment:
  script_threshold: 5
loop:
  tick_rate: 50ms
store:
  path: from-file.db
`), 0o644))

	cfg, err := Load(path, WithEnvironment(map[string]string{
		"SCENESYNC_CONTAINMENT_SCRIPT_THRESHOLD": "7",
		"SCENESYNC_PARTITION_THROTTLE":           "1,2",
		"SCENESYNC_STORE_PATH":                   "from-env.db",
		"UNRELATED":                              "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Containment.ScriptThreshold, "environment wins over the file")
	assert.Equal(t, 50*time.Millisecond, cfg.Loop.TickRate, "file wins over defaults")
	assert.Equal(t, []int{1, 2}, cfg.Partition.Throttle)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
}

func TestLoad_EnvironmentIsValidated(t *testing.T) {
	_, err := Load("", WithEnvironment(map[string]string{
		"SCENESYNC_LOG_LEVEL": "loud",
	}))
	assert.True(t, IsValidationError(err))

	_, err = Load("", WithEnvironment(map[string]string{
		"SCENESYNC_CONTAINMENT_WINDOW": "soon",
	}))
	assert.ErrorContains(t, err, "parse env")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("containment: [\n"), 0o644))
	_, err = Load(path, WithEnvironment(map[string]string{}))
	assert.ErrorContains(t, err, "decode config")
}

func TestStreaming_SourceMask(t *testing.T) {
	mask, err := StreamingConfig{Sources: []string{"local"}}.SourceMask()
	require.NoError(t, err)
	assert.Equal(t, streamable.SourceLocal, mask)

	mask, err = StreamingConfig{Sources: []string{"Remote", " local "}}.SourceMask()
	require.NoError(t, err)
	assert.Equal(t, streamable.SourceAll, mask)

	mask, err = StreamingConfig{}.SourceMask()
	require.NoError(t, err)
	assert.Equal(t, streamable.SourceAll, mask)

	_, err = StreamingConfig{Sources: []string{"ftp"}}.SourceMask()
	assert.Error(t, err)
}

func TestStreaming_Fetcher(t *testing.T) {
	f := StreamingConfig{ContentDir: "scenes"}.Fetcher()
	assert.NotNil(t, f.Local)
	assert.Nil(t, f.Remote)

	f = StreamingConfig{BaseURL: "https://content.example"}.Fetcher()
	assert.Nil(t, f.Local)
	assert.NotNil(t, f.Remote)
}

func TestLogConfig(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, LogConfig{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, LogConfig{Level: "bogus"}.SlogLevel())

	var buf bytes.Buffer
	LogConfig{Level: "info", Format: "json"}.Logger(&buf).Info("hello", "scene_id", "a")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "a", line["scene_id"])

	buf.Reset()
	LogConfig{Level: "error", Format: "text"}.Logger(&buf).Info("dropped")
	assert.Empty(t, buf.String())
}
