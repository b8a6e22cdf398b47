package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Config"))
		if !schemaDef.Exists() {
			schemaErr = errors.New("config schema has no #Config definition")
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// ValidationError reports a configuration value the schema rejects.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var schemaMu sync.Mutex

func validateSchema(c Config) error {
	ctx, def, err := compiledSchema()
	if err != nil {
		return err
	}
	// A cue.Context is not safe for concurrent use.
	schemaMu.Lock()
	defer schemaMu.Unlock()

	v := def.Unify(ctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		errs := cueerrors.Errors(err)
		if len(errs) == 0 {
			return &ValidationError{Err: err}
		}
		first := errs[0]
		return &ValidationError{
			Field: fieldPath(first.Path()),
			Err:   errors.New(cueerrors.Details(err, nil)),
		}
	}
	return nil
}

// fieldPath renders a schema error path the way a config file spells it.
func fieldPath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

// document mirrors the YAML layout so the schema sees the same field names
// a config file uses.
func (c Config) document() map[string]any {
	sources := c.Streaming.Sources
	if sources == nil {
		sources = []string{}
	}
	thresholds := c.Partition.Thresholds
	if thresholds == nil {
		thresholds = []float64{}
	}
	throttle := c.Partition.Throttle
	if throttle == nil {
		throttle = []int{}
	}
	return map[string]any{
		"pools": map[string]any{
			"max_per_class": c.Pools.MaxPerClass,
		},
		"containment": map[string]any{
			"engine_threshold": c.Containment.EngineThreshold,
			"script_threshold": c.Containment.ScriptThreshold,
			"ecs_threshold":    c.Containment.ECSThreshold,
			"window":           c.Containment.Window.String(),
		},
		"partition": map[string]any{
			"thresholds":     thresholds,
			"fast_path":      c.Partition.FastPath,
			"camera_epsilon": c.Partition.CameraEpsilon,
			"throttle":       throttle,
		},
		"streaming": map[string]any{
			"base_url":             c.Streaming.BaseURL,
			"content_dir":          c.Streaming.ContentDir,
			"sources":              sources,
			"request_timeout":      c.Streaming.RequestTimeout.String(),
			"cache_size":           c.Streaming.CacheSize,
			"max_concurrent_loads": c.Streaming.MaxConcurrentLoads,
		},
		"sandbox": map[string]any{
			"instruction_budget": c.Sandbox.InstructionBudget,
		},
		"store": map[string]any{
			"path":             c.Store.Path,
			"checkpoint_every": c.Store.CheckpointEvery,
		},
		"loop": map[string]any{
			"tick_rate": c.Loop.TickRate.String(),
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}
