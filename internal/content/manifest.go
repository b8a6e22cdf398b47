package content

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		manifestSchema, manifestSchemaErr = jsonschema.CompileString("manifest.schema.json", manifestSchemaJSON)
	})
	return manifestSchema, manifestSchemaErr
}

// Manifest lists the asset bundles a scene was converted into.
type Manifest struct {
	Version      string   `json:"version"`
	Files        []string `json:"files"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// NoManifest is the sentinel for a scene without a usable manifest. Scenes
// then load assets by their raw URLs.
var NoManifest = Manifest{}

// Present reports whether m is a real manifest.
func (m Manifest) Present() bool {
	return m.Version != ""
}

// Contains reports whether the manifest lists file.
func (m Manifest) Contains(file string) bool {
	return slices.Contains(m.Files, file)
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return NoManifest, fmt.Errorf("compile manifest schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return NoManifest, fmt.Errorf("decode manifest: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return NoManifest, fmt.Errorf("validate manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return NoManifest, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// FetchManifest fetches and validates a manifest. Any failure returns
// NoManifest with the cause; callers decide whether to log it.
func FetchManifest(ctx context.Context, f Fetcher, url string) (Manifest, error) {
	data, err := f.FetchBytes(ctx, url)
	if err != nil {
		return NoManifest, err
	}
	return ParseManifest(data)
}
