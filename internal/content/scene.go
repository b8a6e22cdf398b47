package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/scenesync/internal/geom"
)

// Parcel is a grid coordinate covered by a scene.
type Parcel struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// ParseParcel parses the "x,y" notation.
func ParseParcel(s string) (Parcel, error) {
	var p Parcel
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d,%d", &p.X, &p.Y); err != nil {
		return Parcel{}, fmt.Errorf("parse parcel %q: %w", s, err)
	}
	return p, nil
}

// ParcelSize is the edge length of a parcel in world units.
const ParcelSize = 16

// Base is the scene's anchor position.
type Base struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Vec returns the base as a vector.
func (b Base) Vec() geom.Vec3 {
	return geom.Vec3{X: b.X, Y: b.Y, Z: b.Z}
}

// SceneDefinition is the scene entity document.
type SceneDefinition struct {
	ID             string   `json:"id" yaml:"id"`
	Main           string   `json:"main" yaml:"main"`
	Base           Base     `json:"base" yaml:"base"`
	Parcels        []string `json:"parcels,omitempty" yaml:"parcels,omitempty"`
	RuntimeVersion string   `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
	// MainCRDT is the URL of the initial CRDT state. Empty means
	// "<id>/main.crdt".
	MainCRDT string `json:"main_crdt,omitempty" yaml:"main_crdt,omitempty"`
	// Manifest is the asset-bundle manifest URL. Empty means
	// "<id>/manifest.json".
	Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// Validate checks required fields and parcel syntax.
func (d SceneDefinition) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if d.Main == "" {
		errs = append(errs, errors.New("main is required"))
	}
	for _, p := range d.Parcels {
		if _, err := ParseParcel(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("scene definition %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}

// MainCRDTURL returns where the scene's initial state lives.
func (d SceneDefinition) MainCRDTURL() string {
	if d.MainCRDT != "" {
		return d.MainCRDT
	}
	return d.ID + "/main.crdt"
}

// ManifestURL returns where the scene's asset-bundle manifest lives.
func (d SceneDefinition) ManifestURL() string {
	if d.Manifest != "" {
		return d.Manifest
	}
	return d.ID + "/manifest.json"
}

// ScriptURL returns where the scene's main script lives. A relative Main
// is resolved against the scene id.
func (d SceneDefinition) ScriptURL() string {
	if strings.Contains(d.Main, "://") {
		return d.Main
	}
	return d.ID + "/" + strings.TrimPrefix(d.Main, "/")
}

// Center returns the world-space center of the scene's base parcel.
func (d SceneDefinition) Center() geom.Vec3 {
	return d.Base.Vec().Add(geom.Vec3{X: ParcelSize / 2, Z: ParcelSize / 2})
}

// FetchSceneDefinition fetches, decodes and validates a scene definition.
func FetchSceneDefinition(ctx context.Context, f Fetcher, url string) (SceneDefinition, error) {
	d, err := FetchJSON[SceneDefinition](ctx, f, url)
	if err != nil {
		return SceneDefinition{}, err
	}
	if err := d.Validate(); err != nil {
		return SceneDefinition{}, err
	}
	return d, nil
}

// FetchSnapshot fetches a main CRDT snapshot. A missing snapshot is an
// empty one.
func FetchSnapshot(ctx context.Context, f Fetcher, url string) ([]byte, error) {
	data, err := f.FetchBytes(ctx, url)
	if IsNotFound(err) {
		return nil, nil
	}
	return data, err
}
