package ecs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/roach88/scenesync/internal/geom"
)

// Built-in component ids. They follow the scene protocol numbering.
const (
	ComponentTransform     ComponentID = 1
	ComponentMaterial      ComponentID = 1017
	ComponentMeshRenderer  ComponentID = 1018
	ComponentTextShape     ComponentID = 1030
	ComponentGltfContainer ComponentID = 1041
)

// TransformSize is the wire size of a Transform payload.
const TransformSize = 44

// Transform positions an entity relative to its parent entity (0 = scene root).
type Transform struct {
	Position geom.Vec3
	Rotation geom.Quat
	Scale    geom.Vec3
	Parent   uint32
}

// Raw is an opaque payload kept verbatim.
type Raw []byte

var errTransformSize = fmt.Errorf("transform payload must be %d bytes", TransformSize)

// DecodeTransform parses the 44-byte little-endian transform layout:
// position xyz, rotation xyzw, scale xyz as float32, then parent as uint32.
func DecodeTransform(data []byte) (any, error) {
	if len(data) != TransformSize {
		return nil, errTransformSize
	}
	f := func(i int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return Transform{
		Position: geom.Vec3{X: f(0), Y: f(1), Z: f(2)},
		Rotation: geom.Quat{X: f(3), Y: f(4), Z: f(5), W: f(6)},
		Scale:    geom.Vec3{X: f(7), Y: f(8), Z: f(9)},
		Parent:   binary.LittleEndian.Uint32(data[40:]),
	}, nil
}

// EncodeTransform is the inverse of DecodeTransform.
func EncodeTransform(v any) ([]byte, error) {
	t, ok := v.(Transform)
	if !ok {
		return nil, fmt.Errorf("want Transform, got %T", v)
	}
	out := make([]byte, TransformSize)
	put := func(i int, f float64) {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(f)))
	}
	put(0, t.Position.X)
	put(1, t.Position.Y)
	put(2, t.Position.Z)
	put(3, t.Rotation.X)
	put(4, t.Rotation.Y)
	put(5, t.Rotation.Z)
	put(6, t.Rotation.W)
	put(7, t.Scale.X)
	put(8, t.Scale.Y)
	put(9, t.Scale.Z)
	binary.LittleEndian.PutUint32(out[40:], t.Parent)
	return out, nil
}

// DecodeRaw copies the payload.
func DecodeRaw(data []byte) (any, error) {
	out := make(Raw, len(data))
	copy(out, data)
	return out, nil
}

// EncodeRaw returns the payload bytes.
func EncodeRaw(v any) ([]byte, error) {
	switch r := v.(type) {
	case Raw:
		return r, nil
	case []byte:
		return r, nil
	default:
		return nil, fmt.Errorf("want Raw, got %T", v)
	}
}

// RawComponent describes an opaque component.
func RawComponent(id ComponentID, name string) ComponentType {
	return ComponentType{ID: id, Name: name, Decode: DecodeRaw, Encode: EncodeRaw}
}

// DefaultRegistry returns a registry with every built-in component.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ComponentType{
		ID:     ComponentTransform,
		Name:   "core::Transform",
		Decode: DecodeTransform,
		Encode: EncodeTransform,
	})
	r.MustRegister(RawComponent(ComponentMaterial, "core::Material"))
	r.MustRegister(RawComponent(ComponentMeshRenderer, "core::MeshRenderer"))
	r.MustRegister(RawComponent(ComponentTextShape, "core::TextShape"))
	r.MustRegister(RawComponent(ComponentGltfContainer, "core::GltfContainer"))
	return r
}

// ErrNonFiniteTransform is returned by TransformValidator.
var ErrNonFiniteTransform = errors.New("ecs: transform has non-finite values")
