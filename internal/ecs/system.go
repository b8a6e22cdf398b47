package ecs

import (
	"context"
	"fmt"
	"time"
)

// System is per-scene logic run by the main loop after the scene's CRDT
// batch has been applied. entities lists the world entities owned by the
// scene. An error or a panic is an ECS fault for that scene only.
type System interface {
	Name() string
	Update(ctx context.Context, w *World, entities []Entity, dt time.Duration) error
}

// SystemFunc adapts a function to System.
type SystemFunc struct {
	Label string
	Fn    func(ctx context.Context, w *World, entities []Entity, dt time.Duration) error
}

// Name returns the label.
func (s SystemFunc) Name() string { return s.Label }

// Update calls Fn.
func (s SystemFunc) Update(ctx context.Context, w *World, entities []Entity, dt time.Duration) error {
	return s.Fn(ctx, w, entities, dt)
}

// TransformValidator rejects transforms with NaN or infinite values.
type TransformValidator struct{}

// Name implements System.
func (TransformValidator) Name() string { return "transform_validator" }

// Update implements System.
func (TransformValidator) Update(_ context.Context, w *World, entities []Entity, _ time.Duration) error {
	for _, e := range entities {
		v, ok := w.Get(e, ComponentTransform)
		if !ok {
			continue
		}
		t, ok := v.(Transform)
		if !ok {
			return fmt.Errorf("entity %d: transform has type %T", e, v)
		}
		if !t.Position.Finite() || !t.Rotation.Finite() || !t.Scale.Finite() {
			return fmt.Errorf("entity %d: %w", e, ErrNonFiniteTransform)
		}
	}
	return nil
}
