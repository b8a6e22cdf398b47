package ecs

import (
	"fmt"
	"sort"
)

// ComponentType describes how a wire payload maps to a world value.
type ComponentType struct {
	ID     ComponentID
	Name   string
	Decode func([]byte) (any, error)
	Encode func(any) ([]byte, error)
}

// PayloadError is returned when a component payload cannot be decoded or
// encoded.
type PayloadError struct {
	Component ComponentID
	Name      string
	Err       error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("ecs: component %s (%d): %v", e.Name, e.Component, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// Registry maps component ids to their types. Populate it before scenes
// start; lookups afterwards are read-only and safe from any goroutine.
type Registry struct {
	types map[ComponentID]ComponentType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[ComponentID]ComponentType)}
}

// Register adds ct. Registering the same id twice is an error.
func (r *Registry) Register(ct ComponentType) error {
	if _, ok := r.types[ct.ID]; ok {
		return fmt.Errorf("ecs: component %d already registered", ct.ID)
	}
	if ct.Decode == nil || ct.Encode == nil {
		return fmt.Errorf("ecs: component %s (%d) needs Decode and Encode", ct.Name, ct.ID)
	}
	r.types[ct.ID] = ct
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(ct ComponentType) {
	if err := r.Register(ct); err != nil {
		panic(err)
	}
}

// Lookup returns the type registered for id.
func (r *Registry) Lookup(id ComponentID) (ComponentType, bool) {
	ct, ok := r.types[id]
	return ct, ok
}

// Decode turns a payload into a world value.
func (r *Registry) Decode(id ComponentID, data []byte) (any, error) {
	ct, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("ecs: component %d not registered", id)
	}
	v, err := ct.Decode(data)
	if err != nil {
		return nil, &PayloadError{Component: id, Name: ct.Name, Err: err}
	}
	return v, nil
}

// Encode turns a world value into a payload.
func (r *Registry) Encode(id ComponentID, v any) ([]byte, error) {
	ct, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("ecs: component %d not registered", id)
	}
	data, err := ct.Encode(v)
	if err != nil {
		return nil, &PayloadError{Component: id, Name: ct.Name, Err: err}
	}
	return data, nil
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []ComponentID {
	ids := make([]ComponentID, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
