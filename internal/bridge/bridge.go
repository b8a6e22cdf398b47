// Package bridge connects a scene's CRDT state to the shared ECS world.
//
// Incoming batches from the scene's sandbox are decoded, merged into the
// scene's crdt.State and, for every message that changed the state, projected
// onto the world. Host writes go the other way: they are stamped into the
// state and queued for the next Flush, which serializes them into a pooled
// buffer the sandbox reads on its next tick.
//
// A Bridge is used only from the main loop's sync phase and is not safe for
// concurrent use.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/scenesync/internal/containment"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/pool"
)

// ApplyStats summarizes one ApplyIncoming call.
type ApplyStats struct {
	Decoded    int
	Applied    int
	Stale      int
	Tombstoned int
	// Faults counts dropped malformed messages. Protocol faults are logged
	// and never count toward the scene's containment thresholds.
	Faults int
}

func (s *ApplyStats) add(o ApplyStats) {
	s.Decoded += o.Decoded
	s.Applied += o.Applied
	s.Stale += o.Stale
	s.Tombstoned += o.Tombstoned
	s.Faults += o.Faults
}

// Config holds a Bridge's collaborators.
type Config struct {
	Scene    string
	World    *ecs.World
	Registry *ecs.Registry
	// Messages supplies decode scratch and the outgoing queue. Nil selects
	// a private pool.
	Messages pool.Renter[crdt.Message]
	Logger   *slog.Logger
}

// Bridge is the per-scene ECS/CRDT adapter.
type Bridge struct {
	scene    string
	state    *crdt.State
	world    *ecs.World
	registry *ecs.Registry
	messages pool.Renter[crdt.Message]
	logger   *slog.Logger

	entities map[crdt.EntityID]ecs.Entity
	outgoing []crdt.Message
	total    ApplyStats
}

// New creates a bridge with an empty state.
func New(cfg Config) (*Bridge, error) {
	if cfg.World == nil {
		return nil, errors.New("bridge: world is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	b := &Bridge{
		scene:    cfg.Scene,
		state:    crdt.NewState(),
		world:    cfg.World,
		registry: cfg.Registry,
		messages: cfg.Messages,
		logger:   cfg.Logger,
		entities: make(map[crdt.EntityID]ecs.Entity),
	}
	if b.messages == nil {
		b.messages = pool.NewInstancePool[crdt.Message](0)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// ApplySnapshot bootstraps the scene from its main CRDT file. An empty
// snapshot is a no-op.
func (b *Bridge) ApplySnapshot(data []byte) ApplyStats {
	if len(data) == 0 {
		return ApplyStats{}
	}
	return b.ApplyIncoming(data)
}

// ApplyIncoming merges one batch produced by the scene.
func (b *Bridge) ApplyIncoming(batch []byte) ApplyStats {
	var st ApplyStats
	if len(batch) == 0 {
		return st
	}

	msgs := b.messages.Rent(32)
	msgs = crdt.Decode(batch, msgs, func(err error) { b.drop(&st, err) })
	st.Decoded = len(msgs)

	for _, m := range msgs {
		b.apply(m, &st)
	}

	clear(msgs)
	b.messages.Return(msgs[:0])
	b.total.add(st)
	return st
}

func (b *Bridge) apply(m crdt.Message, st *ApplyStats) {
	var value any
	if m.Type == crdt.PutComponent || m.Type == crdt.DeleteComponent {
		if _, ok := b.registry.Lookup(ecs.ComponentID(m.Component)); !ok {
			b.drop(st, &crdt.UnknownComponentError{Entity: m.Entity, Component: m.Component})
			return
		}
	}
	if m.Type == crdt.PutComponent {
		v, err := b.registry.Decode(ecs.ComponentID(m.Component), m.Data)
		if err != nil {
			b.drop(st, fmt.Errorf("entity %d: %w", m.Entity, err))
			return
		}
		value = v
	}

	switch b.state.Apply(m) {
	case crdt.Applied:
		st.Applied++
	case crdt.Stale:
		st.Stale++
		return
	case crdt.Tombstoned:
		st.Tombstoned++
		return
	default:
		return
	}

	switch m.Type {
	case crdt.PutComponent:
		e := b.ensureEntity(m.Entity)
		if err := b.world.Set(e, ecs.ComponentID(m.Component), value); err != nil {
			b.drop(st, fmt.Errorf("entity %d: %w", m.Entity, err))
		}
	case crdt.DeleteComponent:
		if e, ok := b.entities[m.Entity]; ok {
			b.world.Remove(e, ecs.ComponentID(m.Component))
		}
	case crdt.DeleteEntity:
		b.destroyEntity(m.Entity)
	}
}

// drop logs a protocol fault. Malformed batches come from scene code, so
// they are labelled with the script category.
func (b *Bridge) drop(st *ApplyStats, err error) {
	st.Faults++
	b.logger.Warn("dropped malformed message",
		"scene_id", b.scene,
		"category", containment.CategoryScript.String(),
		"error", err)
}

func (b *Bridge) ensureEntity(id crdt.EntityID) ecs.Entity {
	if e, ok := b.entities[id]; ok {
		return e
	}
	e := b.world.Create()
	b.entities[id] = e
	return e
}

func (b *Bridge) destroyEntity(id crdt.EntityID) {
	if e, ok := b.entities[id]; ok {
		b.world.Destroy(e)
		delete(b.entities, id)
	}
}

// Write records an authoritative host write of component c on entity id and
// queues it for the scene.
func (b *Bridge) Write(id crdt.EntityID, c ecs.ComponentID, value any) error {
	data, err := b.registry.Encode(c, value)
	if err != nil {
		return err
	}
	msg, err := b.state.Update(id, crdt.ComponentID(c), data)
	if err != nil {
		return fmt.Errorf("write entity %d component %d: %w", id, c, err)
	}
	if err := b.world.Set(b.ensureEntity(id), c, value); err != nil {
		return err
	}
	b.enqueue(msg)
	return nil
}

// Delete records an authoritative removal of component c from entity id.
func (b *Bridge) Delete(id crdt.EntityID, c ecs.ComponentID) error {
	msg, err := b.state.Remove(id, crdt.ComponentID(c))
	if err != nil {
		return fmt.Errorf("delete entity %d component %d: %w", id, c, err)
	}
	if e, ok := b.entities[id]; ok {
		b.world.Remove(e, c)
	}
	b.enqueue(msg)
	return nil
}

// DestroyEntity tombstones entity id and removes it from the world.
func (b *Bridge) DestroyEntity(id crdt.EntityID) {
	if b.state.IsDeleted(id) {
		return
	}
	b.enqueue(b.state.RemoveEntity(id))
	b.destroyEntity(id)
}

func (b *Bridge) enqueue(msg crdt.Message) {
	if b.outgoing == nil {
		b.outgoing = b.messages.Rent(8)
	}
	b.outgoing = pool.Expand(b.messages, b.outgoing, len(b.outgoing)+1)
	b.outgoing = append(b.outgoing, msg)
}

// Pending returns the number of queued host writes.
func (b *Bridge) Pending() int {
	return len(b.outgoing)
}

// Flush appends every queued host write to dst and empties the queue. It
// returns the number of messages written.
func (b *Bridge) Flush(dst *pool.PooledBuffer) int {
	n := len(b.outgoing)
	if n == 0 {
		return 0
	}
	size := 0
	for _, m := range b.outgoing {
		size += crdt.EncodedSize(m)
	}
	dst.Grow(size)
	encoded := crdt.Encode(dst.Data[dst.Len:dst.Len], b.outgoing...)
	dst.Len += len(encoded)

	clear(b.outgoing)
	b.outgoing = b.outgoing[:0]
	return n
}

// State exposes the merge state, e.g. for digests and persistence.
func (b *Bridge) State() *crdt.State {
	return b.state
}

// Entity returns the world entity mapped to a scene entity id.
func (b *Bridge) Entity(id crdt.EntityID) (ecs.Entity, bool) {
	e, ok := b.entities[id]
	return e, ok
}

// Entities returns the world entities owned by the scene, ascending.
func (b *Bridge) Entities() []ecs.Entity {
	out := make([]ecs.Entity, 0, len(b.entities))
	for _, e := range b.entities {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Stats returns cumulative apply statistics.
func (b *Bridge) Stats() ApplyStats {
	return b.total
}

// Close removes the scene's entities from the world and returns pooled
// storage. The bridge must not be used afterwards.
func (b *Bridge) Close() {
	for id, e := range b.entities {
		b.world.Destroy(e)
		delete(b.entities, id)
	}
	if b.outgoing != nil {
		clear(b.outgoing)
		b.messages.Return(b.outgoing[:0])
		b.outgoing = nil
	}
}
