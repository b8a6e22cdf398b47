package ecs

import (
	"errors"
	"slices"

	"github.com/roach88/scenesync/internal/pool"
)

// Entity identifies an entity in the shared world.
type Entity uint64

// ComponentID identifies a component type. It shares its numbering with the
// CRDT wire ids.
type ComponentID uint32

// ErrNoEntity is returned when writing to an entity that does not exist.
var ErrNoEntity = errors.New("ecs: entity does not exist")

// EventKind classifies journal events.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventChanged
	EventRemoved
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event is one journaled mutation.
type Event struct {
	Kind      EventKind
	Entity    Entity
	Component ComponentID
}

// defaultJournalSize is the initial capacity rented for a frame's journal.
const defaultJournalSize = 64

// World is the component table.
type World struct {
	next   Entity
	alive  map[Entity]struct{}
	tables map[ComponentID]map[Entity]any

	events     []Event
	eventsPool pool.Renter[Event]
}

// NewWorld creates an empty world. events supplies journal storage; nil
// selects a private pool.
func NewWorld(events pool.Renter[Event]) *World {
	if events == nil {
		events = pool.NewInstancePool[Event](0)
	}
	return &World{
		alive:      make(map[Entity]struct{}),
		tables:     make(map[ComponentID]map[Entity]any),
		eventsPool: events,
	}
}

// Create allocates a new entity.
func (w *World) Create() Entity {
	w.next++
	w.alive[w.next] = struct{}{}
	return w.next
}

// Alive reports whether e exists.
func (w *World) Alive(e Entity) bool {
	_, ok := w.alive[e]
	return ok
}

// Len returns the number of live entities.
func (w *World) Len() int {
	return len(w.alive)
}

// Destroy removes e and all of its components. Returns false if e did not exist.
func (w *World) Destroy(e Entity) bool {
	if !w.Alive(e) {
		return false
	}
	for _, table := range w.tables {
		delete(table, e)
	}
	delete(w.alive, e)
	w.record(Event{Kind: EventDestroyed, Entity: e})
	return true
}

// Set stores value as component c on e.
func (w *World) Set(e Entity, c ComponentID, value any) error {
	if !w.Alive(e) {
		return ErrNoEntity
	}
	table := w.tables[c]
	if table == nil {
		table = make(map[Entity]any)
		w.tables[c] = table
	}
	kind := EventChanged
	if _, ok := table[e]; !ok {
		kind = EventAdded
	}
	table[e] = value
	w.record(Event{Kind: kind, Entity: e, Component: c})
	return nil
}

// Get returns component c of e.
func (w *World) Get(e Entity, c ComponentID) (any, bool) {
	v, ok := w.tables[c][e]
	return v, ok
}

// Has reports whether e carries component c.
func (w *World) Has(e Entity, c ComponentID) bool {
	_, ok := w.tables[c][e]
	return ok
}

// Remove deletes component c from e. Returns false if it was not present.
func (w *World) Remove(e Entity, c ComponentID) bool {
	table := w.tables[c]
	if _, ok := table[e]; !ok {
		return false
	}
	delete(table, e)
	w.record(Event{Kind: EventRemoved, Entity: e, Component: c})
	return true
}

// Query calls fn for every entity carrying c, in ascending entity order.
// Iteration stops when fn returns false.
func (w *World) Query(c ComponentID, fn func(Entity, any) bool) {
	table := w.tables[c]
	ids := make([]Entity, 0, len(table))
	for e := range table {
		ids = append(ids, e)
	}
	slices.Sort(ids)
	for _, e := range ids {
		if !fn(e, table[e]) {
			return
		}
	}
}

func (w *World) record(ev Event) {
	if w.events == nil {
		w.events = w.eventsPool.Rent(defaultJournalSize)
	}
	w.events = pool.Expand(w.eventsPool, w.events, len(w.events)+1)
	w.events = append(w.events, ev)
}

// PendingEvents returns the number of journaled events not yet drained.
func (w *World) PendingEvents() int {
	return len(w.events)
}

// DrainEvents hands every journaled event to fn in order, then returns the
// journal storage to the pool.
func (w *World) DrainEvents(fn func(Event)) {
	events := w.events
	w.events = nil
	for _, ev := range events {
		fn(ev)
	}
	if events != nil {
		w.eventsPool.Return(events)
	}
}
