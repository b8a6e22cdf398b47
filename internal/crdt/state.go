package crdt

import (
	"bytes"
	"math"
	"slices"
)

// Result is the outcome of applying one message.
type Result uint8

const (
	// Applied means the message changed the state.
	Applied Result = iota + 1
	// Stale means the cell already holds a winning value (older timestamp,
	// lost tie-break, or exact duplicate). Normal under reordering.
	Stale
	// Tombstoned means the message targets a deleted entity.
	Tombstoned
	// Invalid means the message type is not a mutation.
	Invalid
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Tombstoned:
		return "tombstoned"
	default:
		return "invalid"
	}
}

// Cell is the merge state of one (entity, component) pair. Present is false
// for deleted components; the timestamp is kept so that older writes stay
// rejected.
type Cell struct {
	Timestamp Timestamp
	Data      []byte
	Present   bool
}

// Entry is a Cell with its coordinates, used for ordered iteration.
type Entry struct {
	Entity    EntityID
	Component ComponentID
	Cell
}

// State is the merge engine's source of truth for one scene. It is not safe
// for concurrent use; the bridge owning it serializes access.
type State struct {
	cells   map[EntityID]map[ComponentID]Cell
	deleted map[EntityID]struct{}
	size    int
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		cells:   make(map[EntityID]map[ComponentID]Cell),
		deleted: make(map[EntityID]struct{}),
	}
}

// Apply merges msg into the state.
func (s *State) Apply(msg Message) Result {
	switch msg.Type {
	case DeleteEntity:
		if _, ok := s.deleted[msg.Entity]; ok {
			return Stale
		}
		s.deleted[msg.Entity] = struct{}{}
		s.size -= len(s.cells[msg.Entity])
		delete(s.cells, msg.Entity)
		return Applied
	case PutComponent, DeleteComponent:
	default:
		return Invalid
	}

	if _, ok := s.deleted[msg.Entity]; ok {
		return Tombstoned
	}

	present := msg.Type == PutComponent
	row := s.cells[msg.Entity]
	if cur, ok := row[msg.Component]; ok && !wins(msg.Timestamp, msg.Data, present, cur) {
		return Stale
	}

	s.store(msg.Entity, msg.Component, Cell{
		Timestamp: msg.Timestamp,
		Data:      cloneData(msg.Data, present),
		Present:   present,
	})
	return Applied
}

// ApplyBatch applies every message and returns the per-message results in
// input order. The final state does not depend on the order of msgs.
func (s *State) ApplyBatch(msgs []Message) []Result {
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		results[i] = s.Apply(m)
	}
	return results
}

// wins reports whether an incoming (ts, data, present) beats cur.
func wins(ts Timestamp, data []byte, present bool, cur Cell) bool {
	if ts != cur.Timestamp {
		return ts > cur.Timestamp
	}
	if c := bytes.Compare(data, cur.Data); c != 0 {
		return c > 0
	}
	return present && !cur.Present
}

func cloneData(data []byte, present bool) []byte {
	if !present {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func (s *State) store(e EntityID, c ComponentID, cell Cell) {
	row := s.cells[e]
	if row == nil {
		row = make(map[ComponentID]Cell)
		s.cells[e] = row
	}
	if _, ok := row[c]; !ok {
		s.size++
	}
	row[c] = cell
}

// Update records a local authoritative write and returns the message to
// broadcast. The new timestamp is the cell's current timestamp plus one.
func (s *State) Update(e EntityID, c ComponentID, data []byte) (Message, error) {
	return s.local(e, c, data, true)
}

// Remove records a local component deletion and returns the message to
// broadcast.
func (s *State) Remove(e EntityID, c ComponentID) (Message, error) {
	return s.local(e, c, nil, false)
}

// RemoveEntity tombstones e locally and returns the message to broadcast.
func (s *State) RemoveEntity(e EntityID) Message {
	msg := RemoveEntity(e)
	s.Apply(msg)
	return msg
}

func (s *State) local(e EntityID, c ComponentID, data []byte, present bool) (Message, error) {
	if _, ok := s.deleted[e]; ok {
		return Message{}, ErrEntityDeleted
	}
	cur := s.cells[e][c].Timestamp
	if cur == math.MaxUint32 {
		return Message{}, ErrTimestampExhausted
	}
	ts := cur + 1

	msg := Delete(e, c, ts)
	if present {
		msg = Put(e, c, ts, data)
	}
	s.Apply(msg)
	return msg, nil
}

// Has reports whether e currently carries component c. Deleted components
// report false even though their cell is retained.
func (s *State) Has(e EntityID, c ComponentID) bool {
	cell, ok := s.cells[e][c]
	return ok && cell.Present
}

// Get returns the payload of a present component.
func (s *State) Get(e EntityID, c ComponentID) ([]byte, bool) {
	cell, ok := s.cells[e][c]
	if !ok || !cell.Present {
		return nil, false
	}
	return cell.Data, true
}

// Cell returns the raw merge cell, including deleted ones.
func (s *State) Cell(e EntityID, c ComponentID) (Cell, bool) {
	cell, ok := s.cells[e][c]
	return cell, ok
}

// IsDeleted reports whether e has been tombstoned.
func (s *State) IsDeleted(e EntityID) bool {
	_, ok := s.deleted[e]
	return ok
}

// Len returns the number of cells, including deleted components.
func (s *State) Len() int {
	return s.size
}

// Entries returns every cell ordered by entity, then component.
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, s.size)
	for e, row := range s.cells {
		for c, cell := range row {
			out = append(out, Entry{Entity: e, Component: c, Cell: cell})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if a.Entity != b.Entity {
			return cmpUint(uint32(a.Entity), uint32(b.Entity))
		}
		return cmpUint(uint32(a.Component), uint32(b.Component))
	})
	return out
}

// DeletedEntities returns tombstoned entities in ascending order.
func (s *State) DeletedEntities() []EntityID {
	out := make([]EntityID, 0, len(s.deleted))
	for e := range s.deleted {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Snapshot appends messages that rebuild this state on an empty replica.
func (s *State) Snapshot(dst []Message) []Message {
	for _, e := range s.DeletedEntities() {
		dst = append(dst, RemoveEntity(e))
	}
	for _, en := range s.Entries() {
		if en.Present {
			dst = append(dst, Put(en.Entity, en.Component, en.Timestamp, en.Data))
		} else {
			dst = append(dst, Delete(en.Entity, en.Component, en.Timestamp))
		}
	}
	return dst
}

func cmpUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
