package crdt

import "fmt"

// EntityID identifies an entity inside one scene's CRDT space. It is not
// globally unique.
type EntityID uint32

// ComponentID identifies a component type on the wire.
type ComponentID uint32

// Timestamp is the per-cell logical clock.
type Timestamp uint32

// MessageType tags the Message union. Values are wire constants.
type MessageType uint32

const (
	// PutComponent sets a component payload.
	PutComponent MessageType = 1
	// DeleteComponent removes a component. For merging it behaves like a Put
	// with an empty payload.
	DeleteComponent MessageType = 2
	// DeleteEntity tombstones an entity and every component on it.
	DeleteEntity MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case PutComponent:
		return "put_component"
	case DeleteComponent:
		return "delete_component"
	case DeleteEntity:
		return "delete_entity"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Message is one CRDT mutation. For PutComponent, Data may alias the batch
// buffer it was decoded from; State copies it before keeping it.
type Message struct {
	Type      MessageType
	Entity    EntityID
	Component ComponentID
	Timestamp Timestamp
	Data      []byte
}

// Put builds a PutComponent message.
func Put(entity EntityID, component ComponentID, ts Timestamp, data []byte) Message {
	return Message{Type: PutComponent, Entity: entity, Component: component, Timestamp: ts, Data: data}
}

// Delete builds a DeleteComponent message.
func Delete(entity EntityID, component ComponentID, ts Timestamp) Message {
	return Message{Type: DeleteComponent, Entity: entity, Component: component, Timestamp: ts}
}

// RemoveEntity builds a DeleteEntity message.
func RemoveEntity(entity EntityID) Message {
	return Message{Type: DeleteEntity, Entity: entity}
}

func (m Message) String() string {
	switch m.Type {
	case PutComponent:
		return fmt.Sprintf("put(e=%d c=%d ts=%d len=%d)", m.Entity, m.Component, m.Timestamp, len(m.Data))
	case DeleteComponent:
		return fmt.Sprintf("delete(e=%d c=%d ts=%d)", m.Entity, m.Component, m.Timestamp)
	case DeleteEntity:
		return fmt.Sprintf("delete_entity(e=%d)", m.Entity)
	default:
		return m.Type.String()
	}
}
