package crdt

import (
	"errors"
	"fmt"
)

// ErrEntityDeleted is returned by local writes targeting a tombstoned entity.
var ErrEntityDeleted = errors.New("crdt: entity deleted")

// ErrTimestampExhausted is returned by local writes to a cell whose
// timestamp has reached its maximum. Such a cell accepts no further writes.
var ErrTimestampExhausted = errors.New("crdt: timestamp exhausted")

// DecodeError reports malformed wire data. Decoding never fails the whole
// batch; DecodeErrors are handed to the fault callback instead.
type DecodeError struct {
	Offset int
	Type   MessageType
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type != 0 {
		return fmt.Sprintf("crdt: malformed %s at offset %d: %s", e.Type, e.Offset, e.Reason)
	}
	return fmt.Sprintf("crdt: malformed message at offset %d: %s", e.Offset, e.Reason)
}

// IsDecodeError returns true if err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// UnknownComponentError is reported for messages naming a component id
// nobody registered.
type UnknownComponentError struct {
	Entity    EntityID
	Component ComponentID
}

func (e *UnknownComponentError) Error() string {
	return fmt.Sprintf("crdt: unknown component %d on entity %d", e.Component, e.Entity)
}

// IsUnknownComponentError returns true if err is (or wraps) an UnknownComponentError.
func IsUnknownComponentError(err error) bool {
	var ue *UnknownComponentError
	return errors.As(err, &ue)
}
