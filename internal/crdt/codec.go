package crdt

import "encoding/binary"

const (
	headerSize       = 8
	putBodySize      = 16
	deleteBodySize   = 12
	entityDeleteSize = 4

	// MaxMessageSize bounds a single message on the wire.
	MaxMessageSize = 1 << 20
)

var be = binary.BigEndian

// EncodedSize returns the number of bytes m occupies on the wire.
func EncodedSize(m Message) int {
	switch m.Type {
	case PutComponent:
		return headerSize + putBodySize + len(m.Data)
	case DeleteComponent:
		return headerSize + deleteBodySize
	case DeleteEntity:
		return headerSize + entityDeleteSize
	default:
		return 0
	}
}

// Encode appends the wire form of msgs to dst and returns the extended slice.
// Messages with an unknown type are skipped.
func Encode(dst []byte, msgs ...Message) []byte {
	for _, m := range msgs {
		size := EncodedSize(m)
		if size == 0 {
			continue
		}
		dst = be.AppendUint32(dst, uint32(size))
		dst = be.AppendUint32(dst, uint32(m.Type))
		switch m.Type {
		case PutComponent:
			dst = be.AppendUint32(dst, uint32(m.Entity))
			dst = be.AppendUint32(dst, uint32(m.Component))
			dst = be.AppendUint32(dst, uint32(m.Timestamp))
			dst = be.AppendUint32(dst, uint32(len(m.Data)))
			dst = append(dst, m.Data...)
		case DeleteComponent:
			dst = be.AppendUint32(dst, uint32(m.Entity))
			dst = be.AppendUint32(dst, uint32(m.Component))
			dst = be.AppendUint32(dst, uint32(m.Timestamp))
		case DeleteEntity:
			dst = be.AppendUint32(dst, uint32(m.Entity))
		}
	}
	return dst
}

// Decode parses a batch and appends the messages to dst. Malformed messages
// are reported through onFault (which may be nil) and decoding continues with
// the next message when the length header allows it. A truncated header or a
// length running past the end of buf stops decoding: nothing after that point
// can be framed.
//
// Put payloads alias buf.
func Decode(buf []byte, dst []Message, onFault func(error)) []Message {
	report := func(err error) {
		if onFault != nil {
			onFault(err)
		}
	}

	off := 0
	for off < len(buf) {
		remaining := len(buf) - off
		if remaining < headerSize {
			report(&DecodeError{Offset: off, Reason: "truncated header"})
			break
		}
		length := int(be.Uint32(buf[off:]))
		typ := MessageType(be.Uint32(buf[off+4:]))
		if length < headerSize || length > remaining || length > MaxMessageSize {
			report(&DecodeError{Offset: off, Type: typ, Reason: "length out of range"})
			break
		}

		body := buf[off+headerSize : off+length]
		if msg, err := decodeBody(typ, body, off); err != nil {
			report(err)
		} else {
			dst = append(dst, msg)
		}
		off += length
	}
	return dst
}

func decodeBody(typ MessageType, body []byte, off int) (Message, error) {
	switch typ {
	case PutComponent:
		if len(body) < putBodySize {
			return Message{}, &DecodeError{Offset: off, Type: typ, Reason: "truncated body"}
		}
		dataLen := int(be.Uint32(body[12:]))
		if dataLen != len(body)-putBodySize {
			return Message{}, &DecodeError{Offset: off, Type: typ, Reason: "payload length mismatch"}
		}
		return Message{
			Type:      PutComponent,
			Entity:    EntityID(be.Uint32(body)),
			Component: ComponentID(be.Uint32(body[4:])),
			Timestamp: Timestamp(be.Uint32(body[8:])),
			Data:      body[putBodySize:],
		}, nil
	case DeleteComponent:
		if len(body) != deleteBodySize {
			return Message{}, &DecodeError{Offset: off, Type: typ, Reason: "bad body size"}
		}
		return Message{
			Type:      DeleteComponent,
			Entity:    EntityID(be.Uint32(body)),
			Component: ComponentID(be.Uint32(body[4:])),
			Timestamp: Timestamp(be.Uint32(body[8:])),
		}, nil
	case DeleteEntity:
		if len(body) != entityDeleteSize {
			return Message{}, &DecodeError{Offset: off, Type: typ, Reason: "bad body size"}
		}
		return Message{Type: DeleteEntity, Entity: EntityID(be.Uint32(body))}, nil
	default:
		return Message{}, &DecodeError{Offset: off, Type: typ, Reason: "unknown message type"}
	}
}
