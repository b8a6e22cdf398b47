package crdt

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// DomainState prefixes state digests. The version suffix allows a future
// algorithm change without ambiguity.
const DomainState = "scenesync/crdt-state/v1"

// encMode uses Core Deterministic Encoding: the same state always produces
// identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
}

type snapshotCell struct {
	_         struct{} `cbor:",toarray"`
	Entity    uint32
	Component uint32
	Timestamp uint32
	Present   bool
	Data      []byte
}

type snapshotDoc struct {
	Cells   []snapshotCell `cbor:"1,keyasint"`
	Deleted []uint32       `cbor:"2,keyasint,omitempty"`
}

// MarshalState encodes s deterministically.
func MarshalState(s *State) ([]byte, error) {
	entries := s.Entries()
	doc := snapshotDoc{Cells: make([]snapshotCell, len(entries))}
	for i, en := range entries {
		doc.Cells[i] = snapshotCell{
			Entity:    uint32(en.Entity),
			Component: uint32(en.Component),
			Timestamp: uint32(en.Timestamp),
			Present:   en.Present,
			Data:      en.Data,
		}
	}
	for _, e := range s.DeletedEntities() {
		doc.Deleted = append(doc.Deleted, uint32(e))
	}
	data, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// UnmarshalState rebuilds a State from MarshalState output.
func UnmarshalState(data []byte) (*State, error) {
	var doc snapshotDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	s := NewState()
	for _, e := range doc.Deleted {
		s.deleted[EntityID(e)] = struct{}{}
	}
	for _, c := range doc.Cells {
		cell := Cell{Timestamp: Timestamp(c.Timestamp), Present: c.Present}
		if c.Present {
			cell.Data = c.Data
			if cell.Data == nil {
				cell.Data = []byte{}
			}
		}
		s.store(EntityID(c.Entity), ComponentID(c.Component), cell)
	}
	return s, nil
}

// Digest returns a hex BLAKE3 digest of the state. Two replicas that have
// converged report the same digest.
func Digest(s *State) (string, error) {
	data, err := MarshalState(s)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	h.Write([]byte(DomainState))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustDigest is like Digest but panics on error.
// Use only in tests.
func MustDigest(s *State) string {
	d, err := Digest(s)
	if err != nil {
		panic(err)
	}
	return d
}
