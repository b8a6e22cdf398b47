package store

import (
	"fmt"

	"github.com/roach88/scenesync/internal/content"
)

// Origin records where a batch came from.
type Origin string

const (
	OriginBootstrap Origin = "bootstrap"
	OriginScene     Origin = "scene"
	OriginHost      Origin = "host"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginBootstrap, OriginScene, OriginHost:
		return true
	default:
		return false
	}
}

// SceneRecord describes a loaded scene instance.
type SceneRecord struct {
	ID         string
	Definition content.SceneDefinition
	Seq        int64
}

// Batch is one entry of the batch log.
type Batch struct {
	SceneID string
	Seq     int64
	Origin  Origin
	Frame   uint64
	Payload []byte
}

// Snapshot is a stored scene state.
type Snapshot struct {
	SceneID string
	Seq     int64
	Digest  string
	Cells   int
	// State is the decoded, digest-verified CBOR state document.
	State []byte
}

// FaultRecord is a persisted aggregated fault report.
type FaultRecord struct {
	SceneID  string
	Seq      int64
	Category string
	Faults   []string
}

// CorruptSnapshotError is returned when a stored snapshot does not match
// its digest.
type CorruptSnapshotError struct {
	SceneID string
	Seq     int64
	Want    string
	Got     string
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s@%d corrupt: digest %s, stored %s", e.SceneID, e.Seq, e.Got, e.Want)
}
