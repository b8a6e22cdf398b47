package scene

import (
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/pool"
)

// DefaultPoolSize is the number of buffers kept per size class.
const DefaultPoolSize = 64

// SharedPools are the cross-scene pools, one lock per buffer kind. Scene
// goroutines rent batch buffers from Bytes and the sync phase returns them;
// sandboxes rent decode scratch from Messages; the world journal rents from
// Events.
type SharedPools struct {
	Messages *pool.SharedPool[crdt.Message]
	Bytes    *pool.SharedPool[byte]
	Events   *pool.SharedPool[ecs.Event]
}

// NewSharedPools creates pools keeping at most maxPerClass buffers per size
// class. Zero selects DefaultPoolSize.
func NewSharedPools(maxPerClass int) SharedPools {
	if maxPerClass <= 0 {
		maxPerClass = DefaultPoolSize
	}
	return SharedPools{
		Messages: pool.NewSharedPool[crdt.Message](maxPerClass),
		Bytes:    pool.NewSharedPool[byte](maxPerClass),
		Events:   pool.NewSharedPool[ecs.Event](maxPerClass),
	}
}

func (p SharedPools) withDefaults() SharedPools {
	d := NewSharedPools(0)
	if p.Messages == nil {
		p.Messages = d.Messages
	}
	if p.Bytes == nil {
		p.Bytes = d.Bytes
	}
	if p.Events == nil {
		p.Events = d.Events
	}
	return p
}
