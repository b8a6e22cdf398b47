package harness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/scenesync/internal/content"
	"github.com/roach88/scenesync/internal/crdt"
	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/geom"
)

// memoryFetcher serves scenario scenes without touching disk or network.
type memoryFetcher map[string][]byte

func (f memoryFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := f[url]
	if !ok {
		return nil, &content.NotFoundError{URL: url}
	}
	return data, nil
}

// definitionURL is where a scenario scene's definition is served.
func definitionURL(name string) string {
	return name + ".json"
}

// serveScenes lays the scenario's scenes out the way a content server
// does: "<name>.json", "<name>/main.lua" and "<name>/main.crdt".
func serveScenes(scenes []SceneSpec) (memoryFetcher, error) {
	f := make(memoryFetcher)
	for _, sc := range scenes {
		def := content.SceneDefinition{ID: sc.Name, Main: "main.lua", Base: sc.Base}
		data, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", sc.Name, err)
		}
		f[definitionURL(sc.Name)] = data
		if sc.Script != "" {
			f[def.ScriptURL()] = []byte(sc.Script)
		}
		if len(sc.Snapshot) > 0 {
			snap, err := encodeSnapshot(sc.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("scene %s: %w", sc.Name, err)
			}
			f[def.MainCRDTURL()] = snap
		}
	}
	return f, nil
}

func encodeSnapshot(cells []CellSpec) ([]byte, error) {
	msgs := make([]crdt.Message, 0, len(cells))
	for _, c := range cells {
		data := []byte(c.Text)
		if c.Transform != nil {
			var err error
			data, err = ecs.EncodeTransform(ecs.Transform{
				Position: *c.Transform,
				Rotation: geom.Identity,
				Scale:    geom.Vec3{X: 1, Y: 1, Z: 1},
			})
			if err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, crdt.Put(crdt.EntityID(c.Entity), crdt.ComponentID(c.Component), crdt.Timestamp(c.Timestamp), data))
	}
	return crdt.Encode(nil, msgs...), nil
}
