// Package harness runs scene scenarios against a real orchestrator.
//
// The harness serves the scenario's scenes from memory, loads them into an
// orchestrator backed by an in-memory store, steps the main loop frame by
// frame and records what every scene looked like after each frame.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: contained_failure
//	description: "A failing scene is suspended, its neighbour keeps running"
//	frames: 4
//	containment:
//	  script_threshold: 1
//	scenes:
//	  - name: plaza
//	    base: { x: 0, y: 0, z: 0 }
//	    script: |
//	      function onUpdate(dt) crdt.put(512, component.TextShape, "hi") end
//	    snapshot:
//	      - { entity: 600, component: 1030, timestamp: 1, text: "sign" }
//	camera:
//	  - { frame: 1, position: { x: 8, y: 0, z: 8 }, forward: { x: 0, y: 0, z: 1 } }
//	unload:
//	  - { frame: 3, scene: plaza }
//	assertions:
//	  - { type: status, scene: plaza, expect: running }
//	  - { type: event, scene: plaza, kind: started, frame: 2 }
//	  - { type: component, scene: plaza, entity: 512, component: 1030, text: "hi" }
//	  - { type: suspended, scenes: [] }
//	  - { type: converges, scene: plaza }
//
// A scene without a script fails to load.
//
// # Assertion Types
//
//   - status: the scene's final lifecycle status
//   - event: a lifecycle event was reported, optionally on a given frame
//   - component: a cell of the scene's CRDT state holds the given payload
//   - suspended: exactly these scenes were suspended by containment
//   - converges: replaying the recorded batch log reproduces the live state
//
// # Deterministic Testing
//
// Scenes are loaded one at a time and every frame waits for the sandbox
// round-trips it started, so traces are identical across runs and can be
// compared against golden files.
package harness
