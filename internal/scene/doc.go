// Package scene runs sandboxed scenes against the shared ECS world.
//
// A Loader fetches everything a scene needs (definition, asset-bundle
// manifest, initial CRDT snapshot and script) and only then creates the
// scene's sandbox. The Orchestrator owns the world and every Scene and
// drives them with Step:
//
//  1. camera and partition buckets are updated;
//  2. completed loads are admitted and bootstrapped from their snapshot;
//  3. sync phase: each scene's queued batches are applied through its
//     bridge in bucket order, then its ECS systems run under containment;
//  4. host writes are flushed into each scene's next incoming buffer;
//  5. idle scenes whose bucket is due start their next sandbox round-trip
//     on their own goroutine.
//
// Sandbox round-trips never block Step. A scene still busy with the
// previous round-trip is skipped and its elapsed time carried over.
//
// Everything except sandbox round-trips and loads happens on the goroutine
// calling Step.
package scene
