// Package ecs is the authoritative entity-component world every scene writes
// into.
//
// The world is a plain component table keyed by entity id. It is owned by the
// orchestrator's main loop: scenes never touch it directly, their writes
// arrive through the CRDT bridge during the synchronization phase. Nothing in
// this package is safe for concurrent use.
//
// Every mutation is journaled as an Event. The journal slice is rented from
// the shared event pool and handed back when it is drained.
package ecs
