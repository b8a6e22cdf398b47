// Package store persists scene synchronization history in SQLite.
//
// Every batch that reaches a scene's bridge is appended to the batch log
// together with its origin (bootstrap snapshot, scene script or host write)
// and a store-wide sequence number. Periodic snapshots hold the compressed,
// digested CRDT state of a scene, and aggregated fault reports record why a
// scene was suspended.
//
// Replaying a scene's log through a fresh bridge reproduces the live state;
// the snapshot digests make that checkable.
//
// The store is written by the orchestrator's single main loop; SQLite is
// opened with one connection so writes never contend.
package store
