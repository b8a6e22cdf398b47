// Package crdt implements the replicated component state shared between a
// scene sandbox and the authoritative ECS world.
//
// Every (entity, component) pair is a last-write-wins register keyed by a
// per-cell logical timestamp. A message is applied when its timestamp is
// strictly greater than the cell's, or when the timestamps are equal and the
// message wins the tie-break:
//
//  1. payload bytes are compared as unsigned bytes, lexicographically; a
//     payload that is a strict prefix of the other loses,
//  2. if the bytes are identical, a present payload beats a deleted one,
//  3. fully identical messages are duplicates and change nothing.
//
// This rule is part of the wire contract and must never change. Because it is
// a total order over (timestamp, payload, presence), applying a batch in any
// order converges to the same state.
//
// Wire format, all integers big-endian uint32:
//
//	header        length (whole message incl. header), type
//	PutComponent  entity, component, timestamp, dataLength, data
//	DeleteComponent entity, component, timestamp
//	DeleteEntity  entity
package crdt
