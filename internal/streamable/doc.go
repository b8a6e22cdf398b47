// Package streamable de-duplicates asset loads behind shared promises.
//
// A consumer expresses an Intention (what to load and from which sources)
// and receives a Handle. Requests with the same intention key, made while a
// load is in flight, share one Promise and one underlying fetch. Every
// Handle holds one reference; when the last reference to a pending promise
// is released the fetch is cancelled. Cancelling a consumer's context
// releases only that consumer's handle.
//
// Successful results are kept in a bounded cache so that late consumers
// attach to the resolved promise without a new fetch. Failures are never
// cached: the next request retries.
//
// Each scene owns its pipelines, rooted at the scene's master context.
// Close cancels everything still in flight.
package streamable
