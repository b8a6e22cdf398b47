// Package content fetches scene content: scene definitions, asset-bundle
// manifests and main CRDT snapshots.
//
// Fetchers return raw bytes. A MultiFetcher picks a local directory and/or
// a remote HTTP origin according to the request's streamable.SourceMask.
// Loaders adapt fetchers to streamable pipelines.
package content
