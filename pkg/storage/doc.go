// Package storage persists the aggregates. Each aggregate is stored as
// one canonical JSONB body plus the few columns queries filter on; the
// feature store additionally manages the dynamic per-(convention, hook)
// tables declared by hook manifests. All stores bind to the unit of
// work's transaction. In-memory twins back the tests and dev mode.
package storage
