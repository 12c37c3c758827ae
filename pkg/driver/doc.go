// Package driver provides the storage adapter for the memory engine.
//
// Driver is the single interface the rest of the engine talks to. The
// primary implementation is ArangoDriver on a multi-model database; a
// MemoryDriver backs tests without a running server. Query text for the
// Arango implementation is produced by pure builder functions in aql.go so
// query shape can be asserted without a database.
package driver
