// Package types defines the documents, edges, and shared value types of the
// bi-temporal knowledge graph: messages, memories, entities, relationships,
// communities, episodes, and compaction records, together with the typed
// errors and the search result envelope used across the engine.
//
// Every document that participates in temporal reasoning embeds a Stamp
// carrying transaction time (created_at, immutable) and valid time
// (valid_at/invalid_at). Point-in-time queries and the contradiction engine
// are written entirely in terms of Stamp.
package types
