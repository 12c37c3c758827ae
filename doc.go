// Package mnemosyne is a bi-temporal knowledge-graph memory engine for
// conversational agents.
//
// Conversations are ingested as chained message pairs with a summarizing
// memory; entities and relationships are extracted into a graph whose edges
// carry valid-time intervals. Contradictions against functional predicates
// are resolved at write time under a configurable policy, so the graph never
// holds two conflicting valid facts. Nothing is deleted: superseded facts
// keep their history and point-in-time queries reconstruct the graph as it
// was at any instant.
//
// Retrieval routes each query to lexical, vector, graph, or hybrid search
// with reciprocal-rank fusion and an optional cross-encoder rerank stage.
// Entity communities are rebuilt on demand with Louvain clustering, and the
// graph exports to parquet for offline analysis.
package mnemosyne
