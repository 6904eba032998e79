// Package memory provides per-owner semantic memory: short facts about a
// user ("prefers window seats") that are embedded, indexed and recalled by
// similarity on later turns.
//
// Architecture:
//   - RecordRepository: durable record storage (in-memory here, SQLite in store/sqlite)
//   - Embedder: text-to-vector conversion (mock, remote HTTP, ONNX, cached)
//   - index.Provider: one vector index namespace per owner
//   - Store: add / update-by-similarity / soft-delete / expiry on top of the three
//
// Writes for one owner are serialised; reads are not and may observe a
// write that is still in flight.
package memory
