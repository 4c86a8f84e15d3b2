// Package vectorstore stores fixed-dimension vectors with payloads in named
// collections.
//
// Two backends implement Store:
//
// ChromemStore (default):
//   - Embedded chromem-go database, in memory or persisted to disk
//   - No external service needed
//   - Collection dimensions kept in a collections.json sidecar
//
// QdrantStore:
//   - External Qdrant server over gRPC (port 6334)
//   - Native payload filters and exact counts
//
// Provider selection via config:
//
//	vectorstore:
//	  provider: chromem  # "chromem" (default) or "qdrant"
//
// # Dimensions
//
// A collection's dimension is fixed when it is created. Upsert and Query
// reject vectors of any other length with ErrDimensionMismatch, so vectors
// from different embedding models can never share a collection.
//
// # Zero vectors
//
// A point whose vector is all zeros is a placeholder. It can be written and
// read back through Get and Scroll, but Query never returns it.
package vectorstore
