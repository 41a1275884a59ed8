// Package memory implements a tiered cognitive memory subsystem:
// short-term (STM) and intermediate-term (ITM) entries live in a
// TTL-backed ephemeral store, long-term (LTM) entries and distilled
// knowledge live in a durable vector-indexed store.
//
// Architecture:
//   - EphemeralStore: TTL key-value store with ranked indexes (Redis)
//   - DurableStore: persistent similarity-searchable store (chromem-go)
//   - Embedder: text-to-vector conversion, pluggable
//   - Repository: single entry point owning the tier invariants
//   - Promoter: STM->ITM->LTM transitions, opportunistic and batched
//
// Tier lifecycle: items are created in STM on interaction capture,
// mutated on every retrieval, promoted forward by the Promoter, and
// destroyed by TTL expiry (STM/ITM) or tombstoned (LTM). Transitions
// never run backward, an expired entry is never readable or
// promotable, and an LTM promotion persists durably before the
// ephemeral copy is removed.
package memory
