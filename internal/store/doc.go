// Package store implements the normalized in-memory entity store.
//
// The store holds one mapping per entity type, keyed by a stable id. It never
// performs I/O: it is a keyed container plus change notification.
//
// INVARIANTS:
//   - An id denotes exactly one entity type for the lifetime of the store.
//     Putting the same id under a second type fails with IDConflictError,
//     even after the first record was removed.
//   - Put replaces the whole record. There is no merge: callers that want a
//     partial update read, modify and put the result.
//   - Readers never observe a partially applied write. Single writes and
//     transactions are applied under the write lock in one step.
//   - Every successful Put, Remove and non-empty Transaction publishes
//     exactly one change event, in the same call as the mutation.
//
// Typed access goes through Collection[T], created with Define and an explicit
// id-extraction function.
package store
