// Package journal provides a SQLite-backed append-only log of the commands
// dispatched into a session and the events they produced.
//
// The journal is diagnostic. It is written asynchronously by a Recorder
// attached to an engine, read back by the trace command, and replayed into
// a fresh session to check that the same commands yield the same outcomes.
// Nothing in a running session reads from it.
//
// # Ordering
//
// Every entry gets a journal-wide seq INTEGER assigned by SQLite in append
// order. All reads use ORDER BY seq ASC; wall time is stored for display
// only and never used for ordering.
//
// # Entries
//
//   - Commands: one row per dispatched command that passed validation,
//     with its JSON payload and envelope metadata (correlation, causation,
//     resource key).
//   - Events: one row per published event, with its JSON payload and the
//     correlation id it is bound to.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package journal
