// Package store persists nodes, commands, policies, sessions and
// enrollment tokens.
//
// Two implementations satisfy Store:
//
//   - PostgresStore: pgx connection pool over the schema created by the
//     goose migrations in internal/db.
//   - MemoryStore: mutex-guarded maps, used by unit tests and by the
//     server when db.driver is "memory".
//
// Each state transition is one Update* call. The callback receives the
// current row; whatever it leaves in the struct is written back in the
// same transaction (a row lock in Postgres, the store mutex in memory).
// Returning an error from the callback leaves the row untouched, which is
// how the command queue rejects illegal transitions atomically.
//
// Missing rows are reported as apperr.ErrNotFound.
package store
