// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Session: header row for a conversation session
//   - Turn: one completed query/response pair, ordered by Seq within a session
//   - QueryRecord: the outcome of one agent run (status, error code, timing)
//
// SQLiteStore implements both Store and QueryStore in a single struct.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so range predicates
// (purge cutoffs, stats windows) compare correctly as text.
//
// # Error Handling
//
//   - ErrNotFound: requested session does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests, or NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
