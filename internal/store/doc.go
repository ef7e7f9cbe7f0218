// Package store provides persistent usage and conversation records using SQLite.
//
// # Overview
//
// The Store interface records one row per completed ask (prompt size,
// response size, duration, outcome) and tracks known conversations per
// module. SQLiteStore is the only implementation; tests use ":memory:".
//
// # Data Models
//
//   - AskUsage: One completed ask with outcome (done, cancelled, error)
//   - Conversation: A (module, conversation_id) pair with last activity
//   - UsageSummary: Aggregated counts and totals over a filter window
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 strings. The schema is created on open;
// there are no migrations yet.
package store
