// Package db provides an embedded SQLite database that executes statements on
// a dedicated worker goroutine.
//
// Asynchronous operations (CreateTable, Insert, Execute) are queued and run in
// FIFO order; their outcome is delivered exactly once to a Listener through a
// Dispatcher, so listeners never run on the database goroutine. Synchronous
// variants run on the caller's goroutine. Both paths share one connection and
// one execution lock.
//
// Conventions:
//   - Every table created through CreateTable gets an implicit
//     "row_id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT" column.
//   - Result rows that contain a NULL column are dropped.
//   - Records accept string and integer values only; other values are skipped.
//   - SQL failures are logged and reported as errcode.ErrOperationFailed.
//
// Shared wraps a DB in a reference counted handle for components that share
// one database file within a process.
package db
