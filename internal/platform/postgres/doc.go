// Package postgres provides PostgreSQL implementations of the store
// interfaces: the task table with conditional status updates, the
// project-scoped event log with per-project id counters, and the embedded
// goose migrations that create them.
package postgres
