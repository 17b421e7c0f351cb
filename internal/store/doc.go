// Package store defines the persistence contracts of the task lifecycle
// system: the Task Store, the project-scoped Event Log, and a Transactor
// that applies a task mutation and its event append atomically.
package store
