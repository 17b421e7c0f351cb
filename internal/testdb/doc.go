// Package testdb provides helpers for integration tests that need a real
// PostgreSQL database. Tests skip unless DATABASE_URL is set.
package testdb
