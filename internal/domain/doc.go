// Package domain contains the core entities of the task lifecycle system:
// tasks, their state machine, lifecycle events and derived target states.
// It is independent of any specific infrastructure or delivery mechanism.
package domain
