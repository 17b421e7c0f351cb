// Package events records task lifecycle events and relays them to listeners.
//
// Every lifecycle transition is appended to the project's durable event log
// in the same transaction as the task mutation that caused it. Once the
// transaction commits, the events are handed to an EventEmitter, which fans
// them out to registered handlers such as the project channel registry.
// Broadcast is best-effort: a failed handler never fails the mutation, since
// listeners catch up by replaying the log. The outcome is reported to the
// caller as a publish side effect.
//
// The primary components are:
// - Publisher: transactional append, post-commit broadcast and replay listing
// - EventHandler: interface for components that consume committed events
// - Fanout: dispatches committed events to handlers
package events
