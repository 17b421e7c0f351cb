// Package service implements the task lifecycle use cases: submit, query,
// cancel, dismiss and target-state snapshots, plus the lifecycle callbacks
// the background runner uses to record progress and outcomes.
//
// Every mutation of a task row goes through events.Publisher.Mutate so the
// row change and the lifecycle event describing it commit together. Callers
// only ever see their own tasks: a task owned by someone else is reported as
// not found.
package service
