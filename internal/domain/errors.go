package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidTransition is returned when a status change is not permitted
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrUnknownTaskType is returned for task types the system cannot execute.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidPayload is returned when a task payload is not a JSON object
	// or misses fields required by its task type.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrUnknownLifecycleType is returned when decoding an event payload whose
	// lifecycleType discriminator is not recognised.
	ErrUnknownLifecycleType = errors.New("unknown lifecycle type")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
