// Package api handles incoming HTTP requests for tasks and their event
// stream. Handlers decode and validate requests, call the task service and
// translate its errors into {error: {code, message}} responses. The stream
// handler hands the connection to a stream.Session once replay succeeds.
package api
