// Package stream delivers a project's lifecycle events to one client over
// Server-Sent Events.
//
// A Session attaches its channel listener before reading the event log, so
// nothing published during replay is missed. Replayed events are written
// first, in id order, then live messages follow. Events seen on both paths
// are collapsed by a Deduper keyed on the event id and, within a short
// window, on a fingerprint of the task's lifecycle position.
package stream
