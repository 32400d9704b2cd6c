// Package scheduler runs the background loops that move tasks through
// their lifecycle: the polling scheduler that claims Waiting tasks and
// dispatches them to workers, and the reaper that recovers tasks left
// Queued or Running by a crashed worker or scheduler.
//
// Neither loop holds a global lock. Every claim is a conditional state
// change in the store, so losing a race is routine and silently skipped.
package scheduler
