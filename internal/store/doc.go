// Package store defines the persistence contract for jobs and tasks.
// The contract abstracts the underlying storage technology from the
// scheduler: every task mutation is a conditional (compare-and-swap) state
// transition that carries its job counter adjustment in the same unit of
// work, so no reader can observe a torn counter total.
package store
