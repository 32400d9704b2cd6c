// Package worker is the client side of the worker fleet: it tracks worker
// endpoints through a Registry, picks the least loaded healthy one and
// dispatches tasks to it over HTTP.
package worker
