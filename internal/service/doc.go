// Package service contains the administrative use cases over jobs and
// tasks. It sits between the HTTP API and the job store, emits lifecycle
// events, and translates store errors into sentinels that the API layer
// maps to HTTP status codes.
//
// Worker reports are not handled here; see package reaction.
package service
