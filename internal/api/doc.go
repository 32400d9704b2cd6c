// Package api exposes the HTTP surface: operator endpoints for submitting
// and managing jobs, and worker endpoints for task reports and heartbeats.
// Handlers translate HTTP concerns into service calls and map service
// errors to status codes; they hold no scheduling logic of their own.
package api
