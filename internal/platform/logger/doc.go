// Package logger configures the process-wide slog logger from server
// settings and carries request-scoped loggers through context.Context, so
// scheduler passes, dispatches and reactions log with their job and task
// identifiers attached.
package logger
