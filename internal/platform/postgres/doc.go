// Package postgres provides the PostgreSQL implementation of store.JobStore
// together with the embedded goose migrations for its schema. Task state
// changes are single conditional UPDATEs ("WHERE id = $1 AND state = $2")
// whose counter adjustments and dependent releases run in the same
// transaction; the job_counts row lock is always taken first.
package postgres
