// Package domain contains the core entities of the scheduler: jobs, the tasks
// they are broken into, and the aggregate counters a job carries. It is
// independent of any storage technology or delivery mechanism.
package domain
