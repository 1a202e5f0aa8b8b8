// Package cron schedules the orchestrator's maintenance work: pruning
// sessions nobody has touched and auditing event log disk usage.
package cron

import "context"

// Job is one periodic maintenance task.
type Job interface {
	// Name identifies the job in logs and deduplicates registration.
	Name() string

	// Schedule is a 5-field cron expression, e.g. "*/10 * * * *".
	Schedule() string

	// Run executes one firing. The context is cancelled when the
	// scheduler stops; long jobs should bail out on ctx.Done().
	Run(ctx context.Context) error
}
