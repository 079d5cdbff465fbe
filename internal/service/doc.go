// Package service runs stem separation jobs.
//
// Manager accepts uploads, creates a job record in the registry and drives
// every job in its own goroutine:
//
//	Submit -> uploading -> processing -> complete | error
//	                 \            \
//	                  `-----------`--> cancelled (Cancel)
//
// Each job launches one worker process through a Runner. The Runner drains
// stdout and stderr concurrently: stdout is collected for the DONE: and
// ERROR: markers, stderr lines are parsed for progress and pushed into the
// registry as they arrive.
//
// Running workers are tracked in Processes, keyed by job id, so Cancel can
// terminate a worker from any goroutine. Termination signals the whole
// process group, waits for the grace period and kills the group afterwards.
//
// Cancellation always wins: a record which is cancelled is never changed by
// the job goroutine, it only removes the job files.
//
// Invariants:
//   - At most one worker per job.
//   - Every accepted job ends in exactly one terminal state.
//   - Cleanup failures are logged and never change the job outcome.
package service
