// Package pool schedules long-running jobs onto a fixed set of compute devices.
//
// Each device owns an unbounded FIFO queue consumed by exactly one worker
// goroutine, so a device runs at most one job at a time. Workers report
// progress, completion and free-form log lines over three channels; a
// dedicated listener per channel folds them into the pool's job table, which
// callers read through Done and Status.
//
// Job lifecycle:
//
//	Submit -> Pending -> (first ReportProgress) Active -> Finished
//
// Cancellation is cooperative. Cancel records the request; the device's cancel
// flag is raised immediately for an active job, or at the job's first progress
// report if it was still queued. Jobs observe the flag through
// JobContext.Cancelled or the ErrCancelled result of ReportProgress.
//
// Workers are recycled as a whole every MaxJobsPerWorker submissions to bound
// native runtime resource growth. Queues survive recycling; only the
// goroutines are replaced.
//
// Known failure mode: a worker goroutine that dies outside a job (a panic in
// the pool itself) leaves its in-flight job Active forever. Join and Recycle
// notice the dead worker and log it; nothing probes liveness in between.
package pool
