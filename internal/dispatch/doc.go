// Package dispatch drives a job step from request to terminal report.
//
// Each entry point (LaunchTasks, SpawnTask, LaunchBatchJob) runs one step to
// completion on the caller's goroutine:
//
//	received → validated → interconnect_init → prolog_run → launching →
//	running → epilog_run → interconnect_fini → completed
//
// with failed as the absorbing error state.
//
// Failure policy:
//   - A request that does not resolve fails before any fabric or script call.
//   - Interconnect Init failure skips the prolog and epilog; Fini still runs.
//   - Prolog failure is fatal; the epilog and Fini still run.
//   - A task that cannot be attached, given an environment or started fails
//     the step; tasks already started are killed and reaped and later tasks
//     are never started.
//   - Any task exiting non-zero fails the step with nonzero_exit naming the
//     first failing task.
//   - Epilog failure is advisory and recorded in the report.
//   - Fini failure is logged only.
//
// Cleanup (killing tasks, epilog, Fini, report delivery) runs on a context
// detached from the caller's cancellation.
package dispatch
