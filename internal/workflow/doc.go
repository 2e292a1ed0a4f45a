// Package workflow is a small durable execution engine backed by SQLite.
//
// An instance is a named workflow plus an id, an input, and whatever the
// workflow has recorded so far. Instances never hold live process state
// across a wait: every advance loads the instance, runs until the workflow
// completes, fails, sleeps until a wake time, or waits for a child, and then
// persists the outcome. The scheduler resumes due instances on each tick, so
// a process restart loses nothing but the advance that was in flight, which
// is re-run from the last persisted point.
//
// Two styles of workflow are supported:
//
//   - Replay workflows (Func) are ordinary Go functions that are re-executed
//     from the top on every advance. Each activity call, timer, and child call
//     gets a sequence number, and its outcome is appended to the instance
//     history. On replay the recorded outcome is returned without running the
//     activity again, so workflow code must be deterministic with respect to
//     its input and history.
//
//   - Checkpoint workflows implement Definition directly and store their own
//     state with Execution.SaveCheckpoint after every step.
//
// Activities are retried according to an explicit RetryPolicy passed at the
// call site. Errors marked permanent are not retried.
package workflow
