// Package dispatch turns queued command messages into durable dispatch
// workflows.
//
// Every message runs as one "dispatch-command" instance keyed by the
// message id. The instance:
//   - marks the command result running
//   - resolves the command type to a handler (exact type, then base
//     classes, then interfaces)
//   - runs the handler as a child workflow keyed by the command id, so a
//     redelivered command observes the existing child instead of running
//     the handler again
//   - always finishes by persisting the terminal result and handing it to
//     the result sink
//
// Error handling:
//   - Unsupported command type → failed result, kind unsupported_command
//   - Handler returns a deployment error → failed result, kind deployment
//   - Any other handler error or panic → failed result, kind unhandled
//   - Ignored command type → completed result with no output
//
// The Intake loop feeds the workflow engine from the sqlite command queue.
package dispatch
