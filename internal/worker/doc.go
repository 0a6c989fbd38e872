// Package worker runs the worker side of task dispatch: it polls the
// dispatcher for a task, runs the model on it, streams progress back in
// order and reports the terminal result.
//
// A worker processes one task at a time. Transport failures are retried
// with exponential backoff; rejections by the server (bad token, invalid
// transition, unknown task) are permanent and never retried.
package worker
