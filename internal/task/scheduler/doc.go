// Package scheduler is the generic multi-task scheduler of padbridge.
//
// A Scheduler owns a fixed-capacity table of tasks. Each task has an execution
// policy (Periodic, OneShot, Delayed, Conditional), a priority, an optional
// deadline budget and a lifecycle driven by one execution unit:
//   - a goroutine loop for Periodic, OneShot and Conditional tasks
//   - a runtime timer for Delayed tasks (no goroutine while waiting)
//
// Periodic dispatch uses absolute wake times (last wake + period), so execution
// jitter does not accumulate into drift. Every table access goes through one lock
// with a bounded acquisition timeout; operations fail with ErrLockTimeout instead
// of blocking forever.
//
// Delete is join-style: it returns once the task's unit can no longer run the task
// body. Deleting a task from its own completion callback, or from its own body
// (using the ctx the body received), does not deadlock.
package scheduler
