// Package concurrency provides the small cooperative primitives the runtime
// builds on: joining cancellation signals and timers that outlive the
// platform's maximum single-timer delay.
//
// Invariants:
// - Join of zero contexts never fires; Join of one returns it unchanged.
// - Join of contexts where one is already cancelled returns a context that is
//   already cancelled when Join returns.
// - A LongTimer fires at most once, and never after Stop returned true.
package concurrency
