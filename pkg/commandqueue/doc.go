// Package commandqueue provides a lane-keyed coalescing work queue for
// "refresh to the latest desired state" operations.
//
// Invariants:
// - At most one operation is pending per lane; enqueuing while one is pending
//   replaces it, so only the most recently enqueued operation of a cycle runs.
// - Every caller that enqueued during a cycle observes that cycle's result or
//   error.
// - A lane's drain goroutine exits as soon as nothing is pending, so an idle
//   queue costs nothing.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "runner-pool:default", func(ctx context.Context) (interface{}, error) {
//		return client.UpsertRunnerConfig(ctx, name, cfg)
//	})
package commandqueue
