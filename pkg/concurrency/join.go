package concurrency

import "context"

func noopCancel() {}

// Join returns a context that is cancelled as soon as any of ctxs is cancelled.
// Values and deadline come from the first context. The returned CancelFunc
// releases the watchers registered on the other contexts.
func Join(ctxs ...context.Context) (context.Context, context.CancelFunc) {
	switch len(ctxs) {
	case 0:
		return context.Background(), noopCancel
	case 1:
		return ctxs[0], noopCancel
	}

	joined, cancel := context.WithCancelCause(ctxs[0])

	for _, ctx := range ctxs {
		if ctx.Err() != nil {
			cancel(context.Cause(ctx))
			return joined, func() { cancel(context.Canceled) }
		}
	}

	stops := make([]func() bool, 0, len(ctxs)-1)
	for _, ctx := range ctxs[1:] {
		ctx := ctx
		stops = append(stops, context.AfterFunc(ctx, func() {
			cancel(context.Cause(ctx))
		}))
	}

	return joined, func() {
		for _, stop := range stops {
			stop()
		}
		cancel(context.Canceled)
	}
}
