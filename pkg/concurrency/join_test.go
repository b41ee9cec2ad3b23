package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_Zero(t *testing.T) {
	ctx, cancel := Join()
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("joined zero contexts should never fire")
	case <-time.After(20 * time.Millisecond):
	}
	assert.NoError(t, ctx.Err())
}

func TestJoin_OneReturnsSameContext(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	defer parentCancel()

	ctx, cancel := Join(parent)
	defer cancel()

	assert.True(t, ctx == parent, "single context should be returned unchanged")
}

func TestJoin_PreCancelledIsSynchronous(t *testing.T) {
	live, liveCancel := context.WithCancel(context.Background())
	defer liveCancel()

	cause := errors.New("shutdown")
	dead, deadCancel := context.WithCancelCause(context.Background())
	deadCancel(cause)

	ctx, cancel := Join(live, dead)
	defer cancel()

	require.Error(t, ctx.Err(), "derived context must already be cancelled")
	assert.ErrorIs(t, context.Cause(ctx), cause)
}

func TestJoin_FiresOnAnyInput(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	b, cancelB := context.WithCancel(context.Background())
	c, cancelC := context.WithCancel(context.Background())
	defer cancelC()

	ctx, cancel := Join(a, b, c)
	defer cancel()

	assert.NoError(t, ctx.Err())
	cancelB()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("joined context did not fire after input was cancelled")
	}
}

func TestJoin_KeepsFirstContextValues(t *testing.T) {
	type key struct{}
	first := context.WithValue(context.Background(), key{}, "v")

	ctx, cancel := Join(first, context.Background())
	defer cancel()

	assert.Equal(t, "v", ctx.Value(key{}))
}

func TestJoin_CancelFuncReleases(t *testing.T) {
	a := context.Background()
	b, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	ctx, cancel := Join(a, b)
	cancel()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
