package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeliversValue(t *testing.T) {
	f := New()
	f.Resolve(map[string]any{"ok": true})

	value, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, value)
}

func TestRejectDeliversError(t *testing.T) {
	f := New()
	sentinel := errors.New("boom")
	f.Reject(sentinel)

	_, err := f.Await(context.Background())
	assert.Same(t, sentinel, err)
}

func TestOnlyFirstResolutionWins(t *testing.T) {
	f := New()
	f.Resolve("first")
	f.Resolve("second")
	f.Reject(errors.New("too late"))

	value, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestAwaitRespectsContextTimeout(t *testing.T) {
	f := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitUnblocksOnResolveFromAnotherGoroutine(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Resolve("done")
	}()

	value, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}
