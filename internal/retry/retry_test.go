package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsEventually(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 5, Delay: time.Millisecond}
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 4, Delay: time.Millisecond}
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("still broken")
	})
	require.EqualError(t, err, "still broken")
	assert.Equal(t, 4, calls)
}

func TestZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func() error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPermanentAbortsImmediately(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 10, Delay: time.Millisecond}
	inner := errors.New("bad locator")
	err := p.Do(context.Background(), func() error {
		calls++
		return Permanent(inner)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, 1, calls)
}

func TestContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{Attempts: 100, Delay: 50 * time.Millisecond}
	err := p.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
