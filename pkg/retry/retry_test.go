package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gazestream/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		Attempts: attempts,
		Initial:  time.Millisecond,
		Max:      5 * time.Millisecond,
		Factor:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.ErrConnectionLost
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errors.ErrNoConnection
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnFinalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"explicit stop", Stop(stderrors.New("bad credentials"))},
		{"fatal", errors.WrapFatal(stderrors.New("boom"), "C", "m", "a")},
		{"invalid", errors.WrapInvalid(stderrors.New("bad url"), "C", "m", "a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_StopUnwrapsMarker(t *testing.T) {
	base := stderrors.New("no route")
	err := Do(context.Background(), fastPolicy(2), func(context.Context) error {
		return Stop(base)
	})
	assert.Same(t, base, err)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Initial: 200 * time.Millisecond, Max: time.Second, Factor: 2}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.ErrConnectionTimeout
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ time.Duration, err error) {
		attempts = append(attempts, attempt)
		assert.ErrorIs(t, err, errors.ErrConnectionLost)
	}

	_ = Do(context.Background(), p, func(context.Context) error {
		return errors.ErrConnectionLost
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_RejectsNegativePolicy(t *testing.T) {
	err := Do(context.Background(), Policy{Initial: -time.Second}, func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Once(), func(context.Context) error {
		calls++
		return errors.ErrConnectionLost
	})
	assert.Equal(t, 1, calls)
}
