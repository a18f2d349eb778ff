package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/scalpex/internal/controls"
)

func testGuard(t *testing.T) (*Guard, *controls.Controls) {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctl := controls.New(log)
	g := New(Config{
		MinInterval:    time.Millisecond,
		BucketCapacity: 100,
		RefillRate:     1000,
		BackoffFloor:   time.Millisecond,
		BackoffCeiling: 5 * time.Millisecond,
	}, ctl, log)
	return g, ctl
}

func TestDoRetriesRetryableUntilSuccess(t *testing.T) {
	g, ctl := testGuard(t)

	calls := 0
	err := g.Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("connection reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, ctl.Enabled())
}

func TestDoFatalDisablesTrading(t *testing.T) {
	g, ctl := testGuard(t)

	calls := 0
	err := g.Do(context.Background(), "place_order", func() error {
		calls++
		return Fatal(errors.New("session rejected"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal errors must not be retried")
	assert.False(t, ctl.Enabled())
	assert.Contains(t, ctl.Reason(), "place_order")
	assert.Contains(t, ctl.Reason(), "session rejected")
}

func TestDoAuthFailureByMessageDisablesTrading(t *testing.T) {
	g, ctl := testGuard(t)

	err := g.Do(context.Background(), "positions", func() error {
		return errors.New("broker returned 401: unauthorized")
	})

	require.Error(t, err)
	assert.False(t, ctl.Enabled())
}

func TestDoUnclassifiedErrorIsRetried(t *testing.T) {
	g, ctl := testGuard(t)

	calls := 0
	err := g.Do(context.Background(), "ltp", func() error {
		calls++
		if calls == 1 {
			return errors.New("something odd happened")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, ctl.Enabled())
}

func TestDoRetryableWithAuthLookingMessageStillRetries(t *testing.T) {
	// Explicit classification wins over message matching.
	g, ctl := testGuard(t)

	calls := 0
	err := g.Do(context.Background(), "orders", func() error {
		calls++
		if calls == 1 {
			return Retryable(errors.New("proxy returned 403 during failover"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, ctl.Enabled())
}

func TestDoStopsOnContextCancel(t *testing.T) {
	g, _ := testGuard(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, "test", func() error {
		return Retryable(errors.New("still down"))
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallReturnsValue(t *testing.T) {
	g, _ := testGuard(t)

	got, err := Call(context.Background(), g, "funds", func() (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	tb := newTokenBucket(2, 100) // 2 burst, 100/s refill

	ok, _ := tb.take()
	require.True(t, ok)
	ok, _ = tb.take()
	require.True(t, ok)

	ok, wait := tb.take()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	require.NoError(t, tb.wait(context.Background()))
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	tb := newTokenBucket(1, 0.001) // effectively never refills

	ok, _ := tb.take()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tb.wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMatchesAuthFailure(t *testing.T) {
	codes := append(defaultAuthErrorCodes, "DH-901")

	assert.True(t, matchesAuthFailure(errors.New("error DH-901: token invalid"), codes))
	assert.True(t, matchesAuthFailure(errors.New("HTTP 403 Forbidden"), codes))
	assert.False(t, matchesAuthFailure(errors.New("timeout waiting for quote"), codes))
	assert.False(t, matchesAuthFailure(nil, codes))
}
