package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), quietLogger(), fastConfig(), "op",
		func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), quietLogger(), fastConfig(), "op",
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("connection refused")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), quietLogger(), fastConfig(), "op",
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("401 unauthorized")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "401")
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), quietLogger(), fastConfig(), "op",
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("503 service unavailable")
		})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial attempt + 3 retries
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, quietLogger(), fastConfig(), "op",
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("timeout")
		})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestDoCancelDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialBackoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, quietLogger(), cfg, "op",
			func(context.Context) (int, error) {
				return 0, errors.New("timeout")
			})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestNextBackoffCapped(t *testing.T) {
	b := nextBackoff(40*time.Second, 30*time.Second)
	// Capped at max plus up to 25% jitter.
	assert.GreaterOrEqual(t, b, 30*time.Second)
	assert.Less(t, b, 38*time.Second)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 10.0.0.1:443: i/o timeout"), true},
		{errors.New("HTTP 429 rate limit exceeded"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("502 Bad Gateway"), true},
		{errors.New("401 unauthorized"), false},
		{errors.New("invalid symbol"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsTransient(c.err), "%v", c.err)
	}
}
