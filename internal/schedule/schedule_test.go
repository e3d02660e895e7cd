package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 3 * * *"))
	assert.NoError(t, Validate("@daily"))
	assert.Error(t, Validate("every night"))
	assert.Error(t, Validate("0 3 * *"))
}

func TestNext(t *testing.T) {
	s, err := New("0 3 * * *", func(context.Context) error { return nil }, quiet())
	require.NoError(t, err)

	from := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 16, 3, 0, 0, 0, time.UTC), s.Next(from))
}

func TestRun_ExecutesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	s, err := New("*/5 * * * *", func(context.Context) error {
		runs++
		if runs == 2 {
			return errors.New("remote unreachable")
		}
		if runs == 3 {
			cancel()
		}
		return nil
	}, quiet())
	require.NoError(t, err)

	var waits []time.Duration
	fired := make(chan time.Time)
	close(fired)
	s.now = func() time.Time { return time.Date(2024, 3, 15, 10, 2, 0, 0, time.UTC) }
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		if ctx.Err() != nil {
			return nil
		}
		return fired
	}

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 3, runs, "a failing run does not stop the scheduler")
	assert.Equal(t, 3*time.Minute, waits[0])
}

func TestRunOnce(t *testing.T) {
	s, err := New("@hourly", func(context.Context) error { return errors.New("boom") }, quiet())
	require.NoError(t, err)
	assert.False(t, s.RunOnce(context.Background()))
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New("61 * * * *", func(context.Context) error { return nil })
	assert.Error(t, err)
}
