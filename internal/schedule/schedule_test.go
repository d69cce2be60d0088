package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvery(t *testing.T) {
	d, err := ParseEvery("@every 2s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	for _, bad := range []string{"*/5 * * * *", "@every", "@every nope", "@every 0s", "@every -1s"} {
		_, err := ParseEvery(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseCronExpressions(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)

	s, err := Parse("@every 250ms")
	require.NoError(t, err)
	assert.Equal(t, base.Add(250*time.Millisecond), s.Next(base))

	s, err = Parse("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Minute), s.Next(base))

	s, err = Parse("*/10 * * * * *")
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Second), s.Next(base))

	s, err = Parse("@hourly")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), s.Next(base))

	for _, bad := range []string{"", "hourly", "@every", "@every 0s", "61 * * * *"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddValidates(t *testing.T) {
	s := NewScheduler(func(context.Context, *Job) error { return nil }, nil)
	require.Error(t, s.Add(&Job{Schedule: "@every 1s", Command: "get_devices"}))
	require.Error(t, s.Add(&Job{Name: "a", Schedule: "@every 1s"}))
	require.Error(t, s.Add(&Job{Name: "a", Schedule: "hourly", Command: "get_devices"}))

	require.NoError(t, s.Add(&Job{Name: "a", Schedule: "@every 1s", Command: "get_devices"}))
	require.ErrorContains(t, s.Add(&Job{Name: "a", Schedule: "@every 2s", Command: "get_network_info"}), "duplicate")
	assert.Equal(t, []string{"a"}, s.Jobs())
}

func TestJobsRunUntilStop(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(func(_ context.Context, j *Job) error {
		assert.Equal(t, "refresh", j.Name)
		runs.Add(1)
		return errors.New("ignored")
	}, nil)
	require.NoError(t, s.Add(&Job{Name: "refresh", Schedule: "@every 10ms", Command: "get_network_info"}))
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))
	require.Error(t, s.Add(&Job{Name: "late", Schedule: "@every 10ms", Command: "x"}))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
	s.Stop()
}

func TestSlowRunSkipsOverlappingTicks(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	s := NewScheduler(func(ctx context.Context, _ *Job) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil)
	require.NoError(t, s.Add(&Job{Name: "slow", Schedule: "@every 5ms", Command: "get_devices"}))
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	close(release)
	s.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}
