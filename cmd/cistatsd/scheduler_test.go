package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlassian/cistatsd/internal/fixtures"
	"github.com/atlassian/cistatsd/pkg/flush"
)

type countingFlusher struct {
	calls atomic.Int64
}

func (f *countingFlusher) Flush(ctx context.Context) flush.Result {
	f.calls.Add(1)
	return flush.Result{}
}

func TestFlushSchedulerRunsUntilCancelled(t *testing.T) {
	t.Parallel()
	f := &countingFlusher{}
	s, err := newFlushScheduler(fixtures.NewTestLogger(t), f, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	after := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, f.calls.Load())
}

func TestFlushSchedulerRejectsBadInterval(t *testing.T) {
	t.Parallel()
	_, err := newFlushScheduler(fixtures.NewTestLogger(t), &countingFlusher{}, 0)
	require.Error(t, err)
}

func TestSetupConfiguration(t *testing.T) {
	t.Parallel()
	v, version, err := setupConfiguration([]string{"cistatsd", "--report-with=DOGSTATSD", "--flush-interval=5s", "--version"})
	require.NoError(t, err)
	require.True(t, version)
	require.Equal(t, "DOGSTATSD", v.GetString("report-with"))
	require.Equal(t, 5*time.Second, v.GetDuration(ParamFlushInterval))
}
