package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) Events() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

// loopRun processes items until stop is requested, reporting counters after each.
func loopRun(started chan<- struct{}) RunFunc {
	return func(ctx context.Context, _ string, stop crawler.StopSignal, obs crawler.Observer) (worker.Outcome, error) {
		close(started)
		var c crawler.Counters
		for {
			if stop.StopRequested() || ctx.Err() != nil {
				return worker.OutcomeStopped, nil
			}
			c.CodesProcessed++
			obs.Observe(c)
			time.Sleep(time.Millisecond)
		}
	}
}

func newDispatcher(run RunFunc) *Dispatcher {
	return New(run, &seqIDs{}, system.New(), nil, Config{}, zap.NewNop())
}

func waitIdle(t *testing.T, d *Dispatcher) Status {
	t.Helper()
	require.NoError(t, d.Wait(context.Background()))
	st := d.Status()
	require.Equal(t, StateIdle, st.State)
	return st
}

func TestStartRejectsSecondRun(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	d := newDispatcher(loopRun(started))

	id, err := d.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", id)
	<-started

	_, err = d.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, d.Stop())
	st := waitIdle(t, d)
	require.Equal(t, worker.OutcomeStopped, st.LastOutcome)
	require.Equal(t, "run-1", st.RunID)
	require.NotNil(t, st.FinishedAt)
	require.Positive(t, st.Counters.CodesProcessed)
}

func TestStopStatesAndErrors(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	d := newDispatcher(loopRun(started))
	require.ErrorIs(t, d.Stop(), ErrNotRunning)
	require.False(t, d.StopRequested())

	_, err := d.Start(context.Background())
	require.NoError(t, err)
	<-started
	require.Equal(t, StateRunning, d.Status().State)

	require.NoError(t, d.Stop())
	require.True(t, d.StopRequested())
	// A second stop while stopping is accepted.
	require.NoError(t, d.Stop())
	waitIdle(t, d)
	require.ErrorIs(t, d.Stop(), ErrNotRunning)
}

func TestRunOutlivesStartContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	d := newDispatcher(loopRun(started))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.Start(ctx)
	require.NoError(t, err)
	<-started
	cancel()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateRunning, d.Status().State)
	require.NoError(t, d.Shutdown(context.Background()))
	require.Equal(t, StateIdle, d.Status().State)
}

func TestShutdownCancelsRunAfterDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	d := newDispatcher(func(ctx context.Context, _ string, _ crawler.StopSignal, _ crawler.Observer) (worker.Outcome, error) {
		close(started)
		<-ctx.Done()
		return worker.OutcomeStopped, nil
	})
	_, err := d.Start(context.Background())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)
	require.Equal(t, StateIdle, d.Status().State)
}

func TestPanicEndsRunAsCrashed(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	d := New(func(context.Context, string, crawler.StopSignal, crawler.Observer) (worker.Outcome, error) {
		panic("boom")
	}, &seqIDs{}, system.New(), emitter, Config{}, zap.NewNop())

	_, err := d.Start(context.Background())
	require.NoError(t, err)
	st := waitIdle(t, d)
	require.Equal(t, OutcomeCrashed, st.LastOutcome)
	require.Contains(t, st.LastError, "boom")

	events := emitter.Events()
	require.Len(t, events, 1)
	require.Equal(t, progress.StageRunCrashed, events[0].Stage)
	require.NoError(t, events[0].Validate())

	// The dispatcher accepts a new run after a crash.
	_, err = d.Start(context.Background())
	require.NoError(t, err)
	waitIdle(t, d)
}

func TestRunErrorEndsAsFailed(t *testing.T) {
	t.Parallel()

	d := newDispatcher(func(context.Context, string, crawler.StopSignal, crawler.Observer) (worker.Outcome, error) {
		return "", errors.New("load pending codes: connection refused")
	})
	_, err := d.Start(context.Background())
	require.NoError(t, err)
	st := waitIdle(t, d)
	require.Equal(t, OutcomeFailed, st.LastOutcome)
	require.Contains(t, st.LastError, "connection refused")
}

func TestCompletedRunClearsPreviousError(t *testing.T) {
	t.Parallel()

	fail := true
	d := newDispatcher(func(context.Context, string, crawler.StopSignal, crawler.Observer) (worker.Outcome, error) {
		if fail {
			return "", errors.New("first run fails")
		}
		return worker.OutcomeCompleted, nil
	})
	_, err := d.Start(context.Background())
	require.NoError(t, err)
	waitIdle(t, d)

	fail = false
	id, err := d.Start(context.Background())
	require.NoError(t, err)
	st := waitIdle(t, d)
	require.Equal(t, "run-2", id)
	require.Equal(t, worker.OutcomeCompleted, st.LastOutcome)
	require.Empty(t, st.LastError)
}

func TestMonitorLogsCounters(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	started := make(chan struct{})
	d := New(loopRun(started), &seqIDs{}, system.New(), nil, Config{MonitorInterval: 5 * time.Millisecond}, zap.New(core))

	_, err := d.Start(context.Background())
	require.NoError(t, err)
	<-started
	require.Eventually(t, func() bool {
		return logs.FilterMessage("crawl progress").Len() > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestWaitWithoutRun(t *testing.T) {
	t.Parallel()

	d := newDispatcher(nil)
	require.NoError(t, d.Wait(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()))
	st := d.Status()
	require.Equal(t, StateIdle, st.State)
	require.Nil(t, st.StartedAt)
}
