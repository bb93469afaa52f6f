// Package dispatcher runs one crawl at a time in the background and exposes
// start, stop and status controls independent of any display surface.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("crawl already running")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("crawl not running")
)

// State is the lifecycle state of the dispatcher.
type State string

// Dispatcher states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Outcomes beyond those reported by the worker.
const (
	OutcomeCrashed worker.Outcome = "crashed"
	OutcomeFailed  worker.Outcome = "failed"
)

// RunFunc executes one crawl. It owns any per-run resources such as the
// fetcher's connection pool and must release them before returning.
type RunFunc func(ctx context.Context, runID string, stop crawler.StopSignal, obs crawler.Observer) (worker.Outcome, error)

// Config controls the dispatcher.
type Config struct {
	// MonitorInterval is how often counters are logged during a run. 0 disables it.
	MonitorInterval time.Duration
}

// Status is a point-in-time view of the dispatcher.
type Status struct {
	State       State            `json:"state"`
	RunID       string           `json:"run_id,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Counters    crawler.Counters `json:"counters"`
	LastOutcome worker.Outcome   `json:"last_outcome,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
}

// Dispatcher serializes crawl runs.
type Dispatcher struct {
	run     RunFunc
	ids     crawler.IDGenerator
	clock   crawler.Clock
	emitter progress.Emitter
	cfg     Config
	logger  *zap.Logger

	stopFlag atomic.Bool

	mu         sync.Mutex
	state      State
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	counters   crawler.Counters
	outcome    worker.Outcome
	lastErr    string
	cancel     context.CancelFunc
	done       chan struct{}
}

var (
	_ crawler.StopSignal = (*Dispatcher)(nil)
	_ crawler.Observer   = (*Dispatcher)(nil)
)

// New creates an idle Dispatcher.
func New(
	run RunFunc,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		run:     run,
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
	}
}

// Start launches a run in the background and returns its id. The run outlives
// ctx cancellation; use Stop or Shutdown to end it.
func (d *Dispatcher) Start(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return "", ErrAlreadyRunning
	}
	runID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.stopFlag.Store(false)
	d.state = StateRunning
	d.runID = runID
	d.startedAt = d.clock.Now()
	d.finishedAt = time.Time{}
	d.counters = crawler.Counters{}
	d.lastErr = ""
	d.cancel = cancel
	d.done = make(chan struct{})

	metrics.SetRunActive(true)
	go d.execute(runCtx, runID, d.done)
	d.logger.Info("crawl started", zap.String("run_id", runID))
	return runID, nil
}

// Stop asks the active run to end after its current item.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
		return ErrNotRunning
	case StateRunning:
		d.state = StateStopping
		d.stopFlag.Store(true)
		d.logger.Info("crawl stop requested", zap.String("run_id", d.runID))
	}
	return nil
}

// Wait blocks until the active run (if any) has finished.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl: %w", ctx.Err())
	}
}

// Shutdown requests a stop and waits for it. When ctx expires first the run's
// context is canceled so in-flight requests abort.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if err := d.Stop(); errors.Is(err, ErrNotRunning) {
		return nil
	}
	if err := d.Wait(ctx); err != nil {
		d.mu.Lock()
		cancel, done := d.cancel, d.done
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		return err
	}
	return nil
}

// Status returns the current state, counters and last outcome.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		State:       d.state,
		RunID:       d.runID,
		Counters:    d.counters,
		LastOutcome: d.outcome,
		LastError:   d.lastErr,
	}
	if !d.startedAt.IsZero() {
		started := d.startedAt
		st.StartedAt = &started
	}
	if !d.finishedAt.IsZero() {
		finished := d.finishedAt
		st.FinishedAt = &finished
	}
	return st
}

// StopRequested implements crawler.StopSignal.
func (d *Dispatcher) StopRequested() bool {
	return d.stopFlag.Load()
}

// Observe implements crawler.Observer.
func (d *Dispatcher) Observe(c crawler.Counters) {
	d.mu.Lock()
	d.counters = c
	d.mu.Unlock()
}

func (d *Dispatcher) execute(ctx context.Context, runID string, done chan struct{}) {
	defer close(done)
	logger := d.logger.With(zap.String("run_id", runID))

	monitorDone := make(chan struct{})
	if d.cfg.MonitorInterval > 0 {
		go d.monitor(runID, monitorDone, logger)
	}

	outcome, err := d.safeRun(ctx, runID, logger)
	close(monitorDone)

	if err != nil && outcome == "" {
		outcome = OutcomeFailed
	}
	if outcome == OutcomeCrashed {
		d.emitter.Emit(progress.Event{RunID: runID, TS: d.clock.Now(), Stage: progress.StageRunCrashed, Note: err.Error()})
	}

	d.mu.Lock()
	d.cancel()
	d.state = StateIdle
	d.finishedAt = d.clock.Now()
	d.outcome = outcome
	if err != nil {
		d.lastErr = err.Error()
	}
	counters := d.counters
	d.mu.Unlock()

	metrics.SetRunActive(false)
	metrics.ObserveRun(string(outcome))
	if err != nil {
		logger.Error("crawl ended", zap.String("outcome", string(outcome)), zap.Any("counters", counters), zap.Error(err))
		return
	}
	logger.Info("crawl ended", zap.String("outcome", string(outcome)), zap.Any("counters", counters))
}

func (d *Dispatcher) safeRun(ctx context.Context, runID string, logger *zap.Logger) (outcome worker.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("crawl crashed", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			outcome = OutcomeCrashed
			err = fmt.Errorf("crawl panic: %v", r)
		}
	}()
	return d.run(ctx, runID, d, d)
}

func (d *Dispatcher) monitor(runID string, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := d.Status()
			if st.RunID != runID {
				return
			}
			logger.Info("crawl progress",
				zap.String("state", string(st.State)),
				zap.Int("codes", st.Counters.CodesProcessed),
				zap.Int("names", st.Counters.NamesProcessed),
				zap.Int("files", st.Counters.FilesDownloaded),
				zap.Int("errors", st.Counters.Errors),
			)
		}
	}
}
