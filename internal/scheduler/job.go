package scheduler

import (
	"context"
	"sync"
	"time"

	"ephemeral-bot/internal/crash"
	"ephemeral-bot/internal/logger"
)

// Job runs a function on a fixed interval. Runs never overlap: a tick that
// arrives while a run is in flight is dropped. Errors and panics are logged at
// the job boundary and never stop the loop.
type Job struct {
	name       string
	interval   time.Duration
	runOnStart bool
	run        func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
}

// NewJob creates a stopped job.
func NewJob(name string, interval time.Duration, runOnStart bool, run func(ctx context.Context) error) *Job {
	return &Job{
		name:       name,
		interval:   interval,
		runOnStart: runOnStart,
		run:        run,
	}
}

// Name returns the job name used in logs.
func (j *Job) Name() string {
	return j.name
}

// Start begins the background loop. Calling Start on a running job does nothing.
func (j *Job) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.cancel = cancel
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	logger.Infof("Starting %s job with interval %v", j.name, j.interval)
	crash.SafeGoroutine(j.name, func() {
		j.loop(ctx, stopCh, doneCh)
	})
}

// Stop stops accepting new runs and waits for the in-flight run. When ctx
// expires first the in-flight run is cancelled and ctx's error is returned.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	close(j.stopCh)
	doneCh, cancel := j.doneCh, j.cancel
	j.mu.Unlock()

	var err error
	select {
	case <-doneCh:
	case <-ctx.Done():
		logger.Warningf("Timeout waiting for %s job, cancelling in-flight run", j.name)
		cancel()
		<-doneCh
		err = ctx.Err()
	}
	cancel()

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
	return err
}

// RunOnce performs a single run synchronously, converting a panic into an error.
func (j *Job) RunOnce(ctx context.Context) error {
	return crash.Run(j.name, func() error {
		return j.run(ctx)
	})
}

func (j *Job) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if j.runOnStart {
		j.tick(ctx)
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Job) tick(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		logger.Errorf("%s job run failed: %v", j.name, err)
	}
}
