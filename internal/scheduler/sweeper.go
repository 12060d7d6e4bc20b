package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"ephemeral-bot/internal/crash"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/metrics"
	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
)

// SweepReport summarizes one reconciliation run.
type SweepReport struct {
	RunID          string        `json:"run_id" yaml:"run_id"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Found          int           `json:"found" yaml:"found"`
	Deleted        int           `json:"deleted" yaml:"deleted"`
	Gone           int           `json:"gone" yaml:"gone"`
	AlreadyDeleted int           `json:"already_deleted" yaml:"already_deleted"`
	Failed         int           `json:"failed" yaml:"failed"`
}

// Sweeper finds overdue pending messages and hands them to the executor. It is
// what makes deletion survive the loss of every in-memory timer.
type Sweeper struct {
	messages    MessageStore
	executor    *Executor
	limit       int
	concurrency int
	metrics     *metrics.SchedulerMetrics
	now         func() time.Time

	mu   sync.Mutex
	last SweepReport
}

// RunOnce processes at most one batch of overdue messages, oldest expiry first.
// A gateway failure or panic on one message is counted and the batch continues.
// A store failure, while querying or while claiming, aborts the whole run; the
// next period retries it.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	started := time.Now()
	report := SweepReport{RunID: uuid.NewString(), StartedAt: s.now()}

	due, err := s.messages.FindDue(ctx, report.StartedAt, s.limit)
	if err != nil {
		report.Duration = time.Since(started)
		s.finish(report, err)
		return report, fmt.Errorf("sweep %s: find due messages: %w", report.RunID, err)
	}
	report.Found = len(due)

	var mu sync.Mutex
	p := pool.New().
		WithMaxGoroutines(s.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, m := range due {
		messageID := m.MessageID
		p.Go(func(ctx context.Context) error {
			if ctx.Err() != nil {
				// the run was aborted, leave the rest to the next sweep
				return nil
			}
			var result Result
			err := crash.Run("sweep-"+messageID, func() error {
				var err error
				result, err = s.executor.Execute(ctx, messageID, models.ReasonExpired)
				return err
			})
			if errors.Is(err, storage.ErrStoreUnavailable) {
				return fmt.Errorf("message %s: %w", messageID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				logger.Warningf("Sweep %s: message %s: %v", report.RunID, messageID, err)
				return nil
			}
			switch result {
			case ResultDeleted:
				report.Deleted++
			case ResultGone:
				report.Gone++
			case ResultAlreadyDeleted, ResultNotTracked:
				report.AlreadyDeleted++
			}
			return nil
		})
	}
	err = p.Wait()

	report.Duration = time.Since(started)
	s.finish(report, err)
	if err != nil {
		return report, fmt.Errorf("sweep %s: %w", report.RunID, err)
	}
	return report, nil
}

func (s *Sweeper) finish(report SweepReport, err error) {
	s.metrics.RecordSweep(report.Duration, report.Found, err)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if err != nil {
		logger.Warningf("Sweep %s aborted after %v: %v", report.RunID, report.Duration, err)
		return
	}
	if report.Found > 0 {
		logger.Infof("Sweep %s: found=%d deleted=%d gone=%d already=%d failed=%d in %v",
			report.RunID, report.Found, report.Deleted, report.Gone, report.AlreadyDeleted, report.Failed, report.Duration)
	} else {
		logger.Debugf("Sweep %s: nothing overdue", report.RunID)
	}
}

// Last returns the report of the most recent run.
func (s *Sweeper) Last() SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
