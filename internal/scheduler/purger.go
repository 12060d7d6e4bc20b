package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/metrics"
)

// PurgeReport summarizes one purge run.
type PurgeReport struct {
	Cutoff  time.Time `json:"cutoff" yaml:"cutoff"`
	Removed int64     `json:"removed" yaml:"removed"`
	RanAt   time.Time `json:"ran_at" yaml:"ran_at"`
}

// Purger removes deleted records once they are older than the retention window.
type Purger struct {
	messages  MessageStore
	retention time.Duration
	metrics   *metrics.SchedulerMetrics
	now       func() time.Time

	mu   sync.Mutex
	last PurgeReport
}

// RunOnce hard-deletes records whose deletion happened before now minus retention.
func (p *Purger) RunOnce(ctx context.Context) (PurgeReport, error) {
	now := p.now()
	report := PurgeReport{Cutoff: now.Add(-p.retention), RanAt: now}

	removed, err := p.messages.PurgeDeletedBefore(ctx, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("purge before %s: %w", report.Cutoff.Format(time.RFC3339), err)
	}
	report.Removed = removed

	p.metrics.RecordPurge(removed)
	p.mu.Lock()
	p.last = report
	p.mu.Unlock()

	logger.Infof("Purged %d deleted message records older than %s", removed, report.Cutoff.Format(time.RFC3339))
	return report, nil
}

// Last returns the report of the most recent successful run.
func (p *Purger) Last() PurgeReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
