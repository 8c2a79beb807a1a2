package worker

import (
	"context"
	"fmt"

	"agendasync/internal/metrics"
	"agendasync/internal/models"
)

type queueCounter interface {
	CountSyncJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// QueueCounts is a snapshot of the queue grouped by status.
type QueueCounts struct {
	Pending    int                      `json:"pending"`
	Processing int                      `json:"processing"`
	ByStatus   map[models.JobStatus]int `json:"by_status"`
}

// StatusProjection publishes queue gauges from the job store.
type StatusProjection struct {
	jobs queueCounter
}

func NewStatusProjection(jobs queueCounter) *StatusProjection {
	return &StatusProjection{jobs: jobs}
}

// Refresh counts jobs by status and updates the pending/processing gauges.
func (p *StatusProjection) Refresh(ctx context.Context) (QueueCounts, error) {
	counts, err := p.jobs.CountSyncJobsByStatus(ctx)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("refresh queue status: %w", err)
	}

	snapshot := QueueCounts{
		Pending:    counts[models.JobStatusPending],
		Processing: counts[models.JobStatusProcessing],
		ByStatus:   counts,
	}
	metrics.SetQueueGauges(snapshot.Pending, snapshot.Processing)
	return snapshot, nil
}
