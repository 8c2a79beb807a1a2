package repository

import (
	"context"
	"time"
)

// MemoryQueueSignal is the in-process wakeup used without Redis. Pending
// notifications coalesce into one.
type MemoryQueueSignal struct {
	ch chan struct{}
}

func NewMemoryQueueSignal() *MemoryQueueSignal {
	return &MemoryQueueSignal{ch: make(chan struct{}, 1)}
}

func (s *MemoryQueueSignal) Notify(ctx context.Context, jobID int64) error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func (s *MemoryQueueSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		select {
		case <-s.ch:
			return true, nil
		default:
			return false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
