package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"agendasync/internal/domain"

	"github.com/rs/zerolog"
)

const failoverRecheck = time.Minute

// FailoverQueueSignal uses Redis while it answers and falls back to the
// in-process signal otherwise. The primary is retried after a minute.
type FailoverQueueSignal struct {
	primary   domain.QueueSignal
	fallback  domain.QueueSignal
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverQueueSignal(primary, fallback domain.QueueSignal, logger *zerolog.Logger) *FailoverQueueSignal {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverQueueSignal{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *FailoverQueueSignal) usePrimary() bool {
	if !s.isDown.Load() {
		return true
	}
	return s.now().Sub(time.Unix(0, s.lastCheck.Load())) > failoverRecheck
}

func (s *FailoverQueueSignal) markDown(err error) {
	if !s.isDown.Swap(true) {
		s.logger.Error().Err(err).Msg("Primary queue signal failed, falling back to memory")
	}
	s.lastCheck.Store(s.now().UnixNano())
}

func (s *FailoverQueueSignal) markUp() {
	if s.isDown.Swap(false) {
		s.logger.Info().Msg("Primary queue signal recovered")
	}
}

func (s *FailoverQueueSignal) Notify(ctx context.Context, jobID int64) error {
	// Local waiters in this process always get the hint
	_ = s.fallback.Notify(ctx, jobID)

	if !s.usePrimary() {
		return nil
	}
	if err := s.primary.Notify(ctx, jobID); err != nil {
		s.markDown(err)
		return nil
	}
	s.markUp()
	return nil
}

func (s *FailoverQueueSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if woke, _ := s.fallback.Wait(ctx, 0); woke {
		return true, nil
	}
	if !s.usePrimary() {
		return s.fallback.Wait(ctx, timeout)
	}

	woke, err := s.primary.Wait(ctx, timeout)
	if err == nil {
		s.markUp()
		return woke, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	s.markDown(err)
	return s.fallback.Wait(ctx, timeout)
}
