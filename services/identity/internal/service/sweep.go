package service

import (
	"context"
	"errors"
	"time"
)

// SweepRevocations drops revocation entries whose tokens have expired anyway.
func (s *Service) SweepRevocations(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredRevocations(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired revocations purged", "rows", n)
	}
	return n, nil
}

func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepRevocations(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("revocation sweep failed", "error", err)
			}
		}
	}
}
