package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

// Reaper reclaims expired tokens and old delivery records
type Reaper struct {
	tokens        repository.TokenRepository
	conversations repository.ConversationRepository
	retention     time.Duration
	logger        *logrus.Logger
	now           func() time.Time
}

// Sweep runs one pass
func (r *Reaper) Sweep(ctx context.Context) (expired, evicted int64, err error) {
	now := r.now()
	if expired, err = r.tokens.ExpireStale(ctx, now); err != nil {
		return 0, 0, err
	}
	if r.retention > 0 {
		if evicted, err = r.conversations.DeleteDeliveriesBefore(ctx, now.Add(-r.retention)); err != nil {
			return expired, 0, err
		}
	}
	return expired, evicted, nil
}

// DefaultReapInterval is used when no interval is configured
const DefaultReapInterval = 5 * time.Minute

// Run sweeps every interval until ctx is done
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, evicted, err := r.Sweep(ctx)
			if err != nil {
				r.logger.WithError(err).Warn("Reaper sweep failed")
				continue
			}
			if expired > 0 || evicted > 0 {
				r.logger.WithFields(logrus.Fields{
					"expired_tokens":     expired,
					"evicted_deliveries": evicted,
				}).Info("Reaper sweep")
			}
		}
	}
}
