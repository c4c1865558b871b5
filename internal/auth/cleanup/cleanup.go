package cleanup

import (
	"context"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

// ExpiredDeleter is the slice of the token store the cleaner needs.
type ExpiredDeleter interface {
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner purges refresh-token records that expired more than retention ago.
// Sessions are never touched.
type Cleaner struct {
	store     ExpiredDeleter
	clock     clock.Clock
	interval  time.Duration
	retention time.Duration
	log       *logger.Logger
}

func NewCleaner(store ExpiredDeleter, interval, retention time.Duration, clk clock.Clock, log *logger.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Cleaner{
		store:     store,
		clock:     clk,
		interval:  interval,
		retention: retention,
		log:       log,
	}
}

// Start runs RunOnce every interval until ctx is done.
func (c *Cleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.RunOnce(ctx)
		}
	}
}

func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now().Add(-c.retention)
	deleted, err := c.store.DeleteExpiredRefreshTokens(ctx, cutoff)
	if err != nil {
		c.log.Errorf("refresh token cleanup failed: %v", err)
		return 0, err
	}
	if deleted > 0 {
		metrics.RefreshTokensCleanupDeleted.Add(float64(deleted))
		c.log.Infof("refresh token cleanup: deleted %d expired tokens", deleted)
	}
	return deleted, nil
}
