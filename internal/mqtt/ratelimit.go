package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// commandLimiter caps inbound commands per interval. Commands over the
// limit are dropped until the counter resets.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// run resets the counter every interval until ctx is cancelled.
func (l *commandLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *commandLimiter) reset() {
	count := l.count.Swap(0)
	dropped := l.dropped.Swap(0)
	if dropped > 0 {
		l.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", l.interval.String(),
			"limit", l.limit,
		)
	}
}

func (l *commandLimiter) allow() bool {
	if l.count.Add(1) > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}
