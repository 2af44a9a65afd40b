package metrics

import (
	"context"
	"log/slog"
	"time"
)

// ConnectionCounter reports how many users have each provider connected
type ConnectionCounter interface {
	CountConnected(ctx context.Context) (map[string]int, error)
}

// StartConnectionCollector periodically publishes the connected-user gauge
// until ctx is cancelled.
func StartConnectionCollector(ctx context.Context, db ConnectionCounter, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	collectConnections(ctx, db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Connection collector stopping")
			return
		case <-ticker.C:
			collectConnections(ctx, db, logger)
		}
	}
}

func collectConnections(ctx context.Context, db ConnectionCounter, logger *slog.Logger) {
	counts, err := db.CountConnected(ctx)
	if err != nil {
		logger.Error("Failed to count connected users", "error", err)
		return
	}
	for provider, n := range counts {
		ConnectedUsers.WithLabelValues(provider).Set(float64(n))
	}
}
