package integration

import (
	"context"
	"log"
	"time"
)

func heartbeat(ctx context.Context, logger *log.Logger, instanceName string, interval time.Duration, started time.Time) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logger.Printf("Heartbeat: alive (%s, up %s)", instanceName, time.Since(started).Round(time.Second))
		}
	}
}
