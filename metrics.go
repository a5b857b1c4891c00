package main

import (
	"context"
	"log/slog"
	"time"

	"throttletalk/server/internal/relay"
)

// metricsInterval is how often relay counters are logged.
const metricsInterval = 30 * time.Second

// RunMetrics logs relay counter deltas every interval until ctx is canceled.
// Quiet intervals are skipped.
func RunMetrics(ctx context.Context, srv *relay.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last relay.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := srv.Stats()
			received := cur.Received - last.Received
			if received == 0 && cur.Malformed == last.Malformed {
				last = cur
				continue
			}
			slog.Info("relay stats",
				"received", received,
				"forwarded", cur.Forwarded-last.Forwarded,
				"malformed", cur.Malformed-last.Malformed,
				"kb_per_s", float64(cur.Bytes-last.Bytes)/interval.Seconds()/1024)
			last = cur
		}
	}
}
