package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StartJanitor purges expired sessions from store every interval until ctx
// is done.
func StartJanitor(ctx context.Context, store Store, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.PurgeExpired(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("session purge failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("purged", n).Msg("expired sessions purged")
				}
			}
		}
	}()
}
