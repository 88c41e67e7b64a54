package tokens

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically re-checks a platform's
// stored credential and refreshes it when its remaining lifetime falls within
// window. Jitter is applied to the schedule so multiple refreshers never wake
// in lockstep. Refresh failures are logged and retried on the next wake; they
// never escalate.
func StartRefresher(ctx context.Context, store *Store, mgr *Manager, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // math/rand is fine for scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // math/rand is fine for scheduling jitter
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			sleep := interval + jitter
			if sleep < interval/2 {
				sleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}

			rec, err := store.Load(ctx, provider)
			if err != nil || rec == nil || !CanRefresh(rec) {
				continue
			}
			if time.Until(ExpiresAt(rec)) > window {
				continue
			}

			rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			fresh, err := store.Refresh(rctx, rec, fn)
			cancel()
			if err != nil {
				slog.Warn("token refresh persist failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if fresh == nil {
				slog.Warn("token refresh failed; integration needs re-auth", slog.String("provider", provider))
				continue
			}
			if mgr != nil {
				mgr.UpdateState(provider, fresh)
			}
			slog.Info("token refreshed", slog.String("provider", provider))
		}
	}()
}
