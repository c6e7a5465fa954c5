package jobs

import (
	"context"
	"log"
	"time"
)

// ExpiredShares deletes share links past their expiry
type ExpiredShares interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RunShareExpiry sweeps expired share links every interval until ctx is done
func RunShareExpiry(ctx context.Context, shares ExpiredShares, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	// Run immediately on startup
	sweepExpiredShares(ctx, shares, time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Jobs] Share expiry job started (runs every %s)", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sweepExpiredShares(ctx, shares, now)
		}
	}
}

func sweepExpiredShares(ctx context.Context, shares ExpiredShares, now time.Time) {
	deleted, err := shares.DeleteExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[Jobs] Error deleting expired share links: %v", err)
		}
		return
	}
	if deleted > 0 {
		log.Printf("[Jobs] Deleted %d expired share links", deleted)
	}
}
