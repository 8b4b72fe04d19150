package queue

import (
	"context"
	"time"

	"github.com/notch8/bulkrax/internal/models"
)

// DefaultHeartbeatInterval is the default interval between lock refreshes.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat launches a goroutine that refreshes job's lock every
// interval until ctx is cancelled. It returns a channel that receives an
// error if the lock is lost (ErrLockLost) or a refresh fails.
func StartHeartbeat(ctx context.Context, q *Queue, job *models.Job, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Touch(ctx, job); err != nil {
					if ctx.Err() != nil {
						return
					}
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}
