package indexer

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/resilience"
)

// FlushEvent describes a newly published main segment.
type FlushEvent struct {
	Generation uint64    `json:"generation"`
	LastID     uint64    `json:"last_id"`
	MainDocs   uint64    `json:"main_docs"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// FlushNotifier is told about every main the manager adopts. Errors are
// logged and otherwise ignored.
type FlushNotifier interface {
	IndexFlushed(ctx context.Context, ev FlushEvent) error
}

// StartFlushLoop flushes every cfg.FlushInterval while there is buffered or
// pending work, retrying failed attempts with backoff. When ctx ends it runs
// one final flush. The returned channel closes once the loop has exited.
//
// Flush failures are reported here, to the operator, and never to the
// callers whose appends were buffered.
func (m *Manager) StartFlushLoop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := m.cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  m.cfg.FlushRetryAttempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     interval,
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("flush loop stopping, performing final flush")
				if err := m.Flush(context.Background()); err != nil && !errors.Is(err, apperrors.ErrIndexClosed) {
					m.logger.Error("final flush failed", "error", err)
				}
				return
			case <-ticker.C:
				if !m.NeedsFlush() {
					continue
				}
				err := resilience.Retry(ctx, "index-flush", retryCfg, func() error {
					err := m.Flush(ctx)
					if errors.Is(err, apperrors.ErrIndexClosed) {
						return resilience.Permanent(err)
					}
					return err
				})
				if err != nil {
					st := m.Stats()
					m.logger.Error("periodic flush failed",
						"error", err,
						"buffered_docs", st.BufferedDocs,
						"pending_segments", st.Pending,
					)
				}
			}
		}
	}()
	return done
}
