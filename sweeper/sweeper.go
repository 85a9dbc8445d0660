// Package sweeper removes expired records. Expiry-on-read already hides
// stale records from clients; the sweep reclaims the ones nobody reads.
package sweeper

import (
	"context"
	"time"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/keyspace"
	"github.com/ephemera-project/ephemera/pkg/storage"
)

// DefaultInterval between sweep passes.
const DefaultInterval = 5 * time.Second

// Sweeper periodically lists every namespace and deletes dead records.
// It treats the KV as any other client.
type Sweeper struct {
	kv       storage.KV
	log      logger.Logger
	interval time.Duration

	now func() time.Time
}

// New creates a sweeper. A zero interval selects the default.
func New(kv storage.KV, log logger.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{kv: kv, log: log, interval: interval, now: time.Now}
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn("sweep pass failed", logger.Error(err))
			}
		}
	}
}

// Sweep runs one pass over every namespace and returns the number of
// records removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	var removed int

	for _, prefix := range keyspace.Prefixes() {
		n, err := s.sweepPrefix(ctx, prefix)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if removed > 0 {
		s.log.Debug("sweep pass", logger.Int("removed", removed))
	}
	return removed, nil
}

func (s *Sweeper) sweepPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.kv.List(ctx, prefix+"/")
	if err != nil {
		return 0, err
	}

	now := s.now()
	var removed int
	for _, key := range keys {
		rec, err := s.kv.Get(ctx, key)
		if err != nil {
			return removed, err
		}
		if rec == nil || storage.Alive(rec, now) {
			continue
		}
		deleted, err := s.kv.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
			metrics.RecordsSwept.WithLabelValues(prefix).Inc()
		}
	}
	return removed, nil
}
