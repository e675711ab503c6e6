package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot is one persisted row: the cumulative counters for a key within
// an hour bucket.
type Snapshot struct {
	HourBucket   time.Time
	Kind         string // "agent" | "tool" | "provider"
	Key          string
	Requests     int64
	Succeeded    int64
	Failed       int64
	Tokens       int64
	CostUSD      float64
	LatencySumMs int64
	LatencyMinMs int64
	LatencyMaxMs int64
}

// SnapshotStore persists metric snapshots. The SQLite store implements it;
// persistence is additive and the in-memory collector stays the source of
// truth for reads.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s *Snapshot) error
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PersisterConfig configures the background persister.
type PersisterConfig struct {
	FlushInterval   time.Duration // default 1h
	RetentionPeriod time.Duration // default 30d
	CleanupInterval time.Duration // default 24h
}

// Persister periodically writes collector snapshots to a store and prunes
// rows past the retention period.
type Persister struct {
	store     SnapshotStore
	collector *Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushInterval   time.Duration
	retentionPeriod time.Duration
	cleanupInterval time.Duration
}

// NewPersister creates a persister over the collector.
func NewPersister(store SnapshotStore, collector *Collector, cfg PersisterConfig) *Persister {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Hour
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 30 * 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:           store,
		collector:       collector,
		ctx:             ctx,
		cancel:          cancel,
		flushInterval:   cfg.FlushInterval,
		retentionPeriod: cfg.RetentionPeriod,
		cleanupInterval: cfg.CleanupInterval,
	}
}

// Start launches the flush and cleanup loops.
func (p *Persister) Start() {
	p.wg.Add(2)
	go p.flushLoop()
	go p.cleanupLoop()
}

// Close flushes once more, then stops both loops.
func (p *Persister) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		slog.Warn("final metrics flush failed", "error", err)
	}

	p.cancel()
	p.wg.Wait()
}

// Flush writes the current snapshot of every table to the store. Tables are
// flushed concurrently; the first store error wins but does not stop the
// other tables.
func (p *Persister) Flush(ctx context.Context) error {
	snapshot := p.collector.Snapshot()
	hour := time.Now().Truncate(time.Hour)

	g, ctx := errgroup.WithContext(ctx)
	for kind, table := range map[string]map[string]KeyStats{
		"agent":    snapshot.Agents,
		"tool":     snapshot.Tools,
		"provider": snapshot.Providers,
	} {
		kind, table := kind, table
		g.Go(func() error {
			for key, stats := range table {
				row := toSnapshot(hour, kind, key, stats)
				if err := p.store.UpsertSnapshot(ctx, row); err != nil {
					slog.Error("failed to persist metrics snapshot",
						"kind", kind,
						"key", key,
						"error", err)
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Persister) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(p.ctx); err != nil {
				slog.Warn("periodic metrics flush failed", "error", err)
			}
		}
	}
}

func (p *Persister) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.retentionPeriod)
			removed, err := p.store.DeleteSnapshotsBefore(p.ctx, cutoff)
			if err != nil {
				slog.Warn("metrics retention cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("metrics retention cleanup", "removed", removed)
			}
		}
	}
}

func toSnapshot(hour time.Time, kind, key string, stats KeyStats) *Snapshot {
	return &Snapshot{
		HourBucket:   hour,
		Kind:         kind,
		Key:          key,
		Requests:     stats.Requests,
		Succeeded:    stats.Succeeded,
		Failed:       stats.Failed,
		Tokens:       stats.Tokens,
		CostUSD:      stats.CostUSD,
		LatencySumMs: stats.LatencySum.Milliseconds(),
		LatencyMinMs: stats.LatencyMin.Milliseconds(),
		LatencyMaxMs: stats.LatencyMax.Milliseconds(),
	}
}
