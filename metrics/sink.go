package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink stores snapshots for the monitoring side. The container only writes to it.
type Sink interface {
	Write(ctx context.Context, at time.Time, snapshots []Snapshot) error
}

// LogSink writes each snapshot as one structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Write(_ context.Context, at time.Time, snapshots []Snapshot) error {
	for _, sn := range snapshots {
		s.Logger.Info("platform process data",
			zap.Time("at", at),
			zap.String("key", sn.Key),
			zap.Int64("succeeded", sn.Succeeded),
			zap.Int64("failed", sn.Failed),
			zap.Int64("request_flow", sn.RequestFlow),
			zap.Duration("min_time", sn.MinTime),
			zap.Duration("max_time", sn.MaxTime),
			zap.Duration("total_time", sn.TotalTime),
		)
	}
	return nil
}

// Reporter periodically pushes registry snapshots to a Sink.
type Reporter struct {
	registry *Registry
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
}

func NewReporter(registry *Registry, sink Sink, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{registry: registry, sink: sink, interval: interval, logger: logger}
}

// Run reports every interval until ctx is done, then flushes once more.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return nil
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes the current snapshot. Sink errors are logged, not returned.
func (r *Reporter) Flush(ctx context.Context) {
	snapshots := r.registry.Snapshot()
	if len(snapshots) == 0 {
		return
	}
	if err := r.sink.Write(ctx, time.Now(), snapshots); err != nil {
		r.logger.Error("metrics sink write failed", zap.Error(err), zap.Int("records", len(snapshots)))
	}
}
