package reconcile

import (
	"context"
	"log/slog"
	"time"

	"ShadowStream/internal/activity"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/pkg/logger"
)

// ScannerConfig 控制扫描节奏。
type ScannerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Scanner 周期性地找出长时间停留在 pending 的活动并投递到队列。
type Scanner struct {
	store    activity.Store
	producer Producer
	cfg      ScannerConfig
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewScanner 构造扫描器。
func NewScanner(store activity.Store, producer Producer, cfg ScannerConfig, m *metrics.Metrics) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Scanner{
		store:    store,
		producer: producer,
		cfg:      cfg,
		metrics:  m,
		log:      logger.Named("reconcile.scanner"),
		now:      time.Now,
	}
}

// Run 立即扫描一次，之后按间隔扫描，直到 ctx 结束。
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reconcile scan failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce 投递一批过期的 pending 记录，最旧的在前，返回投递数量。
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "对账扫描器未初始化")
	}
	rows, err := s.store.List(ctx, activity.BuildListOptions(
		activity.WithStatuses(activity.StatusPending),
		activity.WithCreatedUntil(s.now().Add(-s.cfg.StaleAfter)),
		activity.WithSortOrder(activity.SortOldestFirst),
		activity.WithLimit(s.cfg.BatchSize),
	))
	if err != nil {
		return 0, err
	}
	published := 0
	for _, row := range rows {
		if err := s.producer.Publish(ctx, row.ID); err != nil {
			s.metrics.SetReconcilePublished(published)
			return published, err
		}
		published++
	}
	s.metrics.SetReconcilePublished(published)
	if published > 0 {
		s.log.Info("stale settlements queued", slog.Int("count", published))
	}
	return published, nil
}
