package source

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TargetFetcher は1ソース分のフェッチを実行するインターフェース。
type TargetFetcher interface {
	Fetch(ctx context.Context, t *Target) error
}

// Scheduler はソースのフェッチを定期実行する。
// セマフォで最大並列数を制御し、バックオフ中・停止中のソースはスキップする。
type Scheduler struct {
	targets        []*Target
	fetcher        TargetFetcher
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合は4を使用する。
func NewScheduler(sources []Source, fetcher TargetFetcher, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	targets := make([]*Target, 0, len(sources))
	for _, src := range sources {
		targets = append(targets, NewTarget(src))
	}
	return &Scheduler{
		targets:        targets,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// Targets は管理中のTargetを返す。RunOnceと並行して読んではならない。
func (s *Scheduler) Targets() []*Target {
	return s.targets
}

// Start はinterval間隔でRunOnceを実行する。起動直後に1回実行する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ソーススケジューラを開始しました",
		slog.Int("sources", len(s.targets)),
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ソーススケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce はフェッチ時刻に達したソースを並列にフェッチし、すべて終わるまで待つ。
// 実行したソース数を返す。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	var due []*Target
	for _, t := range s.targets {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		s.logger.Debug("フェッチ対象のソースはありません")
		return 0
	}

	start := time.Now()
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

loop:
	for _, t := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.fetcher.Fetch(ctx, t); err != nil {
				s.logger.Error("ソースのフェッチに失敗しました",
					slog.String("source", t.Source.Name),
					slog.String("error", err.Error()),
				)
			}
		}(t)
	}
	wg.Wait()

	s.logger.Info("フェッチサイクルが完了しました",
		slog.Int("source_count", len(due)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return len(due)
}
