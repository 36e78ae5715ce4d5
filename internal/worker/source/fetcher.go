package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/postwatch/internal/metrics"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/post"
)

const userAgent = "Postwatch/1.0 (+marketplace watcher)"

// Ingester は取得したitemを取り込むインターフェース。post.IngestServiceが満たす。
type Ingester interface {
	Ingest(ctx context.Context, items []model.RawItem) (*post.IngestResult, error)
}

// FetcherConfig はFetcherの設定。
type FetcherConfig struct {
	Timeout     time.Duration
	MaxBodySize int64
	// Interval は成功・未変更時の次回フェッチまでの間隔。
	Interval time.Duration
	// BatchSize は1回のIngest呼び出しに渡すitem数の上限。
	BatchSize int
}

// Fetcher は1ソースのフェッチ、パース、取り込みを行う。
// ETag/Last-Modifiedによる条件付きGET、SSRF防止クライアント、gofeedによるパースを使う。
type Fetcher struct {
	guard    Guard
	detector *Detector
	ingester Ingester
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      FetcherConfig
	now      func() time.Time
}

// NewFetcher はFetcherを生成する。
func NewFetcher(guard Guard, ingester Ingester, m metrics.MetricsCollector, logger *slog.Logger, cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 5 * 1024 * 1024
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = post.DefaultMaxBatch
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		guard:    guard,
		detector: NewDetector(guard, cfg.Timeout, cfg.MaxBodySize),
		ingester: ingester,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Fetch はソースをフェッチし、結果に応じてTargetの状態を更新する。
// 返すエラーはスケジューラでのログ用で、状態の更新は済んでいる。
func (f *Fetcher) Fetch(ctx context.Context, t *Target) error {
	start := f.now()
	name := t.Source.Name

	if t.FeedURL == "" {
		feedURL, err := f.detector.Detect(ctx, t.Source.URL)
		if err != nil {
			f.metrics.RecordFetchFailure(name, "discover")
			ApplyBackoff(t, fmt.Sprintf("feed discovery failed: %s", err), f.now())
			return fmt.Errorf("feed discovery failed: %w", err)
		}
		f.logger.Info("フィードを検出しました",
			slog.String("source", name),
			slog.String("page_url", t.Source.URL),
			slog.String("feed_url", feedURL),
		)
		t.FeedURL = feedURL
	}

	if err := f.guard.ValidateURL(t.FeedURL); err != nil {
		f.metrics.RecordFetchFailure(name, "ssrf")
		ApplyStop(t, fmt.Sprintf("blocked feed url: %s", err))
		return fmt.Errorf("SSRF validation failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.FeedURL, nil)
	if err != nil {
		ApplyStop(t, err.Error())
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if t.ETag != "" {
		req.Header.Set("If-None-Match", t.ETag)
	}
	if t.LastModified != "" {
		req.Header.Set("If-Modified-Since", t.LastModified)
	}

	resp, err := f.guard.NewSafeClient(f.cfg.Timeout).Do(req)
	if err != nil {
		f.metrics.RecordFetchFailure(name, "request")
		ApplyBackoff(t, fmt.Sprintf("request failed: %s", err), f.now())
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)
	f.metrics.RecordFetchLatency(f.now().Sub(start))

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		f.logger.Debug("ソースは未変更です（304）", slog.String("source", name))
		f.metrics.RecordFetchSuccess(name)
		ApplySuccess(t, f.cfg.Interval, f.now())
		return nil

	case FetchResultStop:
		f.metrics.RecordFetchFailure(name, "stopped")
		reason := fmt.Sprintf("stopped by HTTP status %d", resp.StatusCode)
		f.logger.Warn("ソースのフェッチを停止します",
			slog.String("source", name),
			slog.String("feed_url", t.FeedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		ApplyStop(t, reason)
		return nil

	case FetchResultBackoff, FetchResultUnknown:
		f.metrics.RecordFetchFailure(name, "http_status")
		ApplyBackoff(t, fmt.Sprintf("HTTP status %d", resp.StatusCode), f.now())
		f.logger.Warn("ソースのフェッチにバックオフを適用します",
			slog.String("source", name),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", t.ConsecutiveErrors),
		)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodySize))
	if err != nil {
		f.metrics.RecordFetchFailure(name, "read")
		ApplyBackoff(t, fmt.Sprintf("read failed: %s", err), f.now())
		return fmt.Errorf("failed to read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.metrics.RecordParseFailure(name)
		ApplyParseFailure(t, err.Error(), f.cfg.Interval, f.now())
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("source", name),
			slog.String("feed_url", t.FeedURL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	items := ConvertItems(feed.Items, t.Source)
	inserted, duplicates := 0, 0
	for i := 0; i < len(items); i += f.cfg.BatchSize {
		end := min(i+f.cfg.BatchSize, len(items))
		res, err := f.ingester.Ingest(ctx, items[i:end])
		if err != nil {
			// 取り込み済みのitemは次回重複として除外されるため、キャッシュ検証子は更新しない
			f.metrics.RecordFetchFailure(name, "ingest")
			ApplyBackoff(t, fmt.Sprintf("ingest failed: %s", err), f.now())
			return fmt.Errorf("ingest failed: %w", err)
		}
		inserted += len(res.Inserted)
		duplicates += len(res.Duplicates) + len(res.Conflicts)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		t.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		t.LastModified = lm
	}
	f.metrics.RecordFetchSuccess(name)
	ApplySuccess(t, f.cfg.Interval, f.now())

	f.logger.Info("ソースのフェッチが完了しました",
		slog.String("source", name),
		slog.String("feed_url", t.FeedURL),
		slog.Int("items_total", len(items)),
		slog.Int("items_inserted", inserted),
		slog.Int("items_duplicate", duplicates),
		slog.Float64("duration_ms", float64(f.now().Sub(start).Milliseconds())),
	)
	return nil
}

// ConvertItems はgofeedの記事を取り込み候補に変換する。
// プラットフォーム・カテゴリ・種別はソース定義から補う。
func ConvertItems(items []*gofeed.Item, src Source) []model.RawItem {
	out := make([]model.RawItem, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}

		raw := model.RawItem{
			URL:         it.Link,
			Title:       it.Title,
			FullContent: it.Content,
			Type:        src.Type,
			Platform:    src.Platform,
			Category:    src.Category,
		}
		if raw.FullContent == "" {
			raw.FullContent = it.Description
		}
		if raw.URL == "" && (strings.HasPrefix(it.GUID, "http://") || strings.HasPrefix(it.GUID, "https://")) {
			raw.URL = it.GUID
		}
		if it.Author != nil {
			raw.Author = it.Author.Name
		}
		if raw.Author == "" && len(it.Authors) > 0 && it.Authors[0] != nil {
			raw.Author = it.Authors[0].Name
		}
		if raw.Category == "" && len(it.Categories) > 0 {
			raw.Category = it.Categories[0]
		}
		if it.Image != nil {
			raw.Image = it.Image.URL
		}
		out = append(out, raw)
	}
	return out
}
