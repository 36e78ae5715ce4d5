// Package post は投稿の取り込み・一覧・状態変更を提供する。
package post

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/dedup"
	"github.com/hitoshi/postwatch/internal/metrics"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/normalize"
	"github.com/hitoshi/postwatch/internal/repository"
	"github.com/hitoshi/postwatch/internal/security"
)

// DefaultMaxBatch は1回の取り込みで受け付けるitem数の既定上限。
const DefaultMaxBatch = 500

// ingestTimeout は呼び出し元から切り離した取り込み処理の上限時間。
const ingestTimeout = 30 * time.Second

// IngestService はスクレイプ結果の取り込みを行う。
// 検証 → サニタイズ → 重複除外 → 1件ずつ永続化 → posts:new の配信、の順に処理する。
type IngestService struct {
	repo      repository.PostRepository
	publisher broadcast.Publisher
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	maxBatch  int
}

// NewIngestService はIngestServiceの新しいインスタンスを生成する。
// maxBatchが0以下の場合はDefaultMaxBatchを使う。
func NewIngestService(
	repo repository.PostRepository,
	publisher broadcast.Publisher,
	sanitizer security.TextSanitizer,
	m metrics.MetricsCollector,
	maxBatch int,
) *IngestService {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &IngestService{
		repo:      repo,
		publisher: publisher,
		sanitizer: sanitizer,
		metrics:   m,
		maxBatch:  maxBatch,
	}
}

// Suppressed は永続化されなかった1件の記録。
type Suppressed struct {
	Index  int    `json:"index"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason"`
	Tier   string `json:"tier"`
}

// IngestResult は取り込み1回分の結果。
// 受信した全itemは Inserted / Duplicates / Conflicts / Invalid のいずれかに必ず含まれる。
type IngestResult struct {
	Received   int
	Inserted   []*model.Post
	Duplicates []Suppressed
	Conflicts  []Suppressed
	Invalid    []*model.ValidationError
}

// RejectedCount は永続化されなかったitemの総数を返す。
func (r *IngestResult) RejectedCount() int {
	return len(r.Duplicates) + len(r.Conflicts) + len(r.Invalid)
}

// candidate は検証を通過したitemとバッチ内の元の位置。
type candidate struct {
	index int
	item  model.RawItem
}

// Ingest はバッチを取り込む。
// 既知キーのスナップショットは呼び出し開始時に1回だけ読み込む。
// 並行する別の呼び出しと同じitemが競合した場合は、ストレージの一意制約で
// 後着側がConflictsに入る。
func (s *IngestService) Ingest(ctx context.Context, items []model.RawItem) (*IngestResult, error) {
	return s.IngestBatch(ctx, items, nil)
}

// IngestBatch はIngestと同じだが、受信時点で復号できなかったitemを
// バッチ内の位置と理由で受け取る。該当する位置のitemは検証エラーとして扱い、
// 残りのitemの取り込みは続ける。
//
// 処理は呼び出し元のキャンセルから切り離して最後まで行う。
// 切断した呼び出し元は結果を受け取れないだけで、保存は取り消されない。
func (s *IngestService) IngestBatch(ctx context.Context, items []model.RawItem, malformed map[int]string) (*IngestResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ingestTimeout)
	defer cancel()

	if len(items) == 0 {
		return nil, model.NewEmptyBatchError()
	}
	if len(items) > s.maxBatch {
		return nil, model.NewBatchTooLargeError(len(items), s.maxBatch)
	}

	start := time.Now()
	result := &IngestResult{Received: len(items)}
	s.metrics.RecordItemsReceived(len(items))

	// 1. サニタイズと検証（マークアップだけのitemは空として扱う）
	candidates := make([]candidate, 0, len(items))
	for i, raw := range items {
		if reason, ok := malformed[i]; ok {
			result.Invalid = append(result.Invalid, &model.ValidationError{Index: i, Reason: reason})
			slog.Debug("itemを拒否しました", "index", i, "reason", reason)
			continue
		}
		item := security.SanitizeItem(s.sanitizer, raw)
		if verr := validateItem(i, item); verr != nil {
			result.Invalid = append(result.Invalid, verr)
			slog.Debug("itemを拒否しました", "index", i, "reason", verr.Reason)
			continue
		}
		candidates = append(candidates, candidate{index: i, item: item})
	}
	s.metrics.RecordItemsInvalid(len(result.Invalid))

	if len(candidates) == 0 {
		s.logSummary(result, start)
		return result, nil
	}

	// 2. 既知キーのスナップショット
	keysOf := func(c candidate) normalize.Keys { return normalize.Item(c.item) }
	urlKeys := make([]string, 0, len(candidates))
	contentKeys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		k := keysOf(c)
		urlKeys = append(urlKeys, k.URL)
		contentKeys = append(contentKeys, k.Content)
	}
	known, err := s.repo.KnownKeys(ctx, urlKeys, contentKeys)
	if err != nil {
		slog.Error("既知キーの取得に失敗しました", "error", err, "received", len(items))
		return nil, model.NewStoreUnavailableError()
	}

	// 3. 重複除外
	decisions := dedup.Filter(candidates, keysOf, known)
	for _, d := range decisions.Suppressed() {
		result.Duplicates = append(result.Duplicates, Suppressed{
			Index:  d.Item.index,
			URL:    d.Item.item.URL,
			Reason: d.Match.Reason.String(),
			Tier:   d.Match.Tier.String(),
		})
		s.metrics.RecordDuplicate(d.Match.Reason.String(), d.Match.Tier.String())
		slog.Debug("重複itemを除外しました",
			"index", d.Item.index,
			"reason", d.Match.Reason.String(),
			"tier", d.Match.Tier.String(),
			"key", d.Match.Key,
		)
	}

	// 4. 永続化
	posts := make([]*model.Post, 0, len(decisions.Accepted))
	indexOf := make(map[*model.Post]int, len(decisions.Accepted))
	for _, c := range decisions.Accepted {
		p := toPost(c.item, keysOf(c))
		posts = append(posts, p)
		indexOf[p] = c.index
	}

	inserted, err := s.repo.InsertBatch(ctx, posts)
	if err != nil {
		committed := 0
		if inserted != nil {
			committed = len(inserted.Inserted)
			s.metrics.RecordItemsInserted(committed)
			// 確定済みの投稿は視聴者に届ける。呼び出し元には失敗として返し、再送は重複除外される
			s.publishNew(inserted.Inserted)
		}
		slog.Error("投稿の永続化に失敗しました",
			"error", err,
			"received", len(items),
			"committed_before_failure", committed,
		)
		if errors.Is(err, model.ErrStoreUnavailable) {
			return nil, model.NewStoreUnavailableError()
		}
		return nil, err
	}

	result.Inserted = inserted.Inserted
	for _, rej := range inserted.Rejected {
		result.Conflicts = append(result.Conflicts, Suppressed{
			Index:  indexOf[rej.Post],
			URL:    rej.Post.URL,
			Reason: dedup.MatchedByURL.String(),
			Tier:   "store",
		})
		s.metrics.RecordConflict()
		slog.Debug("ストレージの一意制約で拒否されました", "index", indexOf[rej.Post], "url_key", rej.Post.URLKey)
	}
	s.metrics.RecordItemsInserted(len(result.Inserted))

	// 5. 配信
	s.publishNew(result.Inserted)

	s.logSummary(result, start)
	return result, nil
}

// publishNew は新規投稿があればposts:newを1回だけ配信する。
func (s *IngestService) publishNew(posts []*model.Post) {
	if len(posts) == 0 || s.publisher == nil {
		return
	}
	s.publisher.Publish(broadcast.TopicPosts, broadcast.NewPostsEvent(posts))
}

func (s *IngestService) logSummary(result *IngestResult, start time.Time) {
	elapsed := time.Since(start)
	s.metrics.RecordIngestLatency(elapsed)
	slog.Info("取り込みが完了しました",
		"received", result.Received,
		"inserted", len(result.Inserted),
		"duplicates", len(result.Duplicates),
		"conflicts", len(result.Conflicts),
		"invalid", len(result.Invalid),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// validateItem はサニタイズ済みitemの必須項目と形式を検証する。
func validateItem(index int, item model.RawItem) *model.ValidationError {
	if isBlank(item.URL) && isBlank(item.Title) && isBlank(item.FullContent) && isBlank(item.FullText) {
		return &model.ValidationError{Index: index, Reason: "url、title、fullContent、fullText のいずれかが必要です"}
	}
	if !isBlank(item.URL) {
		u, err := url.Parse(strings.TrimSpace(item.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &model.ValidationError{Index: index, Reason: "urlはhttpまたはhttpsの絶対URLである必要があります"}
		}
	}
	if math.IsNaN(item.Confidence) || item.Confidence < 0 || item.Confidence > 1 {
		return &model.ValidationError{Index: index, Reason: "confidenceは0から1の範囲である必要があります"}
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// toPost は取り込み候補を保存用の投稿に変換する。
// ContentHashには重複判定に使ったコンテンツキーをそのまま保存する。
func toPost(item model.RawItem, keys normalize.Keys) *model.Post {
	content := item.FullContent
	if content == "" {
		content = item.FullText
	}
	return &model.Post{
		URL:         item.URL,
		URLKey:      keys.URL,
		Title:       item.Title,
		FullContent: content,
		ContentHash: keys.Content,
		Type:        model.ParsePostType(item.Type),
		Platform:    item.Platform,
		Confidence:  item.Confidence,
		Price:       item.Price,
		Author:      item.Author,
		Location:    item.Location,
		Category:    item.Category,
		Image:       item.Image,
		Status:      model.PostStatusNew,
	}
}
