package post

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/repository"
)

// 一覧取得のページネーション設定
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Service は投稿の一覧・取得・状態変更・削除を提供する。
// 変更が確定した後にだけイベントを配信する。
type Service struct {
	repo      repository.PostRepository
	publisher broadcast.Publisher
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.PostRepository, publisher broadcast.Publisher) *Service {
	return &Service{repo: repo, publisher: publisher}
}

// ListResult はListの戻り値。
type ListResult struct {
	Posts []*model.Post
	Total int
	Limit int
	Skip  int
}

// List は条件に一致する投稿を作成日時の降順で返す。
// limitが0の場合は既定値、上限を超える場合は上限に丸める。
func (s *Service) List(ctx context.Context, filter model.PostFilter) (*ListResult, error) {
	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	posts, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &ListResult{
		Posts: posts,
		Total: total,
		Limit: filter.Limit,
		Skip:  filter.Skip,
	}, nil
}

// normalizeFilter は絞り込み条件を検証し、既定値を補完する。
func normalizeFilter(filter model.PostFilter) (model.PostFilter, error) {
	if filter.Type != "" {
		pt := model.ParsePostType(string(filter.Type))
		if pt == model.PostTypeUnknown && !strings.EqualFold(string(filter.Type), string(model.PostTypeUnknown)) {
			return filter, model.NewInvalidFilterError("type=" + string(filter.Type))
		}
		filter.Type = pt
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, model.NewInvalidFilterError("status=" + string(filter.Status))
	}
	if filter.Limit < 0 || filter.Skip < 0 {
		return filter, model.NewInvalidFilterError("limitとskipは0以上である必要があります")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	filter.Platform = strings.TrimSpace(filter.Platform)
	filter.Keyword = strings.TrimSpace(filter.Keyword)
	return filter, nil
}

// Get は指定IDの投稿を返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Post, error) {
	post, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(id)
	}
	return post, nil
}

// UpdateStatus は投稿のステータスを変更し、posts:updated を配信する。
// ContentHashは再計算しない。
func (s *Service) UpdateStatus(ctx context.Context, id string, status string) (*model.Post, error) {
	st := model.PostStatus(strings.ToLower(strings.TrimSpace(status)))
	if !st.Valid() {
		return nil, model.NewInvalidStatusError(status)
	}

	post, err := s.repo.UpdateStatus(ctx, id, st)
	if err != nil {
		if errors.Is(err, model.ErrPostNotFound) {
			return nil, model.NewPostNotFoundError(id)
		}
		return nil, err
	}

	s.publish(broadcast.UpdatedEvent(post))
	slog.Info("投稿のステータスを更新しました", "post_id", id, "status", string(st))
	return post, nil
}

// Delete は投稿を削除し、posts:deleted を配信する。
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrPostNotFound) {
			return model.NewPostNotFoundError(id)
		}
		return err
	}

	s.publish(broadcast.DeletedEvent(id))
	slog.Info("投稿を削除しました", "post_id", id)
	return nil
}

// Clear は全投稿を削除し、posts:cleared を配信する。削除件数を返す。
func (s *Service) Clear(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}

	s.publish(broadcast.ClearedEvent())
	slog.Info("全投稿を削除しました", "deleted", n)
	return n, nil
}

// Ping はストレージへの疎通を確認する。
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) publish(ev broadcast.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(broadcast.TopicPosts, ev)
}
