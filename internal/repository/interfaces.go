// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/postwatch/internal/dedup"
	"github.com/hitoshi/postwatch/internal/model"
)

// PostRepository は投稿データの永続化インターフェース。
// URLの一意性はストレージ層の制約で最終的に保証する。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// KnownKeys は指定されたURLキー・コンテンツキーのうち永続化済みのものを返す。
	// 取り込み呼び出しの開始時に1回だけ呼ばれ、重複判定のスナップショットになる。
	KnownKeys(ctx context.Context, urlKeys, contentKeys []string) (dedup.KeySet, error)

	// Create は投稿を1件作成する。
	// ID・作成日時・ContentHashが未設定の場合はここで補完する。
	// URLの一意制約違反はmodel.ErrDuplicatePostを、それ以外の失敗は
	// model.ErrStoreUnavailableをラップして返す。
	Create(ctx context.Context, post *model.Post) error

	// InsertBatch は投稿を1件ずつ作成する。バッチ全体を1トランザクションにはしない。
	// 一意制約違反の投稿はRejectedに積んで処理を継続する。
	// それ以外のエラーが発生した時点で処理を中断し、エラーを返す。
	InsertBatch(ctx context.Context, posts []*model.Post) (*InsertResult, error)

	// List は条件に一致する投稿を作成日時の降順で返す。totalはページネーション前の件数。
	List(ctx context.Context, filter model.PostFilter) ([]*model.Post, int, error)

	// UpdateStatus は投稿のステータスを更新し、更新後の投稿を返す。
	// 見つからない場合はmodel.ErrPostNotFoundをラップして返す。
	UpdateStatus(ctx context.Context, id string, status model.PostStatus) (*model.Post, error)

	// Delete は指定IDの投稿を削除する。
	// 見つからない場合はmodel.ErrPostNotFoundをラップして返す。
	Delete(ctx context.Context, id string) error

	// DeleteAll は全投稿を削除し、削除件数を返す。
	DeleteAll(ctx context.Context) (int64, error)

	// Ping はストレージへの疎通を確認する。
	Ping(ctx context.Context) error
}

// InsertResult はInsertBatchの結果。
type InsertResult struct {
	// Inserted は永続化に成功した投稿（入力順）。
	Inserted []*model.Post
	// Rejected はストレージ層で拒否された投稿。
	Rejected []Rejection
}

// Rejection はストレージ層で拒否された1件。
type Rejection struct {
	Post *model.Post
	Err  error
}
