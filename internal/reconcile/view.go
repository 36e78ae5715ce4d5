package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/model"
)

// View はサーバーのイベントから組み立てるローカルの投稿一覧。
// 新しい投稿が先頭に来る。複数のゴルーチンから安全に使える。
type View struct {
	mu    sync.RWMutex
	posts []model.Post
}

// NewView は空のViewを生成する。
func NewView() *View {
	return &View{}
}

// Reset は一覧取得の結果でビューを置き換える。
// 取得結果そのものに重複があっても1件にまとめる。
// まだ保存されていない（IDのない）ローカルの投稿は、取得結果と重複しない限り残す。
func (v *View) Reset(posts []model.Post) {
	_, view := Merge(nil, posts)

	v.mu.Lock()
	defer v.mu.Unlock()

	var local []model.Post
	for _, p := range v.posts {
		if p.ID == "" {
			local = append(local, p)
		}
	}
	_, view = Merge(view, local)
	v.posts = view
}

// Merge は投稿をビューに取り込み、実際に追加されたものを返す。
func (v *View) Merge(incoming []model.Post) []model.Post {
	v.mu.Lock()
	defer v.mu.Unlock()

	accepted, view := Merge(v.posts, incoming)
	v.posts = view
	return accepted
}

// MergeItems はSCRAPER_DATAやハンドオフで届いたitemを取り込む。
// ソケット経由と同じ重複判定を通す。
func (v *View) MergeItems(items []model.RawItem) []model.Post {
	return v.Merge(FromItems(items))
}

// Apply はサーバーから届いたイベントをビューに反映する。
// 反映によってビューが変わったかどうかを返す。
func (v *View) Apply(event string, data json.RawMessage) (bool, error) {
	switch event {
	case broadcast.EventPostsNew:
		var payload broadcast.NewPostsPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", event, err)
		}
		posts := make([]model.Post, 0, len(payload.Posts))
		for _, p := range payload.Posts {
			if p != nil {
				posts = append(posts, *p)
			}
		}
		return len(v.Merge(posts)) > 0, nil

	case broadcast.EventPostsUpdated:
		var payload broadcast.UpdatedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", event, err)
		}
		if payload.Post == nil {
			return false, nil
		}
		return v.replace(*payload.Post), nil

	case broadcast.EventPostsDeleted:
		var payload broadcast.DeletedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", event, err)
		}
		return v.remove(payload.ID), nil

	case broadcast.EventPostsCleared:
		v.mu.Lock()
		defer v.mu.Unlock()
		changed := len(v.posts) > 0
		v.posts = nil
		return changed, nil

	default:
		// 未知のイベントは無視する
		return false, nil
	}
}

// replace は同じIDの投稿を置き換える。ビューにない投稿の更新は無視する。
func (v *View) replace(post model.Post) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.posts {
		if v.posts[i].ID == post.ID {
			v.posts[i] = post
			return true
		}
	}
	return false
}

func (v *View) remove(id string) bool {
	if id == "" {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.posts {
		if v.posts[i].ID == id {
			v.posts = append(v.posts[:i:i], v.posts[i+1:]...)
			return true
		}
	}
	return false
}

// Posts はビューのコピーを返す。
func (v *View) Posts() []model.Post {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]model.Post, len(v.posts))
	copy(out, v.posts)
	return out
}

// Len はビューの件数を返す。
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.posts)
}
