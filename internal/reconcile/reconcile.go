// Package reconcile はクライアント側のローカルビューに対する重複排除を提供する。
//
// サーバーの取り込みとは独立に、ビューに既にある投稿とURLキーまたは
// コンテンツキーが一致するものを捨てる。再接続後の再購読や、一覧取得と
// プッシュイベントの競合で同じ投稿が複数回届いても、ビューには1件しか残らない。
package reconcile

import (
	"github.com/hitoshi/postwatch/internal/dedup"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/normalize"
	"github.com/hitoshi/postwatch/internal/security"
)

// Merge はincomingのうちexistingと重複しないものを受理し、新しいビューを返す。
// 受理した投稿は到着順のままビューの先頭に追加する。existingは変更しない。
// 重複は捨てるだけでエラーにはしない。
//
// IDのある投稿がビュー内のIDのないローカル投稿とキーで一致した場合は、
// サーバーで保存された同じ投稿としてその位置で置き換え、acceptedに含める。
func Merge(existing, incoming []model.Post) (accepted, view []model.Post) {
	current := make([]model.Post, len(existing))
	copy(current, existing)

	ids := make(map[string]bool, len(current))
	local := newLocalIndex()
	for i, p := range current {
		if p.ID != "" {
			ids[p.ID] = true
			continue
		}
		local.add(i, normalize.Post(p))
	}

	accepted = make([]model.Post, 0, len(incoming))
	rest := make([]model.Post, 0, len(incoming))
	for _, p := range incoming {
		if p.ID != "" && !ids[p.ID] {
			if i, ok := local.take(normalize.Post(p), current); ok {
				current[i] = p
				ids[p.ID] = true
				accepted = append(accepted, p)
				continue
			}
		}
		rest = append(rest, p)
	}

	known := dedup.NewKeySet()
	for _, p := range current {
		known.Add(normalize.Post(p))
	}
	result := dedup.Filter(rest, normalize.Post, known)

	added := make([]model.Post, 0, len(result.Accepted))
	for _, p := range result.Accepted {
		// キーが変わっていても同じIDは同じ投稿
		if p.ID != "" {
			if ids[p.ID] {
				continue
			}
			ids[p.ID] = true
		}
		added = append(added, p)
	}
	accepted = append(accepted, added...)

	view = make([]model.Post, 0, len(added)+len(current))
	view = append(view, added...)
	view = append(view, current...)
	return accepted, view
}

// localIndex はIDのないローカル投稿のキーからビュー内の位置を引く。
type localIndex struct {
	urls     map[string]int
	contents map[string]int
}

func newLocalIndex() *localIndex {
	return &localIndex{urls: make(map[string]int), contents: make(map[string]int)}
}

func (l *localIndex) add(i int, keys normalize.Keys) {
	if keys.HasURL() {
		if _, ok := l.urls[keys.URL]; !ok {
			l.urls[keys.URL] = i
		}
	}
	if keys.HasContent() {
		if _, ok := l.contents[keys.Content]; !ok {
			l.contents[keys.Content] = i
		}
	}
}

// take はURLキー、コンテンツキーの順に一致するローカル投稿を探し、
// 見つかった投稿のキーを索引から外して位置を返す。
func (l *localIndex) take(keys normalize.Keys, view []model.Post) (int, bool) {
	i, ok := -1, false
	if keys.HasURL() {
		i, ok = l.urls[keys.URL]
	}
	if !ok && keys.HasContent() {
		i, ok = l.contents[keys.Content]
	}
	if !ok {
		return 0, false
	}

	old := normalize.Post(view[i])
	if j, found := l.urls[old.URL]; found && j == i {
		delete(l.urls, old.URL)
	}
	if j, found := l.contents[old.Content]; found && j == i {
		delete(l.contents, old.Content)
	}
	return i, true
}

// itemSanitizer はサーバーの取り込みと同じ規則でitemのマークアップを除去する。
var itemSanitizer = security.NewTextSanitizer()

// FromItem はスクレイパーのitemをビューに載せる投稿の形に変換する。
// キーはサーバーと同じくサニタイズ後の値から計算する。
// IDはサーバーで採番されるまで空のまま。
func FromItem(item model.RawItem) model.Post {
	item = security.SanitizeItem(itemSanitizer, item)
	keys := normalize.Item(item)
	content := item.FullContent
	if content == "" {
		content = item.FullText
	}
	return model.Post{
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

// FromItems はitemのスライスを変換する。
func FromItems(items []model.RawItem) []model.Post {
	posts := make([]model.Post, 0, len(items))
	for _, item := range items {
		posts = append(posts, FromItem(item))
	}
	return posts
}
