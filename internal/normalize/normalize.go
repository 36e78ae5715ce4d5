// Package normalize はスクレイプされた投稿から比較用の正規化キーを生成する。
// すべての関数は副作用を持たない純粋関数で、同一入力に対して常に同一出力を返す。
package normalize

import (
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postwatch/internal/model"
)

// ContentKeyLength はコンテンツキーとして使う先頭部分の長さ（コードポイント数）。
const ContentKeyLength = 100

// Keys は1件の投稿から導出される比較用キーの組。
// URLが空文字の場合はURLを持たない（null）ことを表す。
// Contentが空文字の場合は重複判定の対象外となる。
type Keys struct {
	URL     string
	Content string
}

// HasURL はURLキーを持つかを返す。
func (k Keys) HasURL() bool {
	return k.URL != ""
}

// HasContent はコンテンツキーを持つかを返す。
func (k Keys) HasContent() bool {
	return k.Content != ""
}

// URLKey はURLから最初の'?'以降を除去した比較用キーを返す。
// 空白のみのURLは空文字（キーなし）として扱う。
func URLKey(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

// ContentKey は本文テキストから比較用キーを生成する。
// 小文字化 → 連続空白を1つのスペースに圧縮 → 前後の空白除去 → 先頭100コードポイント。
// 切り詰めで末尾に空白が残った場合は除去し、ContentKey(ContentKey(x)) == ContentKey(x) を保証する。
func ContentKey(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if utf8.RuneCountInString(s) > ContentKeyLength {
		s = truncateRunes(s, ContentKeyLength)
		s = strings.TrimRight(s, " ")
	}
	return s
}

// truncateRunes は文字列を先頭n個のコードポイントに切り詰める。
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Item は取り込み候補から正規化キーを生成する。
// 送信元がcontentHashを付けている場合はそれを正規化して使う。
func Item(item model.RawItem) Keys {
	return Keys{
		URL:     URLKey(item.URL),
		Content: contentKey(item.ContentHash, item.BodyText()),
	}
}

// Post は保存済みの投稿から正規化キーを生成する。
// ContentHashが保存されている場合は作成時の値を優先する（編集では再計算しないため）。
func Post(post model.Post) Keys {
	return Keys{
		URL:     URLKey(post.URL),
		Content: contentKey(post.ContentHash, post.BodyText()),
	}
}

func contentKey(hash, body string) string {
	if k := ContentKey(hash); k != "" {
		return k
	}
	return ContentKey(body)
}
