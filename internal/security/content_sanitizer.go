package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/postwatch/internal/model"
)

// TextSanitizer はスクレイプした文字列フィールドからマークアップを取り除く。
// 正規化キーの計算前に適用するため、同一入力に対して常に同一出力を返す。
type TextSanitizer interface {
	// Sanitize はHTMLタグを除去し、文字参照をデコードしたプレーンテキストを返す。
	// script・styleの中身も除去する。
	Sanitize(raw string) string

	// SanitizeLink はhttp/httpsの絶対URLだけを返し、それ以外は空文字を返す。
	SanitizeLink(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyは & などをエスケープして返すため、最後にデコードする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.ContainsAny(raw, "<>&") {
		return raw
	}
	return html.UnescapeString(s.policy.Sanitize(raw))
}

// SanitizeLink は画像URLなどのリンク値を検証する。
func (s *textSanitizer) SanitizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return raw
	default:
		return ""
	}
}

// SanitizeItem はitemの文字列フィールドからマークアップを除去する。
// サーバーの取り込みとクライアントのビューの両方が、重複判定の前にこれを通す。
func SanitizeItem(s TextSanitizer, item model.RawItem) model.RawItem {
	clean := func(v string) string { return strings.TrimSpace(s.Sanitize(v)) }

	item.URL = strings.TrimSpace(item.URL)
	item.Title = clean(item.Title)
	item.FullContent = clean(item.FullContent)
	item.FullText = clean(item.FullText)
	item.Platform = clean(item.Platform)
	item.Price = clean(item.Price)
	item.Author = clean(item.Author)
	item.Location = clean(item.Location)
	item.Category = clean(item.Category)
	item.Image = s.SanitizeLink(item.Image)
	return item
}
