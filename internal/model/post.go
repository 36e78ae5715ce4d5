// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// PostType は投稿の種別（買いたい/売りたい/不明）を表す。
type PostType string

const (
	// PostTypeBuying は購入希望の投稿。
	PostTypeBuying PostType = "Buying"
	// PostTypeSelling は販売の投稿。
	PostTypeSelling PostType = "Selling"
	// PostTypeUnknown は種別不明の投稿。
	PostTypeUnknown PostType = "Unknown"
)

// ParsePostType は大文字小文字を区別せずに種別を解釈する。
// 未知の値や空文字はPostTypeUnknownとして扱う。
func ParsePostType(s string) PostType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buying":
		return PostTypeBuying
	case "selling":
		return PostTypeSelling
	default:
		return PostTypeUnknown
	}
}

// PostStatus は投稿の対応状況を表す。
type PostStatus string

const (
	PostStatusNew        PostStatus = "new"
	PostStatusProcessing PostStatus = "processing"
	PostStatusContacted  PostStatus = "contacted"
	PostStatusConverted  PostStatus = "converted"
	PostStatusArchived   PostStatus = "archived"
)

// validStatuses は有効なステータス値のセット。
var validStatuses = map[PostStatus]bool{
	PostStatusNew:        true,
	PostStatusProcessing: true,
	PostStatusContacted:  true,
	PostStatusConverted:  true,
	PostStatusArchived:   true,
}

// Valid はステータスが定義済みの値かを返す。
func (s PostStatus) Valid() bool {
	return validStatuses[s]
}

// Post は取り込み済みの正規化された投稿を表す。
// IDは作成時に採番され、以後変更されない。
// ContentHashは作成時に1回だけ計算され、編集時には再計算しない。
type Post struct {
	ID          string     `json:"id"`
	URL         string     `json:"url,omitempty"`
	URLKey      string     `json:"-"` // クエリ文字列を除去したURL。一意制約の対象
	Title       string     `json:"title"`
	FullContent string     `json:"fullContent"`
	ContentHash string     `json:"contentHash"`
	Type        PostType   `json:"type"`
	Platform    string     `json:"platform"`
	Confidence  float64    `json:"confidence"`
	Price       string     `json:"price,omitempty"`
	Author      string     `json:"author,omitempty"`
	Location    string     `json:"location,omitempty"`
	Category    string     `json:"category,omitempty"`
	Image       string     `json:"image,omitempty"`
	Status      PostStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// RawItem はスクレイパーから受け取った未保存の候補データを表す。
// 取り込みリクエスト1回分のバッチとしてのみ存在する。
type RawItem struct {
	URL         string  `json:"url,omitempty"`
	Title       string  `json:"title,omitempty"`
	FullContent string  `json:"fullContent,omitempty"`
	FullText    string  `json:"fullText,omitempty"`
	ContentHash string  `json:"contentHash,omitempty"`
	Type        string  `json:"type,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Price       string  `json:"price,omitempty"`
	Author      string  `json:"author,omitempty"`
	Location    string  `json:"location,omitempty"`
	Category    string  `json:"category,omitempty"`
	Image       string  `json:"image,omitempty"`
}

// BodyText は本文として最も適切なテキストを返す。
// fullContent → fullText → title の順にフォールバックする。
func (r RawItem) BodyText() string {
	if strings.TrimSpace(r.FullContent) != "" {
		return r.FullContent
	}
	if strings.TrimSpace(r.FullText) != "" {
		return r.FullText
	}
	return r.Title
}

// BodyText は本文として最も適切なテキストを返す。
func (p Post) BodyText() string {
	if strings.TrimSpace(p.FullContent) != "" {
		return p.FullContent
	}
	return p.Title
}

// PostFilter は投稿一覧の絞り込み条件とページネーションを表す。
type PostFilter struct {
	Type     PostType
	Platform string
	Status   PostStatus
	Keyword  string
	Limit    int
	Skip     int
}
