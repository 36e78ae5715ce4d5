// Package dedup は取り込みバッチから重複を除外する判定ロジックを提供する。
//
// 判定は2層のキー集合で行う:
//  1. 永続化済みの既知キー（呼び出し開始時に1回だけ読み込んだスナップショット。変更しない）
//  2. 同一呼び出し内で既に受理したキー（呼び出しごとに空から始まる）
//
// URLキーまたはコンテンツキーのどちらかが一致すれば重複とみなす。
// 関数はストアに依存しない純粋関数で、判定結果を新しい値として返す。
package dedup

import (
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/normalize"
)

// Reason は重複と判定された理由を表す。
type Reason int

const (
	// NoMatch は重複なし（受理）。
	NoMatch Reason = iota
	// MatchedByURL は正規化URLの一致による重複。
	MatchedByURL
	// MatchedByContent はコンテンツキーの一致による重複。
	MatchedByContent
)

// String はログ・メトリクス用のラベルを返す。
func (r Reason) String() string {
	switch r {
	case MatchedByURL:
		return "url"
	case MatchedByContent:
		return "content"
	default:
		return "none"
	}
}

// Tier は一致したキーがどちらの層にあったかを表す。
type Tier int

const (
	// TierNone は一致なし。
	TierNone Tier = iota
	// TierPersisted は永続化済みスナップショットでの一致。
	TierPersisted
	// TierBatch は同一バッチ内の先行itemとの一致。
	TierBatch
)

// String はログ・メトリクス用のラベルを返す。
func (t Tier) String() string {
	switch t {
	case TierPersisted:
		return "persisted"
	case TierBatch:
		return "batch"
	default:
		return "none"
	}
}

// Match は1件の重複判定結果。
type Match struct {
	Reason Reason
	Tier   Tier
	Key    string // 一致したキー
}

// Duplicate は重複と判定されたかを返す。
func (m Match) Duplicate() bool {
	return m.Reason != NoMatch
}

// KeySet は正規化URLキーとコンテンツキーの集合。
// 空のキーは追加・照合のどちらでも無視される。
type KeySet struct {
	urls     map[string]struct{}
	contents map[string]struct{}
}

// NewKeySet は空のKeySetを生成する。
func NewKeySet() KeySet {
	return KeySet{
		urls:     make(map[string]struct{}),
		contents: make(map[string]struct{}),
	}
}

// AddURL はURLキーを追加する。
func (s *KeySet) AddURL(key string) {
	if key == "" {
		return
	}
	if s.urls == nil {
		s.urls = make(map[string]struct{})
	}
	s.urls[key] = struct{}{}
}

// AddContent はコンテンツキーを追加する。
func (s *KeySet) AddContent(key string) {
	if key == "" {
		return
	}
	if s.contents == nil {
		s.contents = make(map[string]struct{})
	}
	s.contents[key] = struct{}{}
}

// Add はキーの組を追加する。
func (s *KeySet) Add(keys normalize.Keys) {
	s.AddURL(keys.URL)
	s.AddContent(keys.Content)
}

// HasURL はURLキーが含まれるかを返す。
func (s KeySet) HasURL(key string) bool {
	if key == "" {
		return false
	}
	_, ok := s.urls[key]
	return ok
}

// HasContent はコンテンツキーが含まれるかを返す。
func (s KeySet) HasContent(key string) bool {
	if key == "" {
		return false
	}
	_, ok := s.contents[key]
	return ok
}

// Len はURLキーとコンテンツキーの件数を返す。
func (s KeySet) Len() (urls, contents int) {
	return len(s.urls), len(s.contents)
}

// Check はキーの組を既知キーと呼び出し内キーの2層で照合する。
// URLの一致をコンテンツの一致より先に判定し、各キーでは永続化済みの層を先に見る。
func Check(keys normalize.Keys, known, seen KeySet) Match {
	if keys.HasURL() {
		if known.HasURL(keys.URL) {
			return Match{Reason: MatchedByURL, Tier: TierPersisted, Key: keys.URL}
		}
		if seen.HasURL(keys.URL) {
			return Match{Reason: MatchedByURL, Tier: TierBatch, Key: keys.URL}
		}
	}
	if keys.HasContent() {
		if known.HasContent(keys.Content) {
			return Match{Reason: MatchedByContent, Tier: TierPersisted, Key: keys.Content}
		}
		if seen.HasContent(keys.Content) {
			return Match{Reason: MatchedByContent, Tier: TierBatch, Key: keys.Content}
		}
	}
	return Match{}
}

// Decision はバッチ内1件の判定結果。
type Decision[T any] struct {
	Index int // バッチ内の元の位置
	Item  T
	Keys  normalize.Keys
	Match Match
}

// Result はFilterの戻り値。
type Result[T any] struct {
	// Accepted は受理されたitem（元の相対順序を維持）。
	Accepted []T
	// Decisions は全itemの判定結果（到着順）。
	Decisions []Decision[T]
}

// Suppressed は重複として除外された判定だけを返す。
func (r Result[T]) Suppressed() []Decision[T] {
	var out []Decision[T]
	for _, d := range r.Decisions {
		if d.Match.Duplicate() {
			out = append(out, d)
		}
	}
	return out
}

// Filter はitemを到着順に判定し、重複でないものだけを受理する。
// knownは読み取りのみで変更しない。受理したitemのキーは呼び出し内の集合に追加され、
// 後続のitemはそれとも照合される（バッチ内重複の除外）。
func Filter[T any](items []T, keysOf func(T) normalize.Keys, known KeySet) Result[T] {
	seen := NewKeySet()
	result := Result[T]{
		Accepted:  make([]T, 0, len(items)),
		Decisions: make([]Decision[T], 0, len(items)),
	}

	for i, item := range items {
		keys := keysOf(item)
		match := Check(keys, known, seen)
		result.Decisions = append(result.Decisions, Decision[T]{
			Index: i,
			Item:  item,
			Keys:  keys,
			Match: match,
		})
		if match.Duplicate() {
			continue
		}
		seen.Add(keys)
		result.Accepted = append(result.Accepted, item)
	}

	return result
}

// Items は取り込み候補のバッチを判定する。
func Items(items []model.RawItem, known KeySet) Result[model.RawItem] {
	return Filter(items, normalize.Item, known)
}
