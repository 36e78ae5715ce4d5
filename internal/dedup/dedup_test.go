package dedup

import (
	"strings"
	"testing"

	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/normalize"
)

// TestItems_IntraBatchURLDuplicate はトラッキングパラメータだけが異なる同一URLを
// バッチ内で1件に絞ることを検証する。
func TestItems_IntraBatchURLDuplicate(t *testing.T) {
	batch := []model.RawItem{
		{URL: "https://x/a?ref=1", Title: "Sofa 2M"},
		{URL: "https://x/a?ref=2", Title: "Sofa 2M"},
	}

	result := Items(batch, NewKeySet())

	if len(result.Accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(result.Accepted))
	}
	if result.Accepted[0].URL != "https://x/a?ref=1" {
		t.Errorf("accepted URL = %q, want first item", result.Accepted[0].URL)
	}
	suppressed := result.Suppressed()
	if len(suppressed) != 1 {
		t.Fatalf("suppressed = %d, want 1", len(suppressed))
	}
	if suppressed[0].Match.Reason != MatchedByURL || suppressed[0].Match.Tier != TierBatch {
		t.Errorf("match = %+v, want url/batch", suppressed[0].Match)
	}
	if suppressed[0].Index != 1 {
		t.Errorf("suppressed index = %d, want 1", suppressed[0].Index)
	}
}

// TestItems_IntraBatchContentDuplicate はURLなしで同一コンテンツキーのitemが
// 先頭の1件だけ残ることを検証する。
func TestItems_IntraBatchContentDuplicate(t *testing.T) {
	batch := []model.RawItem{
		{FullContent: "Ban xe may con 5tr"},
		{FullContent: "BAN  xe may\tcon 5tr "},
		{FullContent: "ban xe may con 5tr"},
	}

	result := Items(batch, NewKeySet())

	if len(result.Accepted) != 1 {
		t.Fatalf("accepted = %d, want 1", len(result.Accepted))
	}
	for _, d := range result.Suppressed() {
		if d.Match.Reason != MatchedByContent {
			t.Errorf("item %d reason = %v, want content", d.Index, d.Match.Reason)
		}
	}
}

// TestItems_PersistedTier は永続化済みキーとの一致を検出することを検証する。
func TestItems_PersistedTier(t *testing.T) {
	known := NewKeySet()
	known.AddURL("https://x/a")
	known.AddContent("ban xe may con 5tr")

	batch := []model.RawItem{
		{URL: "https://x/a?utm_source=fb", Title: "khác"},
		{FullContent: "ban xe may con 5tr   "},
		{URL: "https://x/b", Title: "Tủ lạnh 3tr"},
	}

	result := Items(batch, known)

	if len(result.Accepted) != 1 || result.Accepted[0].URL != "https://x/b" {
		t.Fatalf("accepted = %+v, want only https://x/b", result.Accepted)
	}
	if m := result.Decisions[0].Match; m.Reason != MatchedByURL || m.Tier != TierPersisted {
		t.Errorf("decision[0] = %+v, want url/persisted", m)
	}
	if m := result.Decisions[1].Match; m.Reason != MatchedByContent || m.Tier != TierPersisted {
		t.Errorf("decision[1] = %+v, want content/persisted", m)
	}
}

// TestItems_DoesNotMutateKnown は既知キー集合を変更しないことを検証する。
func TestItems_DoesNotMutateKnown(t *testing.T) {
	known := NewKeySet()
	known.AddURL("https://x/existing")

	Items([]model.RawItem{
		{URL: "https://x/new", Title: "new item"},
	}, known)

	urls, contents := known.Len()
	if urls != 1 || contents != 0 {
		t.Errorf("known mutated: urls=%d contents=%d", urls, contents)
	}
}

// TestItems_EmptyContentKeysNeverMatch は空のコンテンツキー同士を重複としないことを検証する。
func TestItems_EmptyContentKeysNeverMatch(t *testing.T) {
	batch := []model.RawItem{
		{URL: "https://x/1"},
		{URL: "https://x/2"},
		{URL: "https://x/3", Title: "   "},
	}

	result := Items(batch, NewKeySet())

	if len(result.Accepted) != 3 {
		t.Errorf("accepted = %d, want 3", len(result.Accepted))
	}
}

// TestItems_PreservesOrder は受理されたitemの相対順序が維持されることを検証する。
func TestItems_PreservesOrder(t *testing.T) {
	batch := []model.RawItem{
		{URL: "https://x/1", Title: "one"},
		{URL: "https://x/1", Title: "dup"},
		{URL: "https://x/2", Title: "two"},
		{Title: "one"},
		{URL: "https://x/3", Title: "three"},
	}

	result := Items(batch, NewKeySet())

	var got []string
	for _, it := range result.Accepted {
		got = append(got, it.Title)
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("accepted order = %v, want [one two three]", got)
	}
}

// TestItems_SameURLDifferentContent はURLが同じでも価格編集などで本文が変わった場合に
// URL一致で除外されることを検証する。
func TestItems_SameURLDifferentContent(t *testing.T) {
	known := NewKeySet()
	known.Add(normalize.Item(model.RawItem{URL: "https://x/a", FullContent: "Sofa giá 2tr"}))

	result := Items([]model.RawItem{
		{URL: "https://x/a?ref=3", FullContent: "Sofa giá 1tr5"},
	}, known)

	if len(result.Accepted) != 0 {
		t.Errorf("accepted = %d, want 0", len(result.Accepted))
	}
}

func TestCheck_NoMatch(t *testing.T) {
	m := Check(normalize.Keys{URL: "https://x/a", Content: "abc"}, NewKeySet(), KeySet{})
	if m.Duplicate() {
		t.Errorf("expected no match, got %+v", m)
	}
	if m.Reason.String() != "none" || m.Tier.String() != "none" {
		t.Errorf("labels = %s/%s, want none/none", m.Reason, m.Tier)
	}
}

func TestKeySet_ZeroValueAdd(t *testing.T) {
	var s KeySet
	s.Add(normalize.Keys{URL: "u", Content: "c"})
	if !s.HasURL("u") || !s.HasContent("c") {
		t.Error("zero-value KeySet should accept additions")
	}
	if s.HasURL("") || s.HasContent("") {
		t.Error("empty keys must never match")
	}
}
