package reconcile

import (
	"testing"

	"github.com/hitoshi/postwatch/internal/model"
)

func ids(posts []model.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestMerge_TrackingParamURLLeavesViewUnchanged はトラッキングパラメータだけが
// 異なるURLの投稿がビューに追加されないことを検証する。
func TestMerge_TrackingParamURLLeavesViewUnchanged(t *testing.T) {
	existing := []model.Post{
		{ID: "p1", URL: "https://x/a?ref=1", Title: "Sofa 2M"},
		{ID: "p0", URL: "https://x/z", Title: "Tủ lạnh"},
	}
	incoming := []model.Post{
		{ID: "p9", URL: "https://x/a?utm_source=fb&ref=2", Title: "Sofa 2M giảm giá"},
	}

	accepted, view := Merge(existing, incoming)

	if len(accepted) != 0 {
		t.Errorf("accepted = %v, want none", ids(accepted))
	}
	if !equalIDs(ids(view), []string{"p1", "p0"}) {
		t.Errorf("view = %v, want [p1 p0]", ids(view))
	}
}

func TestMerge_ContentDuplicate(t *testing.T) {
	existing := []model.Post{{ID: "p1", FullContent: "Ban xe may con 5tr"}}
	incoming := []model.Post{{ID: "p2", FullContent: "ban  xe may CON 5tr   "}}

	accepted, view := Merge(existing, incoming)

	if len(accepted) != 0 || len(view) != 1 {
		t.Errorf("accepted = %v view = %v, want unchanged", ids(accepted), ids(view))
	}
}

// TestMerge_PrependsInArrivalOrder は受理した投稿を到着順のまま先頭に追加することを検証する。
func TestMerge_PrependsInArrivalOrder(t *testing.T) {
	existing := []model.Post{{ID: "old", URL: "https://x/old", Title: "old"}}
	incoming := []model.Post{
		{ID: "n1", URL: "https://x/1", Title: "one"},
		{ID: "n2", URL: "https://x/2", Title: "two"},
	}

	accepted, view := Merge(existing, incoming)

	if !equalIDs(ids(accepted), []string{"n1", "n2"}) {
		t.Errorf("accepted = %v, want [n1 n2]", ids(accepted))
	}
	if !equalIDs(ids(view), []string{"n1", "n2", "old"}) {
		t.Errorf("view = %v, want [n1 n2 old]", ids(view))
	}
	if len(existing) != 1 || existing[0].ID != "old" {
		t.Errorf("existing mutated: %v", ids(existing))
	}
}

// TestMerge_IntraBatchDuplicates は同一バッチ内の重複とIDの重複を除外することを検証する。
func TestMerge_IntraBatchDuplicates(t *testing.T) {
	incoming := []model.Post{
		{ID: "a", URL: "https://x/a?ref=1", Title: "Sofa"},
		{ID: "b", URL: "https://x/a?ref=2", Title: "Sofa again"},
		{ID: "a", URL: "https://x/other", Title: "same id, edited url"},
		{ID: "c", Title: "Xe may"},
		{ID: "d", Title: "xe   MAY"},
	}

	accepted, _ := Merge(nil, incoming)

	if !equalIDs(ids(accepted), []string{"a", "c"}) {
		t.Errorf("accepted = %v, want [a c]", ids(accepted))
	}
}

// TestMerge_RedeliveryIsIdempotent は同じ投稿を何度受け取ってもビューが変わらないことを検証する。
func TestMerge_RedeliveryIsIdempotent(t *testing.T) {
	batch := []model.Post{
		{ID: "p1", URL: "https://x/1", Title: "one"},
		{ID: "p2", Title: "two"},
	}
	_, view := Merge(nil, batch)
	for i := 0; i < 3; i++ {
		var accepted []model.Post
		accepted, view = Merge(view, batch)
		if len(accepted) != 0 {
			t.Fatalf("redelivery %d accepted %v", i, ids(accepted))
		}
	}
	if len(view) != 2 {
		t.Errorf("view len = %d, want 2", len(view))
	}
}

func TestFromItem(t *testing.T) {
	p := FromItem(model.RawItem{
		URL:      "https://x/a?ref=1",
		Title:    "Sofa",
		FullText: "  Sofa   2M ",
		Type:     "selling",
	})

	if p.ID != "" {
		t.Errorf("ID = %q, want empty", p.ID)
	}
	if p.URLKey != "https://x/a" {
		t.Errorf("URLKey = %q", p.URLKey)
	}
	if p.FullContent != "Sofa   2M" {
		t.Errorf("FullContent = %q, want fullText fallback", p.FullContent)
	}
	if p.ContentHash != "sofa 2m" {
		t.Errorf("ContentHash = %q, want %q", p.ContentHash, "sofa 2m")
	}
	if p.Type != model.PostTypeSelling || p.Status != model.PostStatusNew {
		t.Errorf("type/status = %s/%s", p.Type, p.Status)
	}
}

// TestFromItem_StripsMarkupBeforeKeying はサーバーの取り込みと同じく、
// マークアップを除去してからコンテンツキーを計算することを検証する。
func TestFromItem_StripsMarkupBeforeKeying(t *testing.T) {
	p := FromItem(model.RawItem{FullContent: "<p>Ban <b>xe may</b> con 5tr</p>"})

	if p.FullContent != "Ban xe may con 5tr" {
		t.Errorf("FullContent = %q", p.FullContent)
	}
	if p.ContentHash != "ban xe may con 5tr" {
		t.Errorf("ContentHash = %q, want %q", p.ContentHash, "ban xe may con 5tr")
	}

	// サーバーで保存された同じ投稿と重複として扱われる
	saved := model.Post{ID: "p1", FullContent: "Ban xe may con 5tr", ContentHash: "ban xe may con 5tr"}
	accepted, _ := Merge([]model.Post{saved}, []model.Post{p})
	if len(accepted) != 0 {
		t.Errorf("accepted = %+v, want none", accepted)
	}
}

// TestMerge_ReplacesUnsavedLocalPost はIDのあるサーバーの投稿がIDのないローカル投稿と
// 一致した場合に、その位置で置き換えることを検証する。
func TestMerge_ReplacesUnsavedLocalPost(t *testing.T) {
	existing := []model.Post{
		{ID: "p0", URL: "https://x/z", Title: "Tủ lạnh"},
		{URL: "https://x/a?ref=1", Title: "Sofa 2M"},
		{FullContent: "Ban xe may con 5tr"},
	}
	incoming := []model.Post{
		{ID: "p1", URL: "https://x/a?ref=2", Title: "Sofa 2M"},
		{ID: "p2", FullContent: "ban xe may  con 5tr"},
		{ID: "p3", URL: "https://x/a?ref=3", Title: "Sofa 2M"},
	}

	accepted, view := Merge(existing, incoming)

	if !equalIDs(ids(accepted), []string{"p1", "p2"}) {
		t.Errorf("accepted = %v, want [p1 p2]", ids(accepted))
	}
	if !equalIDs(ids(view), []string{"p0", "p1", "p2"}) {
		t.Errorf("view = %v, want [p0 p1 p2]", ids(view))
	}
	if existing[1].ID != "" {
		t.Errorf("existing mutated: %+v", existing[1])
	}
}
