package liveclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/realtime"
	"github.com/hitoshi/postwatch/internal/reconcile"
)

// testServer は一覧APIとWebSocketを持つテスト用サーバー。
type testServer struct {
	hub     *broadcast.Hub
	srv     *httptest.Server
	fetches atomic.Int32

	mu    sync.Mutex
	posts []model.Post
	auth  string
}

func newTestServer(t *testing.T, posts []model.Post) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ts := &testServer{
		hub:   broadcast.NewHub(0, logger, nil),
		posts: posts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/posts", func(w http.ResponseWriter, r *http.Request) {
		ts.fetches.Add(1)
		ts.mu.Lock()
		ts.auth = r.Header.Get("Authorization")
		body := map[string]any{"posts": ts.posts, "total": len(ts.posts)}
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
	mux.Handle("GET /ws", realtime.NewServer(ts.hub, "", logger))

	ts.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.srv.Close()
		ts.hub.Close()
	})
	return ts
}

func startClient(t *testing.T, ts *testServer, view *reconcile.View) *Client {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := New(Config{
		BaseURL:           ts.srv.URL,
		Token:             "secret",
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}, view, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop after cancel")
		}
	})
	return c
}

func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestClient_SyncsAndReconcilesEvents(t *testing.T) {
	ts := newTestServer(t, []model.Post{{ID: "p1", URL: "https://x/a", Title: "Sofa 2M"}})
	view := reconcile.NewView()
	startClient(t, ts, view)

	eventually(t, "subscribed and synced", func() bool {
		return ts.hub.Count(broadcast.TopicPosts) == 1 && view.Len() == 1
	})

	// 一覧に含まれる投稿のトラッキングパラメータ違いは追加されない
	ts.hub.Publish(broadcast.TopicPosts, broadcast.NewPostsEvent([]*model.Post{
		{ID: "p9", URL: "https://x/a?ref=push", Title: "Sofa 2M"},
	}))
	ts.hub.Publish(broadcast.TopicPosts, broadcast.NewPostsEvent([]*model.Post{
		{ID: "p2", URL: "https://x/b", Title: "Tủ lạnh"},
	}))
	eventually(t, "new post merged", func() bool { return view.Len() == 2 })

	posts := view.Posts()
	if posts[0].ID != "p2" || posts[1].ID != "p1" {
		t.Fatalf("view = %+v, want [p2 p1]", posts)
	}

	ts.hub.Publish(broadcast.TopicPosts, broadcast.DeletedEvent("p1"))
	eventually(t, "post deleted", func() bool { return view.Len() == 1 })

	ts.mu.Lock()
	auth := ts.auth
	ts.mu.Unlock()
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
}

// TestClient_ReconnectsAndRefetches は切断後に再接続して一覧を取り直すことを検証する。
func TestClient_ReconnectsAndRefetches(t *testing.T) {
	ts := newTestServer(t, []model.Post{{ID: "p1", URL: "https://x/a", Title: "Sofa 2M"}})
	view := reconcile.NewView()
	startClient(t, ts, view)

	eventually(t, "first sync", func() bool { return ts.fetches.Load() == 1 && view.Len() == 1 })

	// 切断中に追加された投稿は再取得で埋まる
	ts.mu.Lock()
	ts.posts = append([]model.Post{{ID: "p2", URL: "https://x/b", Title: "Xe máy"}}, ts.posts...)
	ts.mu.Unlock()
	// Hubの停止でサーバーから接続が閉じられる
	ts.hub.Close()

	eventually(t, "refetched after reconnect", func() bool { return ts.fetches.Load() >= 2 && view.Len() == 2 })
	eventually(t, "resubscribed", func() bool { return ts.hub.Count(broadcast.TopicPosts) == 1 })
}

func TestClient_ImportItems(t *testing.T) {
	view := reconcile.NewView()
	view.Reset([]model.Post{{ID: "p1", URL: "https://x/a", Title: "Sofa 2M"}})

	var changes []string
	c := New(Config{
		BaseURL:  "http://localhost:8080",
		OnChange: func(event string, _ *reconcile.View) { changes = append(changes, event) },
	}, view, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	added := c.ImportItems([]model.RawItem{
		{URL: "https://x/a?ref=popup", Title: "Sofa 2M"},
		{FullContent: "Ban xe may con 5tr"},
	}, "handoff")

	if len(added) != 1 {
		t.Errorf("added = %d, want 1", len(added))
	}
	if len(changes) != 1 || changes[0] != "handoff" {
		t.Errorf("changes = %v, want [handoff]", changes)
	}

	if added := c.ImportItems([]model.RawItem{{FullContent: "ban xe may con 5tr"}}, "popup"); len(added) != 0 {
		t.Errorf("duplicate import added %d", len(added))
	}
	if len(changes) != 1 {
		t.Errorf("OnChange called for no-op import: %v", changes)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://api.example.com/", "wss://api.example.com/ws", false},
		{"https://api.example.com/postwatch", "wss://api.example.com/postwatch/ws", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c := New(Config{BaseURL: tt.base}, nil, nil)
			got, err := c.websocketURL()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("url = %q, want %q", got, tt.want)
			}
		})
	}
}
