package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postwatch/internal/config"
	"github.com/hitoshi/postwatch/internal/database"
	"github.com/hitoshi/postwatch/internal/liveclient"
	"github.com/hitoshi/postwatch/internal/reconcile"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestInit_ConfiguresJSONLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("DATABASE_URL", "sqlite://postwatch.db")
	t.Setenv("LOG_LEVEL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL != "sqlite://postwatch.db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}

	slog.Default().Info("init test")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestRun_ServeWithoutDatabaseURL_ReturnsError(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("DATABASE_URL", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("err = %v, want DATABASE_URL error", err)
	}
}

func TestRun_MigrateSQLite(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	path := filepath.Join(t.TempDir(), "postwatch.db")
	t.Setenv("DATABASE_URL", "sqlite://"+path)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SOURCES_FILE", "")
	t.Setenv("INGEST_TOKEN", "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// TestServer_ServeAndShutdown はワイヤリング済みサーバーが応答し、キャンセルで正常終了することを検証する。
func TestServer_ServeAndShutdown(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	srv, err := NewServer(testConfig(t), db, database.DriverSQLite, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.Scheduler != nil {
		t.Error("scheduler should be nil without SOURCES_FILE")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	if err := runHealthcheck(baseURL); err != nil {
		t.Errorf("healthcheck: %v", err)
	}

	resp, err := http.Post(baseURL+"/api/posts/ingest", "application/json",
		strings.NewReader(`{"items":[{"url":"https://x/a?ref=1","title":"Sofa 2M"}]}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ingest status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"go_goroutines", "postwatch_ingest_items_received_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %s", name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewServer_WithSourcesFile(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	yaml := "sources:\n  - name: xe\n    platform: chotot\n    url: https://market.example.com/xe.rss\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.SourcesFile = path
	srv, err := NewServer(cfg, db, database.DriverSQLite, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Limiter.Stop()
	defer srv.Hub.Close()

	if srv.Scheduler == nil || len(srv.Scheduler.Targets()) != 1 {
		t.Fatalf("scheduler = %+v, want 1 target", srv.Scheduler)
	}
}

func TestNewServer_RejectsBlockedSource(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  - url: http://169.254.169.254/latest\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.SourcesFile = path
	if _, err := NewServer(cfg, db, database.DriverSQLite, discardLogger()); err == nil {
		t.Fatal("expected error for blocked source url")
	}
}

func TestRunHealthcheck_Unhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if err := runHealthcheck(server.URL); err == nil {
		t.Error("expected error for 503")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://user:secret@db:5432/postwatch?sslmode=disable")
	if strings.Contains(got, "secret") {
		t.Errorf("password not masked: %s", got)
	}
	if !strings.Contains(got, "db:5432") {
		t.Errorf("host should remain visible: %s", got)
	}
}

func TestImportHandoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.json")
	now := time.Now()
	data := fmt.Sprintf(`{"items":[{"url":"https://x/1","title":"a"},{"url":"https://x/1?ref=2","title":"a"}],"savedAt":%d}`, now.UnixMilli())
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	client := liveclient.New(liveclient.Config{BaseURL: "http://localhost:0"}, reconcile.NewView(), discardLogger())
	importHandoff(client, path, now, discardLogger())

	if got := client.View().Len(); got != 1 {
		t.Errorf("view len = %d, want 1", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("handoff file should be removed after import")
	}
}

func TestReadScraperMessages(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"type":"SCRAPER_DATA","data":{"items":[{"url":"https://x/2","title":"b"},{"url":"https://x/2?ref=1","title":"b"}]}}`,
		`{"type":"PING"}`,
		``,
		`not json`,
		`{"type":"SCRAPER_DATA","data":{"items":[{"fullContent":"Tu lanh 3tr"}]}}`,
	}, "\n"))

	client := liveclient.New(liveclient.Config{BaseURL: "http://localhost:0"}, reconcile.NewView(), discardLogger())
	readScraperMessages(context.Background(), client, in, discardLogger())

	if got := client.View().Len(); got != 2 {
		t.Errorf("view len = %d, want 2", got)
	}
}

func TestRunWatch_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.WatchURL = "http://127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runWatch(ctx, cfg, nil, discardLogger()); err != nil {
		t.Errorf("runWatch returned %v, want nil on cancel", err)
	}
}
