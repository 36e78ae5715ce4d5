package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/config"
	"github.com/hitoshi/postwatch/internal/database"
	"github.com/hitoshi/postwatch/internal/handler"
	"github.com/hitoshi/postwatch/internal/metrics"
	"github.com/hitoshi/postwatch/internal/middleware"
	"github.com/hitoshi/postwatch/internal/post"
	"github.com/hitoshi/postwatch/internal/realtime"
	"github.com/hitoshi/postwatch/internal/repository"
	"github.com/hitoshi/postwatch/internal/security"
	"github.com/hitoshi/postwatch/internal/worker/source"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Server はserveコマンドで起動するコンポーネント一式。
type Server struct {
	Handler   http.Handler
	Hub       *broadcast.Hub
	Limiter   *middleware.RateLimiter
	Registry  *prometheus.Registry
	Scheduler *source.Scheduler // SOURCES_FILE未設定の場合はnil

	fetchInterval time.Duration
	logger        *slog.Logger
}

// NewServer は全依存関係をワイヤリングする。
// dbは接続確認とマイグレーション適用が済んでいること。
func NewServer(cfg *config.Config, db *sql.DB, driver database.Driver, logger *slog.Logger) (*Server, error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. リポジトリとブロードキャスター
	repo := repository.NewSQLPostRepo(db, driver)
	hub := broadcast.NewHub(cfg.BroadcastBuffer, logger, collector)

	// 3. ドメインサービス
	ingest := post.NewIngestService(repo, hub, security.NewTextSanitizer(), collector, cfg.IngestMaxBatch)
	posts := post.NewService(repo, hub)

	// 4. ソーススケジューラ（任意）
	var scheduler *source.Scheduler
	if cfg.SourcesFile != "" {
		guard := security.NewFetchGuard()
		sources, err := source.LoadSources(cfg.SourcesFile, guard)
		if err != nil {
			hub.Close()
			return nil, err
		}
		fetcher := source.NewFetcher(guard, ingest, collector, logger, source.FetcherConfig{
			Timeout:     cfg.FetchTimeout,
			MaxBodySize: cfg.FetchMaxSize,
			Interval:    cfg.FetchInterval,
			BatchSize:   cfg.IngestMaxBatch,
		})
		scheduler = source.NewScheduler(sources, fetcher, logger, cfg.FetchMaxConcurrent)
	}

	// 5. ルーター
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitIngest))
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		IngestToken:       cfg.IngestToken,
		RateLimiter:       limiter,
		IngestService:     ingest,
		PostService:       posts,
		Realtime:          realtime.NewServer(hub, cfg.CORSAllowedOrigin, logger),
		Health:            repo,
		Metrics:           metrics.Handler(reg),
	})

	return &Server{
		Handler:       router,
		Hub:           hub,
		Limiter:       limiter,
		Registry:      reg,
		Scheduler:     scheduler,
		fetchInterval: cfg.FetchInterval,
		logger:        logger,
	}, nil
}

// Serve はlnでHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// WebSocket接続はハブを閉じることで切断する（ハイジャック済み接続はShutdownの対象外）。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	if s.Scheduler != nil {
		go func() {
			defer close(schedDone)
			s.Scheduler.Start(schedCtx, s.fetchInterval)
		}()
	} else {
		close(schedDone)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", slog.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server listen error: %w", err)
		}
	}

	s.logger.Info("shutting down API server...")
	stopScheduler()
	<-schedDone
	s.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	s.Limiter.Stop()

	if serveErr == nil {
		s.logger.Info("API server stopped gracefully")
	}
	return serveErr
}
