package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postwatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	IngestToken       string
	RateLimiter       *middleware.RateLimiter

	// 投稿
	IngestService IngestServiceInterface
	PostService   PostServiceInterface

	// リアルタイム配信（/ws）
	Realtime http.Handler

	// 運用
	Health  Pinger
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → (TokenAuth → RateLimit)
//
// 参照系とWebSocketは認証不要。取り込みと変更系はトークン認証を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	postHandler := NewPostHandler(deps.IngestService, deps.PostService)

	if deps.Health != nil {
		r.Get("/health", NewHealthHandler(deps.Health))
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Realtime != nil {
		r.Method(http.MethodGet, "/ws", deps.Realtime)
	}

	r.Route("/api/posts", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())

		// --- 認証不要のルート ---
		r.Get("/", postHandler.ListPosts)
		r.Get("/{id}", postHandler.GetPost)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewTokenAuthMiddleware(deps.IngestToken))

			ingest := r.With()
			if deps.RateLimiter != nil {
				ingest = r.With(deps.RateLimiter.Middleware("ingest"))
			}
			ingest.Post("/ingest", postHandler.Ingest)

			r.Patch("/{id}/status", postHandler.UpdateStatus)
			r.Delete("/{id}", postHandler.DeletePost)
			r.Delete("/", postHandler.ClearPosts)
		})
	})

	return r
}
