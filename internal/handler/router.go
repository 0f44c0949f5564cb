package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/pricewatch/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// サービス
	JobService     JobServiceInterface
	SourceService  SourceServiceInterface
	ProductService ProductServiceInterface

	// 運用
	HealthChecks   map[string]HealthCheck
	RunningJobs    RunningJobCounter
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.HealthChecks, deps.RunningJobs)
	jobHandler := NewJobHandler(deps.JobService)
	sourceHandler := NewSourceHandler(deps.SourceService)
	productHandler := NewProductHandler(deps.ProductService)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		dispatch := func(next http.Handler) http.Handler { return next }
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
			dispatch = deps.RateLimiter.DispatchMiddleware()
		}

		// ジョブ起動（ジョブ起動専用レート制限を追加）
		r.With(dispatch).Post("/discover", jobHandler.Discover)
		r.With(dispatch).Post("/update", jobHandler.Update)
		r.With(dispatch).Post("/rediscover", jobHandler.Rediscover)

		// ジョブ監査
		r.Get("/jobs", jobHandler.ListJobs)
		r.Post("/jobs/{id}/cancel", jobHandler.CancelJob)

		// ソース管理
		r.Get("/sources", sourceHandler.ListSources)
		r.Post("/sources", sourceHandler.RegisterSource)

		// 商品参照
		r.Get("/products", productHandler.ListProducts)
	})

	return r
}
