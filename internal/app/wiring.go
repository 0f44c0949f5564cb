package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pricewatch/internal/catalog"
	"github.com/hitoshi/pricewatch/internal/config"
	"github.com/hitoshi/pricewatch/internal/database"
	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/handler"
	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/ledger"
	"github.com/hitoshi/pricewatch/internal/lock"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/middleware"
	"github.com/hitoshi/pricewatch/internal/orchestrator"
	"github.com/hitoshi/pricewatch/internal/recipe"
	"github.com/hitoshi/pricewatch/internal/registry"
	"github.com/hitoshi/pricewatch/internal/repository"
	"github.com/hitoshi/pricewatch/internal/search"
	"github.com/hitoshi/pricewatch/internal/security"
	"github.com/hitoshi/pricewatch/internal/worker/cleanup"
	"github.com/hitoshi/pricewatch/internal/worker/schedule"
)

// pingTimeout は起動時とヘルスチェックでの疎通確認のタイムアウト。
const pingTimeout = 5 * time.Second

// storage はストレージドライバごとのリポジトリ一式。
type storage struct {
	sources        repository.SourceRepository
	products       repository.ProductRepository
	productSources repository.ProductSourceRepository
	prices         repository.PriceRepository
	jobs           repository.JobRepository
}

// Components は起動モードに共通するワイヤリング済みの依存関係。
type Components struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Registry     *registry.Registry
	Catalog      *catalog.Catalog
	Ledger       *ledger.Ledger
	Orchestrator *orchestrator.Orchestrator
	Jobs         repository.JobRepository

	Metrics      *prometheus.Registry
	HealthChecks map[string]handler.HealthCheck

	rateLimiter *middleware.RateLimiter
}

// Build は設定に従ってストレージ、ロックテーブル、ドメインサービスを構築する。
// 戻り値のCloseで接続を解放すること。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{
		Config:       cfg,
		Logger:       logger,
		Metrics:      prometheus.NewRegistry(),
		HealthChecks: make(map[string]handler.HealthCheck),
	}

	// 1. ストレージ
	store, err := c.openStorage(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Jobs = store.jobs

	// 2. ロックテーブル
	locks, err := c.openLocks(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	// 3. メトリクス
	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(c.Metrics)

	// 4. ドメインサービス
	ids := idgen.UUID{}
	sanitizer := security.NewTextSanitizer()

	c.Registry = registry.New(store.sources, ids, healthPolicy(cfg), collector, logger)
	c.Catalog = catalog.New(store.products, store.productSources, locks, ids, sanitizer, cfg.MatchThreshold, logger)
	c.Ledger = ledger.New(store.prices, store.products, store.sources, ids, collector)

	ext := extractor.NewHTTPExtractor(extractor.Options{
		Limiter:     extractor.NewDomainLimiter(cfg.DomainRateLimit, cfg.DomainRateBurst),
		Metrics:     collector,
		Logger:      logger,
		Timeout:     cfg.ExtractTimeout,
		MaxBodySize: cfg.ExtractMaxSize,
		UserAgent:   cfg.ExtractUserAgent,
	})

	c.Orchestrator = orchestrator.New(orchestrator.Deps{
		Jobs:      store.jobs,
		Registry:  c.Registry,
		Catalog:   c.Catalog,
		Ledger:    c.Ledger,
		Locks:     locks,
		Extractor: ext,
		Search:    searchProvider(cfg, sanitizer, logger),
		Recipes:   recipe.NewHeuristic(ext, logger),
		IDs:       ids,
		Metrics:   collector,
		Logger:    logger,
	}, orchestrator.Config{
		MaxConcurrent:          cfg.UpdateMaxConcurrent,
		ExtractTimeout:         cfg.ExtractTimeout,
		BusyPolicy:             orchestrator.ParseBusyPolicy(cfg.BusyPolicy),
		DiscoveryMaxCandidates: cfg.DiscoveryMaxCandidates,
	})

	return c, nil
}

func (c *Components) openStorage(ctx context.Context) (*storage, error) {
	if c.Config.UsesMemoryStorage() {
		c.Logger.Warn("using in-memory storage; data is lost on exit")
		mem := repository.NewMemoryStore()
		c.HealthChecks["storage"] = func(context.Context) error { return nil }
		return &storage{
			sources:        mem.Sources,
			products:       mem.Products,
			productSources: mem.ProductSources,
			prices:         mem.Prices,
			jobs:           mem.Jobs,
		}, nil
	}

	db, err := database.Open(c.Config.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    c.Config.DBMaxOpenConns,
		MaxIdleConns:    c.Config.DBMaxIdleConns,
		ConnMaxLifetime: c.Config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	c.DB = db

	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		return nil, err
	}
	c.Logger.Info("database connection established")

	c.HealthChecks["database"] = func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
	return &storage{
		sources:        repository.NewPostgresSourceRepo(db),
		products:       repository.NewPostgresProductRepo(db),
		productSources: repository.NewPostgresProductSourceRepo(db),
		prices:         repository.NewPostgresPriceRepo(db),
		jobs:           repository.NewPostgresJobRepo(db),
	}, nil
}

func (c *Components) openLocks(ctx context.Context) (lock.Table, error) {
	if c.Config.RedisURL == "" {
		return lock.NewMemoryTable(), nil
	}

	opts, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	c.Redis = client

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.Logger.Info("redis connection established")

	c.HealthChecks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return lock.NewRedisTable(client, c.Config.LockTTL), nil
}

// healthPolicy は設定値からソース健全性ポリシーを組み立てる。
func healthPolicy(cfg *config.Config) registry.Policy {
	p := registry.DefaultPolicy()
	p.Weight = cfg.HealthWeight
	p.RediscoveryThreshold = cfg.HealthRediscoveryThreshold
	p.NeutralPrior = cfg.HealthNeutralPrior
	if cfg.HealthStructuralLimit > 0 {
		p.StructuralLimit = cfg.HealthStructuralLimit
	}
	if cfg.HealthMaxConsecutiveFailures > 0 {
		p.MaxConsecutiveFailures = cfg.HealthMaxConsecutiveFailures
	}
	if cfg.HealthMaxRediscoveryFailures > 0 {
		p.MaxRediscoveryFailures = cfg.HealthMaxRediscoveryFailures
	}
	return p
}

// searchProvider はSEARCH_FEED_URLが設定されていればRSS検索を、なければ未設定エラーを返す検索を使う。
func searchProvider(cfg *config.Config, sanitizer search.Sanitizer, logger *slog.Logger) search.Provider {
	if cfg.SearchFeedURL == "" {
		return search.Static{Err: search.ErrNotConfigured}
	}
	return search.NewRSSProvider(cfg.SearchFeedURL, nil, sanitizer, logger)
}

// Router はAPIサーバーのHTTPハンドラーを構築する。
func (c *Components) Router() http.Handler {
	if c.rateLimiter == nil {
		c.rateLimiter = middleware.NewRateLimiter(
			middleware.PerMinute(c.Config.RateLimitGeneral, c.Config.RateLimitDispatch),
		)
	}
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            c.Logger,
		CORSAllowedOrigin: c.Config.CORSAllowedOrigin,
		RateLimiter:       c.rateLimiter,
		JobService:        c.Orchestrator,
		SourceService:     c.Registry,
		ProductService:    handler.NewProductServiceAdapter(c.Catalog, c.Ledger, c.Registry),
		HealthChecks:      c.HealthChecks,
		RunningJobs:       c.Orchestrator,
		MetricsHandler:    metrics.Handler(c.Metrics),
	})
}

// Scheduler は定期実行のスケジューラを構築する。
func (c *Components) Scheduler() (*schedule.Scheduler, error) {
	reaper := cleanup.NewCleanupJob(c.Jobs, c.Logger)
	if c.Config.StaleJobTimeout > 0 {
		reaper.Timeout = c.Config.StaleJobTimeout
	}

	return schedule.NewScheduler(c.Orchestrator, reaper, c.Logger, schedule.Config{
		UpdateSpec:      c.Config.UpdateSchedule,
		RediscoverySpec: c.Config.RediscoverySchedule,
		ReapSpec:        c.Config.ReaperSchedule,
		RunOnStart:      c.Config.ScheduleRunOnStart,
	})
}

// Close はレート制限のクリーンアップと外部接続を停止する。
func (c *Components) Close() error {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
