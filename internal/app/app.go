package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/pricewatch/internal/config"
	"github.com/hitoshi/pricewatch/internal/database"
	"github.com/hitoshi/pricewatch/internal/logger"
	"github.com/hitoshi/pricewatch/internal/seed"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage", cfg.StorageDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSeed:
		if len(args) < 2 {
			return errors.New("usage: pricewatch seed <file.yaml>")
		}
		return runSeed(ctx, cfg, args[1])
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、ctxがキャンセルされるとグレースフルシャットダウンを行う。
// メモリストレージの場合は別プロセスのワーカーと状態を共有できないため、スケジューラも同じプロセスで起動する。
func runServe(ctx context.Context, cfg *config.Config) error {
	c, err := Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	schedDone := make(chan struct{})
	if cfg.UsesMemoryStorage() {
		sched, err := c.Scheduler()
		if err != nil {
			return err
		}
		go func() {
			defer close(schedDone)
			sched.Start(ctx)
		}()
	} else {
		close(schedDone)
	}

	return serve(ctx, server, schedDone)
}

// serve はctxがキャンセルされるまでHTTPサーバーを実行する。
func serve(ctx context.Context, server *http.Server, background <-chan struct{}) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-background

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 価格更新・再探索・滞留ジョブ回収のスケジューラをctxがキャンセルされるまで実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	c, err := Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	sched, err := c.Scheduler()
	if err != nil {
		return err
	}

	slog.Info("worker starting",
		slog.String("update_schedule", cfg.UpdateSchedule),
		slog.String("rediscovery_schedule", cfg.RediscoverySchedule),
		slog.Int("max_concurrent", cfg.UpdateMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	sched.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UsesMemoryStorage() {
		return errors.New("migrate requires STORAGE_DRIVER=postgres")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL, slog.Default()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runSeed はYAMLファイルのソースを登録する。登録済みのURLは読み飛ばす。
func runSeed(ctx context.Context, cfg *config.Config, path string) error {
	f, err := seed.Load(path)
	if err != nil {
		return err
	}

	c, err := Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := seed.Apply(ctx, c.Registry, f, c.Logger)
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}

	slog.Info("seed completed",
		slog.String("file", path),
		slog.Int("created", res.Created),
		slog.Int("existing", res.Existing),
		slog.Int("invalid", res.Invalid),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
