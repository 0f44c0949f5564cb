// Package schedule は価格更新・再探索・滞留ジョブ回収の定期実行を提供する。
// cron式で起動時刻を指定し、同一タスクの多重実行はスキップする。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/pricewatch/internal/model"
)

// Dispatcher は定期実行するジョブの起動インターフェース。orchestrator.Orchestratorが実装する。
type Dispatcher interface {
	DispatchUpdate(ctx context.Context, req model.UpdateRequest) (*model.Job, error)
	DispatchRediscoveryAll(ctx context.Context) ([]*model.Job, error)
}

// Reaper は滞留ジョブの回収インターフェース。cleanup.CleanupJobが実装する。
type Reaper interface {
	Run(ctx context.Context) error
}

// Config はスケジュール設定を保持する。空のcron式のタスクは登録しない。
type Config struct {
	UpdateSpec      string // 全ソース価格更新のcron式
	RediscoverySpec string // 再探索のcron式
	ReapSpec        string // 滞留ジョブ回収のcron式
	RunOnStart      bool   // 起動直後に1回実行する
}

// DefaultConfig はデフォルトのスケジュール設定を返す。
func DefaultConfig() Config {
	return Config{
		UpdateSpec:      "0 */6 * * *",
		RediscoverySpec: "30 3 * * *",
		ReapSpec:        "*/10 * * * *",
		RunOnStart:      true,
	}
}

// Scheduler はcron式に従ってジョブを起動する。
type Scheduler struct {
	dispatcher Dispatcher
	reaper     Reaper
	logger     *slog.Logger
	cfg        Config
	cron       *cron.Cron
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// cron式が不正な場合はエラーを返す。reaperはnilでもよい。
func NewScheduler(dispatcher Dispatcher, reaper Reaper, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		dispatcher: dispatcher,
		reaper:     reaper,
		logger:     logger,
		cfg:        cfg,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	tasks := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"update", cfg.UpdateSpec, s.RunUpdate},
		{"rediscovery", cfg.RediscoverySpec, s.RunRediscovery},
		{"reap", cfg.ReapSpec, s.RunReap},
	}
	for _, task := range tasks {
		if task.spec == "" {
			continue
		}
		if task.name == "reap" && reaper == nil {
			continue
		}
		run := task.run
		name := task.name
		if _, err := s.cron.AddFunc(task.spec, func() { s.runTask(context.Background(), name, run) }); err != nil {
			return nil, fmt.Errorf("cron式が不正です (%s=%q): %w", task.name, task.spec, err)
		}
	}
	return s, nil
}

// Entries は登録済みのタスク数を返す。
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start はスケジューラを起動し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のタスクの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("スケジューラを開始しました",
		slog.String("update_spec", s.cfg.UpdateSpec),
		slog.String("rediscovery_spec", s.cfg.RediscoverySpec),
		slog.String("reap_spec", s.cfg.ReapSpec),
		slog.Int("entries", s.Entries()),
	)

	// 起動直後に1回実行
	if s.cfg.RunOnStart {
		s.RunOnce(ctx)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("スケジューラを停止しました")
}

// RunOnce は滞留ジョブ回収、価格更新、再探索を1回ずつ順に実行する。
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.reaper != nil {
		s.runTask(ctx, "reap", s.RunReap)
	}
	s.runTask(ctx, "update", s.RunUpdate)
	s.runTask(ctx, "rediscovery", s.RunRediscovery)
}

// RunUpdate は更新対象の全ソースの価格更新ジョブを実行する。
// 対象ソースがない場合はエラーにしない。
func (s *Scheduler) RunUpdate(ctx context.Context) error {
	job, err := s.dispatcher.DispatchUpdate(ctx, model.UpdateRequest{All: true})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeNoSources {
			s.logger.Info("更新対象のソースはありません")
			return nil
		}
		return err
	}
	s.logger.Info("価格更新ジョブが完了しました",
		slog.String("job_id", job.ID),
		slog.Int("updated", job.Result.Updated),
		slog.Int("failed", job.Result.Failed),
		slog.Int("skipped", job.Result.Skipped),
	)
	return nil
}

// RunRediscovery は再探索が必要な全ソースの再探索ジョブを実行する。
func (s *Scheduler) RunRediscovery(ctx context.Context) error {
	jobs, err := s.dispatcher.DispatchRediscoveryAll(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		s.logger.Info("再探索対象のソースはありません")
		return nil
	}

	succeeded := 0
	for _, job := range jobs {
		if job.Status == model.JobStatusCompleted {
			succeeded++
		}
	}
	s.logger.Info("再探索ジョブが完了しました",
		slog.Int("job_count", len(jobs)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", len(jobs)-succeeded),
	)
	return nil
}

// RunReap は滞留ジョブの回収を実行する。
func (s *Scheduler) RunReap(ctx context.Context) error {
	if s.reaper == nil {
		return nil
	}
	return s.reaper.Run(ctx)
}

func (s *Scheduler) runTask(ctx context.Context, name string, run func(ctx context.Context) error) {
	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("定期タスクの実行に失敗しました",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("定期タスクが完了しました",
		slog.String("task", name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// cronLogger はcron.Loggerをslogに適合させる。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err.Error())...)
}
