// Package cleanup は滞留ジョブの回収ジョブを提供する。
// プロセス停止などでrunningのまま残ったジョブを一定時間経過後にfailedへ進める。
// 状態遷移は前進のみで、pendingへ戻すことはない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleMessage は回収したジョブの結果に記録するエラーメッセージ。
const StaleMessage = "ジョブが制限時間内に完了しなかったため失敗として回収しました"

// StaleJobFailer はrunningのまま滞留したジョブをfailedにするインターフェース。
// repository.JobRepositoryが実装する。
type StaleJobFailer interface {
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// CleanupJob は滞留ジョブの回収ジョブ。
// 冪等で、回収対象がない場合でもエラーにならない。
type CleanupJob struct {
	jobs    StaleJobFailer
	logger  *slog.Logger
	Timeout time.Duration // runningのまま許容する時間（デフォルト: 1時間）
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの許容時間は1時間。
func NewCleanupJob(jobs StaleJobFailer, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		jobs:    jobs,
		logger:  logger,
		Timeout: time.Hour,
		now:     time.Now,
	}
}

// Run はstarted_atがTimeoutより前のrunningジョブをfailedにする。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.Timeout)

	reaped, err := j.jobs.FailStale(ctx, cutoff, StaleMessage)
	if err != nil {
		j.logger.Error("滞留ジョブの回収に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("timeout", j.Timeout),
		)
		return fmt.Errorf("滞留ジョブの回収に失敗: %w", err)
	}

	j.logger.Info("滞留ジョブの回収が完了しました",
		slog.Int64("reaped_count", reaped),
		slog.Duration("timeout", j.Timeout),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
