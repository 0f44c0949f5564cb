package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/pricewatch/internal/model"
)

// run は実行中ジョブの取り消しフラグと集計結果を保持する。
type run struct {
	job       *model.Job
	cancelled atomic.Bool

	mu     sync.Mutex
	result model.JobResult
}

// stopped は取り消し要求または呼び出し元コンテキストの終了を確認する。
func (r *run) stopped(ctx context.Context) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

func (r *run) update(fn func(res *model.JobResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.result)
}

func (r *run) addError(e model.JobError) {
	r.update(func(res *model.JobResult) {
		res.Errors = append(res.Errors, e)
	})
}

func (r *run) snapshot() model.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Errors = append([]model.JobError(nil), r.result.Errors...)
	return res
}

// start はpendingのジョブを作成し、runningへ遷移させる。
func (o *Orchestrator) start(ctx context.Context, jobType model.JobType, sourceID, query string) (*run, error) {
	ctx = context.WithoutCancel(ctx)
	now := o.now()
	job := &model.Job{
		ID:        o.ids.NewID(),
		SourceID:  sourceID,
		Status:    model.JobStatusPending,
		JobType:   jobType,
		Query:     query,
		CreatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}

	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	if err := o.jobs.Transition(ctx, job, model.JobStatusPending); err != nil {
		return nil, fmt.Errorf("ジョブの開始に失敗しました: %w", err)
	}

	r := &run{job: job}
	o.mu.Lock()
	o.running[job.ID] = r
	o.mu.Unlock()

	o.logger.Info("job started",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(jobType)),
	)
	return r, nil
}

// finish はジョブを終了状態へ遷移させ、集計結果を保存する。
// 取り消されたジョブは完了扱いとし、取り消しをエラーとして記録する。
func (o *Orchestrator) finish(ctx context.Context, r *run, status model.JobStatus) (*model.Job, error) {
	ctx = context.WithoutCancel(ctx)
	o.mu.Lock()
	delete(o.running, r.job.ID)
	o.mu.Unlock()

	if r.cancelled.Load() && status == model.JobStatusCompleted {
		r.update(func(res *model.JobResult) {
			res.Cancelled = true
			res.Errors = append(res.Errors, model.JobError{
				Code:    model.ErrCodeJobCancelled,
				Message: jobCancelledMessage,
			})
		})
	}

	job := *r.job
	now := o.now()
	job.Status = status
	job.Result = r.snapshot()
	job.CompletedAt = &now
	if err := o.jobs.Transition(ctx, &job, model.JobStatusRunning); err != nil {
		return nil, fmt.Errorf("ジョブの終了に失敗しました: %w", err)
	}

	o.metrics.RecordJob(string(job.JobType), string(status))
	o.logger.Info("job finished",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.String("status", string(status)),
		slog.Int("updated", job.Result.Updated),
		slog.Int("failed", job.Result.Failed),
		slog.Int("skipped", job.Result.Skipped),
		slog.Int("products_found", job.Result.ProductsFound),
		slog.Int("errors", len(job.Result.Errors)),
	)
	return &job, nil
}

// fail はジョブ全体の致命的な失敗を記録してfailedで終了する。
// 終了したジョブと原因のエラーを返す。
func (o *Orchestrator) fail(ctx context.Context, r *run, cause *model.APIError) (*model.Job, error) {
	return o.failFor(ctx, r, r.job.SourceID, cause)
}

// failFor はsourceIDを付けて原因を記録し、failedで終了する。
// ジョブに紐づけられなかったソースの失敗に使う。
func (o *Orchestrator) failFor(ctx context.Context, r *run, sourceID string, cause *model.APIError) (*model.Job, error) {
	r.addError(model.JobError{SourceID: sourceID, Code: cause.Code, Message: cause.Message})
	job, err := o.finish(ctx, r, model.JobStatusFailed)
	if err != nil {
		return nil, err
	}
	return job, cause
}

// Cancel は実行中のジョブに取り消しを要求する。
// 実行中の抽出は完了まで続き、未着手のソースは処理されない。
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.running[jobID]
	o.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		o.logger.Info("job cancellation requested", slog.String("job_id", jobID))
		return nil
	}

	job, err := o.jobs.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return model.NewUnknownJobError(jobID)
	}
	return model.NewJobNotRunningError(jobID)
}

// Job は指定IDのジョブを返す。
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := o.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, model.NewUnknownJobError(jobID)
	}
	return job, nil
}

// Jobs はジョブを新しい順に最大limit件返す。
func (o *Orchestrator) Jobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return o.jobs.List(ctx, limit)
}

// Running は実行中のジョブ数を返す。
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// forEach はsemaphoreパターンで最大並列数を制御しながらfnを実行し、すべての完了を待つ。
// 取り消し後は新しい要素を開始しない。
func (o *Orchestrator) forEach(ctx context.Context, r *run, n int, fn func(i int)) {
	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if r.stopped(ctx) {
			r.cancelled.Store(true)
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if r.stopped(ctx) {
				r.cancelled.Store(true)
				return
			}
			fn(i)
		}(i)
	}
	wg.Wait()
}
