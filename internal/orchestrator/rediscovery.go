package orchestrator

import (
	"context"
	"log/slog"

	"github.com/hitoshi/pricewatch/internal/model"
)

// DispatchRediscovery はソースの抽出レシピを再生成するジョブを実行する。
// 生成に成功すればレシピを置き換えてcompleted、失敗すれば再探索フラグを残したままfailedになる。
func (o *Orchestrator) DispatchRediscovery(ctx context.Context, sourceID string) (*model.Job, error) {
	src, lookupErr := o.registry.Get(ctx, sourceID)
	var boundSource string
	if lookupErr == nil {
		boundSource = src.ID
	}
	r, err := o.start(ctx, model.JobTypeRediscovery, boundSource, "")
	if err != nil {
		return nil, err
	}
	if lookupErr != nil {
		return o.failFor(ctx, r, sourceID, apiErrorOf(lookupErr, "ソースの取得に失敗しました"))
	}

	token, err := o.acquire(ctx, src.URL, src.ID)
	if err != nil {
		return o.fail(ctx, r, apiErrorOf(err, "ソースロックの取得に失敗しました"))
	}
	defer o.release(ctx, token)

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ExtractTimeout)
	defer cancel()

	cfg, genErr := o.recipes.Generate(genCtx, src)
	if genErr != nil {
		o.logger.Warn("recipe generation failed",
			slog.String("job_id", r.job.ID),
			slog.String("source_id", src.ID),
			slog.String("error", genErr.Error()),
		)
		if _, err := o.registry.RecordRediscoveryFailure(context.WithoutCancel(ctx), src.ID, genErr.Error()); err != nil {
			o.logger.Error("failed to record rediscovery failure",
				slog.String("source_id", src.ID),
				slog.String("error", err.Error()),
			)
		}
		return o.fail(ctx, r, model.NewRecipeFailedError(genErr.Error()))
	}

	if _, err := o.registry.UpdateConfig(context.WithoutCancel(ctx), src.ID, cfg); err != nil {
		o.logger.Error("failed to store regenerated recipe",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		return o.fail(ctx, r, apiErrorOf(err, "抽出レシピの保存に失敗しました"))
	}

	r.update(func(jr *model.JobResult) {
		jr.ScriptGenerated = true
		jr.Updated = 1
	})
	return o.finish(ctx, r, model.JobStatusCompleted)
}

// DispatchRediscoveryAll は再探索が必要なソースごとに再探索ジョブを実行する。
// 個々のジョブの失敗は戻り値のジョブに記録され、エラーにはならない。
func (o *Orchestrator) DispatchRediscoveryAll(ctx context.Context) ([]*model.Job, error) {
	sources, err := o.registry.ListActionable(ctx, model.JobTypeRediscovery)
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(sources))
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		job, err := o.DispatchRediscovery(ctx, src.ID)
		if job == nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
