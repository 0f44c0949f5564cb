package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/model"
)

// DispatchUpdate は価格更新ジョブを実行し、終了したジョブを返す。
// Allの場合は更新対象のソースを鮮度の古い順に、そうでなければ指定IDのソースを処理する。
// 対象ソースが1件もない場合はジョブをfailedで終了し、原因のAPIErrorを返す。
func (o *Orchestrator) DispatchUpdate(ctx context.Context, req model.UpdateRequest) (*model.Job, error) {
	ids := dedupe(req.SourceIDs)
	if !req.All && len(ids) == 0 {
		return nil, model.NewInvalidInputError("sourceIds または all を指定してください")
	}

	// ジョブのsource_idは存在が確認できた単一ソースにのみ紐づける
	sources, unknown, resolveErr := o.resolveSources(ctx, req.All, ids)
	var boundSource string
	if !req.All && len(ids) == 1 && len(sources) == 1 {
		boundSource = sources[0].ID
	}
	r, err := o.start(ctx, model.JobTypeUpdate, boundSource, "")
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		r.update(func(res *model.JobResult) {
			res.Failed += len(unknown)
			res.Errors = append(res.Errors, unknown...)
		})
	}

	if resolveErr != nil {
		o.logger.Error("failed to resolve update targets",
			slog.String("job_id", r.job.ID),
			slog.String("error", resolveErr.Error()),
		)
		return o.fail(ctx, r, apiErrorOf(resolveErr, "対象ソースの取得に失敗しました"))
	}
	if len(sources) == 0 {
		return o.fail(ctx, r, model.NewNoSourcesError())
	}

	o.forEach(ctx, r, len(sources), func(i int) {
		o.updateSource(ctx, r, sources[i])
	})
	return o.finish(ctx, r, model.JobStatusCompleted)
}

// resolveSources は更新対象のソースを解決する。
// 存在しないIDはUnknownSourceのエラーとして返し、残りのソースで処理を継続する。
func (o *Orchestrator) resolveSources(ctx context.Context, all bool, ids []string) ([]*model.Source, []model.JobError, error) {
	if all {
		sources, err := o.registry.ListActionable(ctx, model.JobTypeUpdate)
		return sources, nil, err
	}

	sources := make([]*model.Source, 0, len(ids))
	var unknown []model.JobError
	for _, id := range ids {
		src, err := o.registry.Get(ctx, id)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeUnknownSource {
				unknown = append(unknown, model.JobError{SourceID: id, Code: apiErr.Code, Message: apiErr.Message})
				continue
			}
			return nil, unknown, err
		}
		sources = append(sources, src)
	}
	return sources, unknown, nil
}

// updateSource は1ソースの抽出と書き込みをロックを保持したまま行う。
func (o *Orchestrator) updateSource(ctx context.Context, r *run, src *model.Source) {
	token, err := o.acquire(ctx, src.URL, src.ID)
	if err != nil {
		o.recordLockError(r, src.ID, src.URL, err)
		return
	}
	defer o.release(ctx, token)

	// ロック待ちの間に他ジョブが更新した健全性・レシピを反映する
	if fresh, err := o.registry.Get(context.WithoutCancel(ctx), src.ID); err == nil {
		if actionable(src) && !actionable(fresh) {
			r.update(func(jr *model.JobResult) {
				jr.Skipped++
				jr.Errors = append(jr.Errors, errorEntry(src.ID, src.URL, model.NewSourceUnavailableError(src.ID)))
			})
			o.logger.Info("source no longer actionable after lock wait",
				slog.String("job_id", r.job.ID),
				slog.String("source_id", src.ID),
				slog.Bool("is_active", fresh.IsActive),
				slog.Bool("needs_rediscovery", fresh.NeedsRediscovery),
			)
			return
		}
		src = fresh
	}

	res := o.extract(ctx, extractor.Target{URL: src.URL, Config: src.ScrapeConfig})
	if !res.Success {
		o.recordFailure(ctx, src, res)
		r.update(func(jr *model.JobResult) {
			jr.Failed++
			jr.Errors = append(jr.Errors, failureEntry(src, src.URL, res.Error))
		})
		o.logger.Warn("source extraction failed",
			slog.String("job_id", r.job.ID),
			slog.String("source_id", src.ID),
			slog.String("failure_type", string(res.Error.Type)),
		)
		return
	}

	if _, err := o.persist(ctx, src, res); err != nil {
		o.recordPersistError(ctx, r, src, err)
		return
	}
	r.update(func(jr *model.JobResult) {
		jr.Updated++
		jr.PricesUpdated++
	})
}

// recordLockError はロック取得の失敗をジョブ結果に記録する。
func (o *Orchestrator) recordLockError(r *run, sourceID, sourceURL string, err error) {
	var apiErr *model.APIError
	busy := errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSourceBusy
	r.update(func(jr *model.JobResult) {
		if busy {
			jr.Skipped++
		} else {
			jr.Failed++
		}
		jr.Errors = append(jr.Errors, errorEntry(sourceID, sourceURL, err))
	})
	if !busy {
		o.logger.Error("failed to acquire source lock",
			slog.String("job_id", r.job.ID),
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	}
}

// recordPersistError は抽出成功後の書き込み失敗を記録する。
// 抽出データが検証を通らない場合はdata_validationの失敗として健全性に反映する。
func (o *Orchestrator) recordPersistError(ctx context.Context, r *run, src *model.Source, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidInput {
		failure := &model.ExtractionFailure{Type: model.FailureDataValidation, Message: apiErr.Message}
		o.recordFailure(ctx, src, model.ScrapingResult{Error: failure, ExtractedAt: o.now()})
		r.update(func(jr *model.JobResult) {
			jr.Failed++
			jr.Errors = append(jr.Errors, failureEntry(src, src.URL, failure))
		})
		return
	}

	o.logger.Error("failed to persist extraction",
		slog.String("job_id", r.job.ID),
		slog.String("source_id", src.ID),
		slog.String("error", err.Error()),
	)
	r.update(func(jr *model.JobResult) {
		jr.Failed++
		jr.Errors = append(jr.Errors, errorEntry(src.ID, src.URL, err))
	})
}

// actionable は価格更新の対象となる状態かどうかを返す。
func actionable(src *model.Source) bool {
	return src.IsActive && !src.NeedsRediscovery
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
