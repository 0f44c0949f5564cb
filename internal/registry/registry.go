// Package registry はスクレイピングソースの登録と健全性管理を提供する。
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/repository"
)

// Registry はソースのライフサイクルと健全性フラグを管理する。
// 同一ソースへの書き込みは呼び出し側がロックテーブルで直列化する。
type Registry struct {
	sources repository.SourceRepository
	ids     idgen.Generator
	policy  Policy
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// New はRegistryを生成する。
func New(sources repository.SourceRepository, ids idgen.Generator, policy Policy, m metrics.MetricsCollector, logger *slog.Logger) *Registry {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sources: sources,
		ids:     ids,
		policy:  policy,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Policy は適用中の健全性ポリシーを返す。
func (r *Registry) Policy() Policy {
	return r.policy
}

// NormalizeURL はソースURLを検証し、URLと正規化済みドメインを返す。
// http/httpsかつホストが空でないことを要求する。ドメインは小文字化し先頭のwww.を除く。
func NormalizeURL(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", model.NewInvalidInputError("URLを指定してください")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", model.NewInvalidInputError("URLの形式が不正です")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", model.NewInvalidInputError("URLはhttpまたはhttpsである必要があります")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", model.NewInvalidInputError("URLにホストが含まれていません")
	}
	return trimmed, strings.TrimPrefix(host, "www."), nil
}

// Register はソースを登録する。
// URLが登録済みの場合はDuplicateSourceエラーを返す。
func (r *Registry) Register(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error) {
	sourceURL, domain, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if sourceType == "" {
		sourceType = model.SourceTypeCustom
	}
	if !sourceType.Valid() {
		return nil, model.NewInvalidInputError(fmt.Sprintf("不明なソース種別です: %s", sourceType))
	}

	config := model.ScrapeConfig{ScriptType: model.ScriptTypeSelectors}
	if cfg != nil {
		config = *cfg
		if config.ScriptType == "" {
			config.ScriptType = model.ScriptTypeSelectors
		}
	}
	config.SuccessRate = r.policy.NeutralPrior
	config.FailureCount = 0
	config.StructuralFailures = 0
	config.RediscoveryFailures = 0

	src := &model.Source{
		ID:           r.ids.NewID(),
		URL:          sourceURL,
		Domain:       domain,
		SourceType:   sourceType,
		ScrapeConfig: config,
		IsActive:     true,
		CreatedAt:    r.now(),
	}

	if err := r.sources.Create(ctx, src); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.NewDuplicateSourceError(sourceURL)
		}
		return nil, fmt.Errorf("ソースの登録に失敗しました: %w", err)
	}

	r.logger.Info("source registered",
		slog.String("source_id", src.ID),
		slog.String("domain", src.Domain),
		slog.String("source_type", string(src.SourceType)),
	)
	return src, nil
}

// Get は指定IDのソースを取得する。存在しない場合はUnknownSourceエラーを返す。
func (r *Registry) Get(ctx context.Context, id string) (*model.Source, error) {
	src, err := r.sources.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, model.NewUnknownSourceError(id)
	}
	return src, nil
}

// FindByURL はURLでソースを検索する。未登録の場合はnilを返す。
func (r *Registry) FindByURL(ctx context.Context, rawURL string) (*model.Source, error) {
	return r.sources.FindByURL(ctx, strings.TrimSpace(rawURL))
}

// List はソース一覧を返す。
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
	return r.sources.List(ctx, activeOnly)
}

// ListActionable はジョブ種別ごとの処理対象ソースを返す。
// updateは鮮度の古い順、rediscoveryは再探索フラグの立った有効ソース。
func (r *Registry) ListActionable(ctx context.Context, jobType model.JobType) ([]*model.Source, error) {
	switch jobType {
	case model.JobTypeUpdate:
		return r.sources.ListForUpdate(ctx)
	case model.JobTypeRediscovery:
		return r.sources.ListNeedingRediscovery(ctx)
	default:
		return nil, model.NewInvalidInputError(fmt.Sprintf("対象ソースを列挙できないジョブ種別です: %s", jobType))
	}
}

// RecordOutcome は抽出結果を健全性ポリシーに従って反映する。
func (r *Registry) RecordOutcome(ctx context.Context, sourceID string, outcome Outcome) (*model.Source, error) {
	src, err := r.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	tr := r.policy.Apply(src, outcome)
	if err := r.sources.UpdateHealth(ctx, src); err != nil {
		return nil, err
	}
	r.report(src, tr)
	return src, nil
}

// RecordRediscoveryFailure はレシピ再生成の失敗を記録する。
func (r *Registry) RecordRediscoveryFailure(ctx context.Context, sourceID, reason string) (*model.Source, error) {
	src, err := r.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	tr := r.policy.ApplyRediscoveryFailure(src)
	if err := r.sources.UpdateHealth(ctx, src); err != nil {
		return nil, err
	}
	r.logger.Warn("rediscovery failed",
		slog.String("source_id", src.ID),
		slog.Int("rediscovery_failures", src.ScrapeConfig.RediscoveryFailures),
		slog.String("reason", reason),
	)
	r.report(src, tr)
	return src, nil
}

// UpdateConfig は抽出レシピを置き換え、健全性を中立値に戻す。
func (r *Registry) UpdateConfig(ctx context.Context, sourceID string, cfg model.ScrapeConfig) (*model.Source, error) {
	src, err := r.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	r.policy.ApplyNewConfig(src, cfg, r.now())
	if err := r.sources.UpdateHealth(ctx, src); err != nil {
		return nil, err
	}
	r.logger.Info("scrape config regenerated", slog.String("source_id", src.ID))
	return src, nil
}

func (r *Registry) report(src *model.Source, tr Transition) {
	if tr.FlaggedRediscovery {
		r.metrics.RecordRediscoveryFlagged()
		r.logger.Warn("source flagged for rediscovery",
			slog.String("source_id", src.ID),
			slog.Float64("success_rate", src.ScrapeConfig.SuccessRate),
			slog.Int("structural_failures", src.ScrapeConfig.StructuralFailures),
		)
	}
	if tr.Deactivated {
		r.metrics.RecordSourceDeactivated()
		r.logger.Warn("source deactivated",
			slog.String("source_id", src.ID),
			slog.Int("failure_count", src.ScrapeConfig.FailureCount),
		)
	}
}
