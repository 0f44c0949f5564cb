// Package orchestrator はスクレイピングジョブ（探索・価格更新・再探索）の
// 生成・実行・終了を管理する。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/pricewatch/internal/catalog"
	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/ledger"
	"github.com/hitoshi/pricewatch/internal/lock"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/recipe"
	"github.com/hitoshi/pricewatch/internal/registry"
	"github.com/hitoshi/pricewatch/internal/repository"
	"github.com/hitoshi/pricewatch/internal/search"
)

// BusyPolicy はロック中のソースに対する振る舞い。
type BusyPolicy string

const (
	// BusySkip はロック中のソースを「source busy」として読み飛ばす。
	BusySkip BusyPolicy = "skip"
	// BusyWait はロックが解放されるまで待機する。
	BusyWait BusyPolicy = "wait"
)

// ParseBusyPolicy は設定値をBusyPolicyに変換する。不明な値はskipとする。
func ParseBusyPolicy(s string) BusyPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(BusyWait)) {
		return BusyWait
	}
	return BusySkip
}

const (
	// DefaultMaxConcurrent は同時に実行する抽出数の既定値。
	DefaultMaxConcurrent = 5
	// DefaultExtractTimeout は1回の抽出の既定タイムアウト。
	DefaultExtractTimeout = 30 * time.Second
	// DefaultDiscoveryMaxCandidates は探索で試す候補URL数の既定値。
	DefaultDiscoveryMaxCandidates = 10
	// MaxQueryLength は探索クエリの最大文字数。
	MaxQueryLength = 512
	// jobCancelledMessage は取り消されたジョブの結果に記録するメッセージ。
	jobCancelledMessage = "job cancelled"
)

// Config はOrchestratorの動作設定。
type Config struct {
	MaxConcurrent          int
	ExtractTimeout         time.Duration
	BusyPolicy             BusyPolicy
	DiscoveryMaxCandidates int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = DefaultExtractTimeout
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = BusySkip
	}
	if c.DiscoveryMaxCandidates <= 0 {
		c.DiscoveryMaxCandidates = DefaultDiscoveryMaxCandidates
	}
	return c
}

// Deps はOrchestratorが利用するコンポーネント。
type Deps struct {
	Jobs      repository.JobRepository
	Registry  *registry.Registry
	Catalog   *catalog.Catalog
	Ledger    *ledger.Ledger
	Locks     lock.Table
	Extractor extractor.Extractor
	Search    search.Provider
	Recipes   recipe.Generator
	IDs       idgen.Generator
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
}

// Orchestrator はジョブの状態機械と抽出の並列実行を管理する。
// 同一ソースの抽出・価格追記・健全性記録はロックテーブルで1つに限定する。
type Orchestrator struct {
	jobs      repository.JobRepository
	registry  *registry.Registry
	catalog   *catalog.Catalog
	ledger    *ledger.Ledger
	locks     lock.Table
	extractor extractor.Extractor
	search    search.Provider
	recipes   recipe.Generator
	ids       idgen.Generator
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*run
}

// New はOrchestratorを生成する。
func New(deps Deps, cfg Config) *Orchestrator {
	o := &Orchestrator{
		jobs:      deps.Jobs,
		registry:  deps.Registry,
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		locks:     deps.Locks,
		extractor: deps.Extractor,
		search:    deps.Search,
		recipes:   deps.Recipes,
		ids:       deps.IDs,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		running:   make(map[string]*run),
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// acquire はBusyPolicyに従ってソースのロックを取得する。
// 取得できなかった場合はSourceBusyエラーを返す。
func (o *Orchestrator) acquire(ctx context.Context, sourceURL, sourceID string) (lock.Token, error) {
	key := lock.SourceKey(sourceURL)
	var (
		token lock.Token
		err   error
	)
	if o.cfg.BusyPolicy == BusyWait {
		token, err = o.locks.Acquire(ctx, key)
	} else {
		token, err = o.locks.TryAcquire(ctx, key)
	}
	if err == nil {
		return token, nil
	}
	if errors.Is(err, lock.ErrBusy) || ctx.Err() != nil {
		o.metrics.RecordSourceBusy()
		id := sourceID
		if id == "" {
			id = sourceURL
		}
		return lock.Token{}, model.NewSourceBusyError(id)
	}
	return lock.Token{}, fmt.Errorf("ソースロックの取得に失敗しました: %w", err)
}

func (o *Orchestrator) release(ctx context.Context, token lock.Token) {
	if err := o.locks.Release(context.WithoutCancel(ctx), token); err != nil {
		o.logger.Error("failed to release source lock",
			slog.String("key", token.Key),
			slog.String("error", err.Error()),
		)
	}
}

// extract は呼び出し元の取り消しから切り離し、タイムアウト付きで抽出を実行する。
// 価格レコードとして検証を通らないデータはdata_validationの失敗に置き換える。
func (o *Orchestrator) extract(ctx context.Context, target extractor.Target) model.ScrapingResult {
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ExtractTimeout)
	defer cancel()

	start := time.Now()
	res := o.extractor.Extract(exCtx, target)
	o.metrics.RecordExtractionLatency(time.Since(start))

	if res.ExtractedAt.IsZero() {
		res.ExtractedAt = o.now()
	}
	if res.Success && res.Data == nil {
		res = model.Failed(model.FailureDataValidation, "抽出結果に商品データがありません", res.ExtractedAt)
	} else if res.Success {
		if err := ledger.Validate(*res.Data, res.ExtractedAt); err != nil {
			res = model.Failed(model.FailureDataValidation, apiErrorOf(err, "抽出データが不正です").Message, res.ExtractedAt)
		}
	}
	if !res.Success && res.Error == nil {
		res.Error = &model.ExtractionFailure{Type: model.FailureNetworkError, Message: "抽出に失敗しました"}
	}

	if res.Success {
		o.metrics.RecordExtraction(metrics.OutcomeSuccess)
	} else {
		o.metrics.RecordExtraction(string(res.Error.Type))
	}
	return res
}

// persisted は抽出成功時の書き込み結果。
type persisted struct {
	source  *model.Source
	product *model.Product
	price   *model.Price
}

// persist は検証、カタログ登録、価格追記、健全性記録の順に書き込む。
// 検証に失敗したデータではカタログを変更しない。価格行は必ず健全性記録より先に書かれる。
func (o *Orchestrator) persist(ctx context.Context, src *model.Source, res model.ScrapingResult) (*persisted, error) {
	ctx = context.WithoutCancel(ctx)
	data := *res.Data

	if err := ledger.Validate(data, res.ExtractedAt); err != nil {
		return nil, err
	}
	product, err := o.catalog.Upsert(ctx, data, src.ID, externalID(data, src.URL))
	if err != nil {
		return nil, err
	}
	price, err := o.ledger.Append(ctx, product.ID, src.ID, data, res.ExtractedAt)
	if err != nil {
		return nil, err
	}
	updated, err := o.registry.RecordOutcome(ctx, src.ID, registry.Outcome{Success: true, At: res.ExtractedAt})
	if err != nil {
		// 価格は保存済みのため、lastScrapedAtは次回の成功で追いつく
		o.logger.Error("failed to record source outcome",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
		updated = src
	}
	return &persisted{source: updated, product: product, price: price}, nil
}

// recordFailure は抽出失敗を健全性ポリシーに反映する。
func (o *Orchestrator) recordFailure(ctx context.Context, src *model.Source, res model.ScrapingResult) {
	_, err := o.registry.RecordOutcome(context.WithoutCancel(ctx), src.ID, registry.Outcome{
		FailureType: res.Error.Type,
		At:          res.ExtractedAt,
	})
	if err != nil {
		o.logger.Error("failed to record source outcome",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
}

// externalID はソース上の商品識別子を返す。抽出データにない場合はソースURLを使う。
func externalID(data model.ProductData, sourceURL string) string {
	if id := strings.TrimSpace(data.ExternalID); id != "" {
		return id
	}
	return sourceURL
}

// failureEntry は抽出失敗をジョブ結果のエラーに変換する。
func failureEntry(src *model.Source, sourceURL string, f *model.ExtractionFailure) model.JobError {
	e := model.JobError{
		URL:     sourceURL,
		Code:    model.ErrCodeExtractionFailure,
		Type:    f.Type,
		Message: f.Message,
	}
	if src != nil {
		e.SourceID = src.ID
	}
	return e
}

// errorEntry は任意のエラーをジョブ結果のエラーに変換する。
// APIError以外は内部詳細を含めない。
func errorEntry(sourceID, sourceURL string, err error) model.JobError {
	e := model.JobError{SourceID: sourceID, URL: sourceURL}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.Code
		e.Message = apiErr.Message
		return e
	}
	e.Code = model.ErrCodeInternal
	e.Message = "内部エラーが発生しました"
	return e
}

// apiErrorOf はerrをAPIErrorとして取り出す。APIError以外はmessageを持つ内部エラーに置き換える。
func apiErrorOf(err error, message string) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &model.APIError{Code: model.ErrCodeInternal, Message: message, Category: "system"}
}
