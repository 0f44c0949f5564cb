package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/search"
)

// DiscoveryResult は探索で価格を取得できた候補1件。
type DiscoveryResult struct {
	URL       string
	Title     string
	Price     string
	Currency  string
	Domain    string
	Snippet   string
	SourceID  string
	ProductID string
}

// DispatchDiscovery は検索語から候補URLを探索し、抽出できたものをソース・商品・価格として登録する。
// 候補ごとの失敗は結果に記録するだけでジョブは完了する。
// 検索語が不正な場合と検索自体が失敗した場合はジョブをfailedで終了し、原因のAPIErrorを返す。
func (o *Orchestrator) DispatchDiscovery(ctx context.Context, query string) (*model.Job, []DiscoveryResult, error) {
	trimmed := strings.TrimSpace(query)
	r, err := o.start(ctx, model.JobTypeDiscovery, "", trimmed)
	if err != nil {
		return nil, nil, err
	}

	if trimmed == "" {
		job, err := o.fail(ctx, r, model.NewInvalidInputError("検索語が空です"))
		return job, nil, err
	}
	if utf8.RuneCountInString(trimmed) > MaxQueryLength {
		job, err := o.fail(ctx, r, model.NewInvalidInputError("検索語が長すぎます"))
		return job, nil, err
	}

	candidates, err := o.search.Search(ctx, trimmed, o.cfg.DiscoveryMaxCandidates)
	if err != nil {
		o.logger.Error("candidate search failed",
			slog.String("job_id", r.job.ID),
			slog.String("error", err.Error()),
		)
		reason := "検索サービスが応答しませんでした"
		if errors.Is(err, search.ErrNotConfigured) {
			reason = "検索サービスが設定されていません"
		}
		job, err := o.fail(ctx, r, model.NewSearchFailedError(reason))
		return job, nil, err
	}
	if len(candidates) > o.cfg.DiscoveryMaxCandidates {
		candidates = candidates[:o.cfg.DiscoveryMaxCandidates]
	}

	found := make([]*DiscoveryResult, len(candidates))
	o.forEach(ctx, r, len(candidates), func(i int) {
		found[i] = o.discoverCandidate(ctx, r, candidates[i])
	})

	results := make([]DiscoveryResult, 0, len(candidates))
	for _, res := range found {
		if res != nil {
			results = append(results, *res)
		}
	}

	job, err := o.finish(ctx, r, model.JobStatusCompleted)
	if err != nil {
		return nil, nil, err
	}
	return job, results, nil
}

// discoverCandidate は候補URL1件を抽出し、成功した場合はソース登録から価格追記までを行う。
// 既知のソースであれば保存済みレシピを、未知であれば汎用レシピを使う。
func (o *Orchestrator) discoverCandidate(ctx context.Context, r *run, cand search.Candidate) *DiscoveryResult {
	known, err := o.registry.FindByURL(ctx, cand.URL)
	if err != nil {
		r.update(func(jr *model.JobResult) {
			jr.Failed++
			jr.Errors = append(jr.Errors, errorEntry("", cand.URL, err))
		})
		return nil
	}

	knownID := ""
	if known != nil {
		knownID = known.ID
	}
	token, err := o.acquire(ctx, cand.URL, knownID)
	if err != nil {
		o.recordLockError(r, knownID, cand.URL, err)
		return nil
	}
	defer o.release(ctx, token)

	cfg := extractor.GenericConfig()
	if known != nil {
		if fresh, err := o.registry.Get(context.WithoutCancel(ctx), known.ID); err == nil {
			known = fresh
		}
		cfg = known.ScrapeConfig
	}

	res := o.extract(ctx, extractor.Target{URL: cand.URL, Config: cfg})
	if !res.Success {
		if known != nil {
			o.recordFailure(ctx, known, res)
		}
		r.update(func(jr *model.JobResult) {
			jr.Failed++
			jr.Errors = append(jr.Errors, failureEntry(known, cand.URL, res.Error))
		})
		return nil
	}

	src := known
	if src == nil {
		src, err = o.registerCandidate(ctx, cand.URL)
		if err != nil {
			r.update(func(jr *model.JobResult) {
				jr.Failed++
				jr.Errors = append(jr.Errors, errorEntry("", cand.URL, err))
			})
			return nil
		}
	}

	p, err := o.persist(ctx, src, res)
	if err != nil {
		o.recordPersistError(ctx, r, src, err)
		return nil
	}
	r.update(func(jr *model.JobResult) {
		jr.ProductsFound++
		jr.PricesUpdated++
	})

	title := cand.Title
	if title == "" {
		title = p.product.Name
	}
	return &DiscoveryResult{
		URL:       cand.URL,
		Title:     title,
		Price:     p.price.Price.StringFixed(2),
		Currency:  p.price.Currency,
		Domain:    src.Domain,
		Snippet:   cand.Snippet,
		SourceID:  src.ID,
		ProductID: p.product.ID,
	}
}

// registerCandidate は候補URLを汎用レシピのソースとして登録する。
// 並行して登録済みになっていた場合は既存のソースを返す。
func (o *Orchestrator) registerCandidate(ctx context.Context, rawURL string) (*model.Source, error) {
	ctx = context.WithoutCancel(ctx)
	cfg := extractor.GenericConfig()
	src, err := o.registry.Register(ctx, rawURL, model.SourceTypeCustom, &cfg)
	if err == nil {
		return src, nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeDuplicateSource {
		existing, findErr := o.registry.FindByURL(ctx, rawURL)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, err
}
