// Package recipe は再探索ジョブで使う抽出レシピを生成する。
package recipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/model"
)

// maxSelectorsPerField はフィールドごとに保存するセレクタ候補の上限。
const maxSelectorsPerField = 3

// ErrNoRecipe は必須フィールドを取り出せるセレクタが見つからない場合に返される。
var ErrNoRecipe = errors.New("no working selectors found")

// metaSelectors はメタタグを直接参照するセレクタ候補。
// 汎用候補より後に試す。
var metaSelectors = map[string][]string{
	model.FieldName: {
		"meta[property='og:title']",
	},
	model.FieldPrice: {
		"meta[property='product:price:amount']",
		"meta[property='og:price:amount']",
	},
	model.FieldCurrency: {
		"meta[property='product:price:currency']",
		"meta[property='og:price:currency']",
	},
	model.FieldImage: {
		"meta[property='og:image']",
	},
	model.FieldDescription: {
		"meta[property='og:description']",
		"meta[name='description']",
	},
}

// Generator はソースの新しい抽出レシピを生成するインターフェース。
type Generator interface {
	Generate(ctx context.Context, src *model.Source) (model.ScrapeConfig, error)
}

// PageFetcher はページ取得のインターフェース。
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*extractor.Page, *model.ExtractionFailure)
}

// Heuristic はページを取得し、既知のセレクタ候補のうち値が得られるものを採用する生成器。
type Heuristic struct {
	fetcher PageFetcher
	logger  *slog.Logger
}

var _ Generator = (*Heuristic)(nil)

// NewHeuristic はHeuristicを生成する。
func NewHeuristic(fetcher PageFetcher, logger *slog.Logger) *Heuristic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heuristic{fetcher: fetcher, logger: logger}
}

// Generate はソースのページに一致するセレクタでレシピを組み立てる。
// 既存レシピのセレクタで現在も一致するものは優先して残す。
// 組み立てたレシピで実際に抽出できることを確認してから返す。
func (h *Heuristic) Generate(ctx context.Context, src *model.Source) (model.ScrapeConfig, error) {
	page, failure := h.fetcher.Fetch(ctx, src.URL)
	if failure != nil {
		return model.ScrapeConfig{}, fmt.Errorf("ページの取得に失敗しました: %w", failure)
	}

	cfg := model.ScrapeConfig{
		ScriptType: model.ScriptTypeSelectors,
		Selectors:  make(map[string][]string),
	}
	for _, field := range fieldOrder {
		candidates := candidatesFor(field, src.ScrapeConfig.Selectors[field])
		if found := working(page, field, candidates); len(found) > 0 {
			cfg.Selectors[field] = found
		}
	}

	if !cfg.HasSelectors(model.FieldName) || !cfg.HasSelectors(model.FieldPrice) {
		return model.ScrapeConfig{}, ErrNoRecipe
	}
	if _, failure := extractor.Apply(page, cfg); failure != nil {
		return model.ScrapeConfig{}, fmt.Errorf("生成したレシピで抽出できません: %w", failure)
	}

	h.logger.Info("recipe generated",
		slog.String("source_id", src.ID),
		slog.String("url", src.URL),
		slog.Int("fields", len(cfg.Selectors)),
	)
	return cfg, nil
}

var fieldOrder = []string{
	model.FieldName,
	model.FieldPrice,
	model.FieldCurrency,
	model.FieldOriginalPrice,
	model.FieldInStock,
	model.FieldImage,
	model.FieldDescription,
}

// candidatesFor は既存・汎用・メタタグの順で重複なく候補を並べる。
func candidatesFor(field string, existing []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{existing, extractor.GenericSelectors[field], metaSelectors[field]} {
		for _, raw := range group {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if _, dup := seen[raw]; dup {
				continue
			}
			seen[raw] = struct{}{}
			out = append(out, raw)
		}
	}
	return out
}

// working はページ上で有効な値が得られる候補を最大maxSelectorsPerField件返す。
func working(page *extractor.Page, field string, candidates []string) []string {
	var found []string
	for _, raw := range candidates {
		v, ok := extractor.ParseSelector(raw).Lookup(page.Doc)
		if !ok {
			continue
		}
		if field == model.FieldPrice || field == model.FieldOriginalPrice {
			price, err := extractor.ParsePrice(v)
			if err != nil || price.IsNegative() {
				continue
			}
		}
		found = append(found, raw)
		if len(found) == maxSelectorsPerField {
			break
		}
	}
	return found
}
