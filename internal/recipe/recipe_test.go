package recipe

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/model"
)

type mockFetcher struct {
	fetchFn func(ctx context.Context, rawURL string) (*extractor.Page, *model.ExtractionFailure)
}

func (m *mockFetcher) Fetch(ctx context.Context, rawURL string) (*extractor.Page, *model.ExtractionFailure) {
	return m.fetchFn(ctx, rawURL)
}

func pageFetcher(t *testing.T, html string) *mockFetcher {
	t.Helper()
	return &mockFetcher{
		fetchFn: func(_ context.Context, rawURL string) (*extractor.Page, *model.ExtractionFailure) {
			page, err := extractor.NewPage(rawURL, []byte(html))
			if err != nil {
				t.Fatalf("ページの生成に失敗しました: %v", err)
			}
			return page, nil
		},
	}
}

const redesignedPage = `<html><head>
	<meta property="og:image" content="https://shop.test/w.png">
</head><body>
	<h1 itemprop="name">Widget</h1>
	<div class="product-price">$21.50</div>
	<span class="price-label">Price</span>
	<p class="availability">In stock</p>
</body></html>`

func TestHeuristic_Generate(t *testing.T) {
	gen := NewHeuristic(pageFetcher(t, redesignedPage), nil)
	src := &model.Source{
		ID:  "src-1",
		URL: "https://shop.test/widget",
		ScrapeConfig: model.ScrapeConfig{
			Selectors: map[string][]string{
				model.FieldName:  {"h1.old-title"},
				model.FieldPrice: {"span.old-price"},
			},
		},
	}

	cfg, err := gen.Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate でエラーが発生しました: %v", err)
	}
	if cfg.ScriptType != model.ScriptTypeSelectors {
		t.Errorf("ScriptType = %q, want selectors", cfg.ScriptType)
	}
	if got := cfg.Selectors[model.FieldName]; len(got) == 0 || got[0] != "[itemprop=name]" {
		t.Errorf("name セレクタ = %v, want [itemprop=name] が先頭", got)
	}
	for _, sel := range cfg.Selectors[model.FieldPrice] {
		if sel == "span.old-price" {
			t.Error("一致しない既存セレクタは採用されないべきです")
		}
	}
	if got := cfg.Selectors[model.FieldPrice]; len(got) == 0 || got[0] != ".product-price" {
		t.Errorf("price セレクタ = %v, want .product-price が先頭", got)
	}
	if got := cfg.Selectors[model.FieldImage]; len(got) == 0 || got[0] != "meta[property='og:image']" {
		t.Errorf("image セレクタ = %v", got)
	}

	page, _ := extractor.NewPage(src.URL, []byte(redesignedPage))
	data, failure := extractor.Apply(page, cfg)
	if failure != nil {
		t.Fatalf("生成したレシピで抽出できるべきです: %v", failure)
	}
	if data.Name != "Widget" || data.Price.String() != "21.5" {
		t.Errorf("抽出結果 = %s / %s", data.Name, data.Price)
	}
}

func TestHeuristic_KeepsWorkingSelectors(t *testing.T) {
	gen := NewHeuristic(pageFetcher(t, redesignedPage), nil)
	src := &model.Source{
		URL: "https://shop.test/widget",
		ScrapeConfig: model.ScrapeConfig{
			Selectors: map[string][]string{model.FieldPrice: {"div.product-price"}},
		},
	}

	cfg, err := gen.Generate(context.Background(), src)
	if err != nil {
		t.Fatalf("Generate でエラーが発生しました: %v", err)
	}
	if got := cfg.Selectors[model.FieldPrice]; got[0] != "div.product-price" {
		t.Errorf("price セレクタ = %v, want 既存セレクタが先頭", got)
	}
}

func TestHeuristic_NoPrice(t *testing.T) {
	gen := NewHeuristic(pageFetcher(t, `<html><body><h1>Only a heading</h1></body></html>`), nil)

	_, err := gen.Generate(context.Background(), &model.Source{URL: "https://shop.test/x"})
	if !errors.Is(err, ErrNoRecipe) {
		t.Errorf("エラー = %v, want ErrNoRecipe", err)
	}
}

func TestHeuristic_FetchFailure(t *testing.T) {
	gen := NewHeuristic(&mockFetcher{
		fetchFn: func(context.Context, string) (*extractor.Page, *model.ExtractionFailure) {
			return nil, &model.ExtractionFailure{Type: model.FailureBlocked, Message: "HTTPステータス 403"}
		},
	}, nil)

	_, err := gen.Generate(context.Background(), &model.Source{URL: "https://shop.test/x"})
	var failure *model.ExtractionFailure
	if !errors.As(err, &failure) || failure.Type != model.FailureBlocked {
		t.Errorf("エラー = %v, want blocked の ExtractionFailure", err)
	}
}
