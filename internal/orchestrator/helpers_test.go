package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricewatch/internal/catalog"
	"github.com/hitoshi/pricewatch/internal/extractor"
	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/ledger"
	"github.com/hitoshi/pricewatch/internal/lock"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/registry"
	"github.com/hitoshi/pricewatch/internal/repository"
	"github.com/hitoshi/pricewatch/internal/search"
	"github.com/hitoshi/pricewatch/internal/security"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// mockExtractor は呼び出しを記録するテスト用の抽出器。
type mockExtractor struct {
	extractFn func(ctx context.Context, target extractor.Target) model.ScrapingResult

	mu    sync.Mutex
	calls []extractor.Target
}

func (m *mockExtractor) Extract(ctx context.Context, target extractor.Target) model.ScrapingResult {
	m.mu.Lock()
	m.calls = append(m.calls, target)
	m.mu.Unlock()
	return m.extractFn(ctx, target)
}

func (m *mockExtractor) callURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	urls := make([]string, len(m.calls))
	for i, c := range m.calls {
		urls[i] = c.URL
	}
	return urls
}

// mockGenerator はテスト用のレシピ生成器。
type mockGenerator struct {
	generateFn func(ctx context.Context, src *model.Source) (model.ScrapeConfig, error)
}

func (m *mockGenerator) Generate(ctx context.Context, src *model.Source) (model.ScrapeConfig, error) {
	return m.generateFn(ctx, src)
}

// tickingClock は呼び出しごとに1分進む時刻を返す。
type tickingClock struct {
	mu sync.Mutex
	n  int
}

func (c *tickingClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return baseTime.Add(time.Duration(c.n) * time.Minute)
}

func widgetResult(at time.Time) model.ScrapingResult {
	return model.ScrapingResult{
		Success: true,
		Data: &model.ProductData{
			Name:     "Widget",
			Price:    decimal.RequireFromString("19.99"),
			Currency: "USD",
			InStock:  true,
		},
		ExtractedAt: at,
	}
}

// succeeding は毎回Widgetを19.99で返す抽出器を生成する。
func succeeding() *mockExtractor {
	clock := &tickingClock{}
	return &mockExtractor{
		extractFn: func(context.Context, extractor.Target) model.ScrapingResult {
			return widgetResult(clock.next())
		},
	}
}

func failing(ft model.FailureType) *mockExtractor {
	return &mockExtractor{
		extractFn: func(context.Context, extractor.Target) model.ScrapingResult {
			return model.Failed(ft, "テスト用の失敗", baseTime)
		},
	}
}

type fixture struct {
	store    *repository.MemoryStore
	registry *registry.Registry
	catalog  *catalog.Catalog
	ledger   *ledger.Ledger
	locks    *lock.MemoryTable
	orch     *Orchestrator
}

type fixtureOption func(*Deps)

func withSearch(p search.Provider) fixtureOption {
	return func(d *Deps) { d.Search = p }
}

func withRecipes(g *mockGenerator) fixtureOption {
	return func(d *Deps) { d.Recipes = g }
}

func withLocks(l lock.Table) fixtureOption {
	return func(d *Deps) { d.Locks = l }
}

// hookedLocks はロック取得の直前にbeforeを呼び出すロックテーブル。
type hookedLocks struct {
	lock.Table
	before func(key string)
}

func (h *hookedLocks) TryAcquire(ctx context.Context, key string) (lock.Token, error) {
	if h.before != nil {
		h.before(key)
	}
	return h.Table.TryAcquire(ctx, key)
}

func (h *hookedLocks) Acquire(ctx context.Context, key string) (lock.Token, error) {
	if h.before != nil {
		h.before(key)
	}
	return h.Table.Acquire(ctx, key)
}

func newFixture(t *testing.T, ext *mockExtractor, cfg Config, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore()
	ids := idgen.NewSequence("id")
	locks := lock.NewMemoryTable()

	reg := registry.New(store.Sources, ids, registry.DefaultPolicy(), nil, logger)
	cat := catalog.New(store.Products, store.ProductSources, locks, ids, security.NewTextSanitizer(), 0, logger)
	led := ledger.New(store.Prices, store.Products, store.Sources, ids, nil)

	deps := Deps{
		Jobs:      store.Jobs,
		Registry:  reg,
		Catalog:   cat,
		Ledger:    led,
		Locks:     locks,
		Extractor: ext,
		Search:    search.Static{},
		Recipes: &mockGenerator{generateFn: func(context.Context, *model.Source) (model.ScrapeConfig, error) {
			return model.ScrapeConfig{}, errors.New("not configured")
		}},
		IDs:    ids,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &fixture{
		store:    store,
		registry: reg,
		catalog:  cat,
		ledger:   led,
		locks:    locks,
		orch:     New(deps, cfg),
	}
}

func (f *fixture) register(t *testing.T, url string) *model.Source {
	t.Helper()
	src, err := f.registry.Register(context.Background(), url, model.SourceTypeEcommerce, nil)
	if err != nil {
		t.Fatalf("ソースの登録に失敗しました: %v", err)
	}
	return src
}

func (f *fixture) source(t *testing.T, id string) *model.Source {
	t.Helper()
	src, err := f.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("ソースの取得に失敗しました: %v", err)
	}
	return src
}

// prices はソースに記録された価格行を返す。
func (f *fixture) prices(t *testing.T, sourceID string) []*model.Price {
	t.Helper()
	products, err := f.catalog.List(context.Background(), 1000)
	if err != nil {
		t.Fatalf("商品一覧の取得に失敗しました: %v", err)
	}
	var out []*model.Price
	for _, p := range products {
		rows, err := f.ledger.History(context.Background(), p.ID, ledger.MaxHistoryLimit, sourceID)
		if err != nil {
			t.Fatalf("価格履歴の取得に失敗しました: %v", err)
		}
		out = append(out, rows...)
	}
	return out
}

func apiCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func hasErrorCode(job *model.Job, code string) bool {
	for _, e := range job.Result.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// productCount はカタログ上の商品数を返す。
func (f *fixture) productCount(t *testing.T) int {
	t.Helper()
	products, err := f.catalog.List(context.Background(), 1000)
	if err != nil {
		t.Fatalf("商品一覧の取得に失敗しました: %v", err)
	}
	return len(products)
}
