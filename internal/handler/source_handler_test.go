package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// mockSourceService はSourceServiceInterfaceのモック実装。
type mockSourceService struct {
	registerFn func(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error)
	getFn      func(ctx context.Context, id string) (*model.Source, error)
	listFn     func(ctx context.Context, activeOnly bool) ([]*model.Source, error)
}

func (m *mockSourceService) Register(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, rawURL, sourceType, cfg)
	}
	return nil, nil
}

func (m *mockSourceService) Get(ctx context.Context, id string) (*model.Source, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewUnknownSourceError(id)
}

func (m *mockSourceService) List(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
	if m.listFn != nil {
		return m.listFn(ctx, activeOnly)
	}
	return nil, nil
}

func testSource(id, url string) *model.Source {
	return &model.Source{
		ID:           id,
		URL:          url,
		Domain:       "shop.test",
		SourceType:   model.SourceTypeEcommerce,
		ScrapeConfig: model.ScrapeConfig{ScriptType: model.ScriptTypeSelectors, SuccessRate: 0.7},
		IsActive:     true,
		CreatedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSourceHandler_RegisterSource_Success(t *testing.T) {
	svc := &mockSourceService{
		registerFn: func(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error) {
			if rawURL != "https://shop.test/x" {
				t.Errorf("url = %q, want %q", rawURL, "https://shop.test/x")
			}
			if sourceType != model.SourceTypeEcommerce {
				t.Errorf("sourceType = %q, want %q", sourceType, model.SourceTypeEcommerce)
			}
			if cfg == nil || cfg.Selectors[model.FieldPrice][0] != ".price" {
				t.Errorf("scrapeConfig = %+v, want price selector", cfg)
			}
			return testSource("src-1", rawURL), nil
		},
	}
	h := NewSourceHandler(svc)

	w := httptest.NewRecorder()
	h.RegisterSource(w, jsonRequest(http.MethodPost, "/sources",
		`{"url":"https://shop.test/x","sourceType":"ecommerce","scrapeConfig":{"scriptType":"selectors","selectors":{"price":[".price"]}}}`))

	assertStatus(t, w, http.StatusCreated)
	body := decodeBody(t, w)
	if body["id"] != "src-1" || body["domain"] != "shop.test" {
		t.Errorf("body = %v", body)
	}
	if body["isActive"] != true || body["needsRediscovery"] != false {
		t.Errorf("新規ソースは有効かつ再探索不要であるべきです: %v", body)
	}
	cfg := body["scrapeConfig"].(map[string]any)
	if cfg["successRate"] != 0.7 {
		t.Errorf("scrapeConfig.successRate = %v, want 0.7", cfg["successRate"])
	}
}

func TestSourceHandler_RegisterSource_MissingURL_Returns400(t *testing.T) {
	h := NewSourceHandler(&mockSourceService{
		registerFn: func(context.Context, string, model.SourceType, *model.ScrapeConfig) (*model.Source, error) {
			t.Fatal("URLがない場合は登録しないはずです")
			return nil, nil
		},
	})

	for _, body := range []string{`{}`, `{"url":"  "}`, `{"url":1}`} {
		w := httptest.NewRecorder()
		h.RegisterSource(w, jsonRequest(http.MethodPost, "/sources", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

func TestSourceHandler_RegisterSource_Duplicate_Returns409(t *testing.T) {
	h := NewSourceHandler(&mockSourceService{
		registerFn: func(ctx context.Context, rawURL string, _ model.SourceType, _ *model.ScrapeConfig) (*model.Source, error) {
			return nil, model.NewDuplicateSourceError(rawURL)
		},
	})

	w := httptest.NewRecorder()
	h.RegisterSource(w, jsonRequest(http.MethodPost, "/sources", `{"url":"https://shop.test/x"}`))

	assertStatus(t, w, http.StatusConflict)
	body := decodeBody(t, w)
	if body["code"] != model.ErrCodeDuplicateSource {
		t.Errorf("code = %v, want %q", body["code"], model.ErrCodeDuplicateSource)
	}
}

func TestSourceHandler_ListSources_ActiveFilter(t *testing.T) {
	var gotActive bool
	h := NewSourceHandler(&mockSourceService{
		listFn: func(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
			gotActive = activeOnly
			return []*model.Source{testSource("src-1", "https://shop.test/a"), testSource("src-2", "https://shop.test/b")}, nil
		},
	})

	w := httptest.NewRecorder()
	h.ListSources(w, httptest.NewRequest(http.MethodGet, "/sources?active=true", nil))

	assertStatus(t, w, http.StatusOK)
	if !gotActive {
		t.Error("active=true が渡されていません")
	}
	if got := w.Body.String(); got[0] != '[' {
		t.Errorf("一覧は配列で返すべきです: %s", got)
	}
}

func TestSourceHandler_ListSources_ByID(t *testing.T) {
	h := NewSourceHandler(&mockSourceService{
		getFn: func(ctx context.Context, id string) (*model.Source, error) {
			if id == "src-1" {
				return testSource("src-1", "https://shop.test/a"), nil
			}
			return nil, model.NewUnknownSourceError(id)
		},
	})

	w := httptest.NewRecorder()
	h.ListSources(w, httptest.NewRequest(http.MethodGet, "/sources?id=src-1", nil))
	assertStatus(t, w, http.StatusOK)
	if body := decodeBody(t, w); body["url"] != "https://shop.test/a" {
		t.Errorf("url = %v, want %q", body["url"], "https://shop.test/a")
	}

	w2 := httptest.NewRecorder()
	h.ListSources(w2, httptest.NewRequest(http.MethodGet, "/sources?id=missing", nil))
	assertStatus(t, w2, http.StatusNotFound)
}
