package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// SourceServiceInterface はソースハンドラーが必要とするサービスインターフェース。
type SourceServiceInterface interface {
	// Register はソースを登録する。
	Register(ctx context.Context, rawURL string, sourceType model.SourceType, cfg *model.ScrapeConfig) (*model.Source, error)
	// Get は指定IDのソースを取得する。
	Get(ctx context.Context, id string) (*model.Source, error)
	// List はソース一覧を返す。
	List(ctx context.Context, activeOnly bool) ([]*model.Source, error)
}

// SourceHandler はスクレイピングソース管理のHTTPハンドラー。
type SourceHandler struct {
	service SourceServiceInterface
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(service SourceServiceInterface) *SourceHandler {
	return &SourceHandler{service: service}
}

// registerSourceRequest はソース登録リクエストのボディ。
type registerSourceRequest struct {
	URL          string              `json:"url"`
	SourceType   model.SourceType    `json:"sourceType"`
	ScrapeConfig *model.ScrapeConfig `json:"scrapeConfig"`
}

// sourceResponse はソース情報のAPIレスポンス。
type sourceResponse struct {
	ID               string             `json:"id"`
	URL              string             `json:"url"`
	Domain           string             `json:"domain"`
	SourceType       model.SourceType   `json:"sourceType"`
	ScrapeConfig     model.ScrapeConfig `json:"scrapeConfig"`
	IsActive         bool               `json:"isActive"`
	NeedsRediscovery bool               `json:"needsRediscovery"`
	LastScrapedAt    *time.Time         `json:"lastScrapedAt"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// ListSources はソース一覧、またはidクエリ指定時は単一のソースを返す。
// GET /sources?id=&active=true
func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		src, err := h.service.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSourceResponse(src))
		return
	}

	activeOnly := strings.EqualFold(q.Get("active"), "true")
	sources, err := h.service.List(r.Context(), activeOnly)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sourceResponse, len(sources))
	for i, src := range sources {
		resp[i] = toSourceResponse(src)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterSource はソースを登録する。
// POST /sources
func (h *SourceHandler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	var req registerSourceRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		handleServiceError(w, model.NewInvalidInputError("url は必須です"))
		return
	}

	src, err := h.service.Register(r.Context(), req.URL, req.SourceType, req.ScrapeConfig)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSourceResponse(src))
}

func toSourceResponse(src *model.Source) sourceResponse {
	return sourceResponse{
		ID:               src.ID,
		URL:              src.URL,
		Domain:           src.Domain,
		SourceType:       src.SourceType,
		ScrapeConfig:     src.ScrapeConfig,
		IsActive:         src.IsActive,
		NeedsRediscovery: src.NeedsRediscovery,
		LastScrapedAt:    src.LastScrapedAt,
		CreatedAt:        src.CreatedAt,
	}
}
