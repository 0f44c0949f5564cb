package handler

import (
	"context"
	"net/http"
	"time"
)

// ProductServiceInterface は商品ハンドラーが必要とするサービスインターフェース。
type ProductServiceInterface interface {
	// Detail は商品と価格履歴・ソース別最新価格・対応ソースを返す。
	Detail(ctx context.Context, productID string) (*productDetailResponse, error)
	// List は商品一覧を返す。
	List(ctx context.Context, limit int) ([]productResponse, error)
}

// ProductHandler は商品参照のHTTPハンドラー。
type ProductHandler struct {
	service ProductServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

// productResponse は商品情報のAPIレスポンス。
type productResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	Category    string         `json:"category,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// priceSourceResponse は価格レコードに付与するソース概要。
type priceSourceResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// priceResponse は価格レコードのAPIレスポンス。価格は小数点以下2桁の文字列。
type priceResponse struct {
	ID            string               `json:"id"`
	SourceID      string               `json:"sourceId"`
	Source        *priceSourceResponse `json:"source,omitempty"`
	Price         string               `json:"price"`
	Currency      string               `json:"currency"`
	OriginalPrice *string              `json:"originalPrice,omitempty"`
	InStock       bool                 `json:"inStock"`
	ScrapedAt     time.Time            `json:"scrapedAt"`
}

// productSourceResponse は商品とソースの対応関係のAPIレスポンス。
type productSourceResponse struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"sourceId"`
	ExternalID string    `json:"externalId"`
	ProductURL string    `json:"productUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// productDetailResponse は単一商品のAPIレスポンス。
type productDetailResponse struct {
	productResponse
	Prices        []priceResponse         `json:"prices"`
	CurrentPrices []priceResponse         `json:"currentPrices"`
	Sources       []productSourceResponse `json:"sources"`
}

// ListProducts は商品一覧、またはidクエリ指定時は価格付きの単一商品を返す。
// GET /products?id=&limit=
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		detail, err := h.service.Detail(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	products, err := h.service.List(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}
