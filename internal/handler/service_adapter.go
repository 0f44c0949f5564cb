package handler

import (
	"context"
	"errors"

	"github.com/hitoshi/pricewatch/internal/model"
)

const (
	// DefaultProductLimit は商品一覧のlimit省略時の件数。
	DefaultProductLimit = 20
	// MaxProductLimit は商品一覧で指定できる最大件数。
	MaxProductLimit = 200
	// productPriceHistoryLimit は商品詳細に含める価格履歴の件数。
	productPriceHistoryLimit = 10
)

// ProductReader は商品カタログの参照インターフェース。catalog.Catalogが実装する。
type ProductReader interface {
	Get(ctx context.Context, id string) (*model.Product, error)
	List(ctx context.Context, limit int) ([]*model.Product, error)
	Sources(ctx context.Context, productID string) ([]*model.ProductSource, error)
}

// PriceReader は価格台帳の参照インターフェース。ledger.Ledgerが実装する。
type PriceReader interface {
	History(ctx context.Context, productID string, limit int, sourceID string) ([]*model.Price, error)
	Current(ctx context.Context, productID string) ([]*model.Price, error)
}

// SourceGetter はソースの単一取得インターフェース。registry.Registryが実装する。
type SourceGetter interface {
	Get(ctx context.Context, id string) (*model.Source, error)
}

// ProductServiceAdapter は商品カタログ・価格台帳・ソースレジストリを
// ProductServiceInterface に適合させるアダプタ。
type ProductServiceAdapter struct {
	products ProductReader
	prices   PriceReader
	sources  SourceGetter
}

// NewProductServiceAdapter はProductServiceAdapterを生成する。
func NewProductServiceAdapter(products ProductReader, prices PriceReader, sources SourceGetter) *ProductServiceAdapter {
	return &ProductServiceAdapter{
		products: products,
		prices:   prices,
		sources:  sources,
	}
}

// Detail は商品に最新の価格履歴、ソース別最新価格、対応ソースを付与して返す。
func (a *ProductServiceAdapter) Detail(ctx context.Context, productID string) (*productDetailResponse, error) {
	product, err := a.products.Get(ctx, productID)
	if err != nil {
		return nil, err
	}

	history, err := a.prices.History(ctx, product.ID, productPriceHistoryLimit, "")
	if err != nil {
		return nil, err
	}
	current, err := a.prices.Current(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	links, err := a.products.Sources(ctx, product.ID)
	if err != nil {
		return nil, err
	}

	lookup := a.sourceLookup(ctx)
	detail := &productDetailResponse{
		productResponse: toProductResponse(product),
		Prices:          make([]priceResponse, 0, len(history)),
		CurrentPrices:   make([]priceResponse, 0, len(current)),
		Sources:         make([]productSourceResponse, 0, len(links)),
	}
	for _, p := range history {
		resp, err := toPriceResponse(p, lookup)
		if err != nil {
			return nil, err
		}
		detail.Prices = append(detail.Prices, resp)
	}
	for _, p := range current {
		resp, err := toPriceResponse(p, lookup)
		if err != nil {
			return nil, err
		}
		detail.CurrentPrices = append(detail.CurrentPrices, resp)
	}
	for _, link := range links {
		detail.Sources = append(detail.Sources, productSourceResponse{
			ID:         link.ID,
			SourceID:   link.SourceID,
			ExternalID: link.ExternalID,
			ProductURL: link.ProductURL,
			CreatedAt:  link.CreatedAt,
		})
	}
	return detail, nil
}

// List は商品一覧をhandlerレスポンス型で返す。
// limitが0の場合は既定値、上限を超える場合は上限に丸める。
func (a *ProductServiceAdapter) List(ctx context.Context, limit int) ([]productResponse, error) {
	switch {
	case limit <= 0:
		limit = DefaultProductLimit
	case limit > MaxProductLimit:
		limit = MaxProductLimit
	}

	products, err := a.products.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]productResponse, len(products))
	for i, p := range products {
		results[i] = toProductResponse(p)
	}
	return results, nil
}

// sourceLookup は1リクエスト内でソース概要をキャッシュする参照関数を返す。
// 削除済みなどで見つからないソースはnilとして扱う。
func (a *ProductServiceAdapter) sourceLookup(ctx context.Context) func(id string) (*priceSourceResponse, error) {
	cache := make(map[string]*priceSourceResponse)
	return func(id string) (*priceSourceResponse, error) {
		if s, ok := cache[id]; ok {
			return s, nil
		}
		src, err := a.sources.Get(ctx, id)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeUnknownSource {
				cache[id] = nil
				return nil, nil
			}
			return nil, err
		}
		s := &priceSourceResponse{ID: src.ID, URL: src.URL, Domain: src.Domain}
		cache[id] = s
		return s, nil
	}
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		Category:    p.Category,
		Metadata:    p.Metadata,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toPriceResponse(p *model.Price, lookup func(id string) (*priceSourceResponse, error)) (priceResponse, error) {
	src, err := lookup(p.SourceID)
	if err != nil {
		return priceResponse{}, err
	}
	resp := priceResponse{
		ID:        p.ID,
		SourceID:  p.SourceID,
		Source:    src,
		Price:     p.Price.StringFixed(model.PriceScale),
		Currency:  p.Currency,
		InStock:   p.InStock,
		ScrapedAt: p.ScrapedAt,
	}
	if p.OriginalPrice != nil {
		s := p.OriginalPrice.StringFixed(model.PriceScale)
		resp.OriginalPrice = &s
	}
	return resp, nil
}
