// Package ledger は追記専用の価格履歴を管理する。
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/repository"
)

const (
	// DefaultHistoryLimit はHistoryのlimit省略時の件数。
	DefaultHistoryLimit = 20
	// MaxHistoryLimit はHistoryで指定できる最大件数。
	MaxHistoryLimit = 500
)

// Ledger は価格観測を追記し、履歴と最新価格を返す。
type Ledger struct {
	prices   repository.PriceRepository
	products repository.ProductRepository
	sources  repository.SourceRepository
	ids      idgen.Generator
	metrics  metrics.MetricsCollector
}

// New はLedgerを生成する。
func New(prices repository.PriceRepository, products repository.ProductRepository, sources repository.SourceRepository, ids idgen.Generator, m metrics.MetricsCollector) *Ledger {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Ledger{prices: prices, products: products, sources: sources, ids: ids, metrics: m}
}

// Validate は抽出データが価格レコードとして追記可能かを検証する。
// Appendのほか、カタログへの書き込み前にも呼び出される。
func Validate(data model.ProductData, scrapedAt time.Time) error {
	if data.Price.IsNegative() {
		return model.NewInvalidInputError("価格は0以上である必要があります")
	}
	if data.OriginalPrice != nil && data.OriginalPrice.IsNegative() {
		return model.NewInvalidInputError("元価格は0以上である必要があります")
	}
	if scrapedAt.IsZero() {
		return model.NewInvalidInputError("抽出時刻が設定されていません")
	}
	return nil
}

// Append は価格レコードを1件追記する。
// scrapedAtには挿入時刻ではなく抽出時刻を渡す。
func (l *Ledger) Append(ctx context.Context, productID, sourceID string, data model.ProductData, scrapedAt time.Time) (*model.Price, error) {
	if err := Validate(data, scrapedAt); err != nil {
		return nil, err
	}

	product, err := l.products.FindByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, model.NewUnknownProductError(productID)
	}
	source, err := l.sources.FindByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, model.NewUnknownSourceError(sourceID)
	}

	price := &model.Price{
		ID:        l.ids.NewID(),
		ProductID: productID,
		SourceID:  sourceID,
		Price:     data.Price.Round(model.PriceScale),
		Currency:  NormalizeCurrency(data.Currency),
		InStock:   data.InStock,
		ScrapedAt: scrapedAt,
	}
	if data.OriginalPrice != nil {
		original := data.OriginalPrice.Round(model.PriceScale)
		price.OriginalPrice = &original
	}

	if err := l.prices.Append(ctx, price); err != nil {
		return nil, fmt.Errorf("価格の追記に失敗しました: %w", err)
	}
	l.metrics.RecordPricesAppended(1)
	return price, nil
}

// History は商品の価格履歴を新しい順に返す。
// limitが0以下の場合は既定値、上限を超える場合は上限に丸める。
func (l *Ledger) History(ctx context.Context, productID string, limit int, sourceID string) ([]*model.Price, error) {
	return l.prices.History(ctx, productID, sourceID, ClampLimit(limit))
}

// Current はソースごとの最新価格を返す。
func (l *Ledger) Current(ctx context.Context, productID string) ([]*model.Price, error) {
	return l.prices.Current(ctx, productID)
}

// ClampLimit は履歴取得件数を既定値と上限の範囲に収める。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// NormalizeCurrency は通貨コードを大文字化する。空の場合はUSD。
func NormalizeCurrency(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return model.DefaultCurrency
	}
	return c
}
