package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product はカタログ上の商品を表す。
// 自動削除はされない。Nameは空にならない。
type Product struct {
	ID          string
	Name        string
	Description string
	ImageURL    string
	Category    string
	Metadata    map[string]any
	// NameTokens はあいまい一致用に正規化した商品名トークン（ソート済み）。
	NameTokens []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProductSource は商品とソースの対応関係を表す。
// (ProductID, SourceID) は一意。
type ProductSource struct {
	ID         string
	ProductID  string
	SourceID   string
	ExternalID string
	ProductURL string
	CreatedAt  time.Time
}

// ProductData は抽出器が返す1ページ分の商品データ。
type ProductData struct {
	Name          string
	Price         decimal.Decimal
	Currency      string
	OriginalPrice *decimal.Decimal
	InStock       bool
	ImageURL      string
	Description   string
	Category      string
	ExternalID    string
	ProductURL    string
}
