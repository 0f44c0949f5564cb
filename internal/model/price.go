package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency は通貨が抽出できなかった場合に使用する通貨コード。
const DefaultCurrency = "USD"

// PriceScale は価格の小数点以下桁数。
const PriceScale = 2

// Price は追記専用の価格観測レコード。
// ScrapedAtは挿入時刻ではなく抽出時刻を保持する。
type Price struct {
	ID            string
	ProductID     string
	SourceID      string
	Price         decimal.Decimal
	Currency      string
	OriginalPrice *decimal.Decimal
	InStock       bool
	ScrapedAt     time.Time
}
