package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/pricewatch/internal/model"
)

// PostgresPriceRepo はPostgreSQLを使用した価格履歴リポジトリ。
// UPDATE/DELETEは発行しない。
type PostgresPriceRepo struct {
	db *sql.DB
}

// NewPostgresPriceRepo はPostgresPriceRepoを生成する。
func NewPostgresPriceRepo(db *sql.DB) *PostgresPriceRepo {
	return &PostgresPriceRepo{db: db}
}

const priceColumns = `id, product_id, source_id, price, currency, original_price, in_stock, scraped_at`

func scanPrice(row rowScanner) (*model.Price, error) {
	p := &model.Price{}
	var original decimal.NullDecimal
	if err := row.Scan(
		&p.ID, &p.ProductID, &p.SourceID, &p.Price, &p.Currency, &original, &p.InStock, &p.ScrapedAt,
	); err != nil {
		return nil, err
	}
	if original.Valid {
		v := original.Decimal
		p.OriginalPrice = &v
	}
	return p, nil
}

// Append は価格レコードを追記する。
func (r *PostgresPriceRepo) Append(ctx context.Context, p *model.Price) error {
	var original decimal.NullDecimal
	if p.OriginalPrice != nil {
		original = decimal.NewNullDecimal(p.OriginalPrice.Round(model.PriceScale))
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prices (id, product_id, source_id, price, currency, original_price, in_stock, scraped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ProductID, p.SourceID, p.Price.Round(model.PriceScale), p.Currency,
		original, p.InStock, p.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("価格の記録に失敗しました: %w", err)
	}
	return nil
}

// History は商品の価格履歴を新しい順に返す。
func (r *PostgresPriceRepo) History(ctx context.Context, productID, sourceID string, limit int) ([]*model.Price, error) {
	if !isUUID(productID) || (sourceID != "" && !isUUID(sourceID)) {
		return []*model.Price{}, nil
	}
	if sourceID != "" {
		return r.query(ctx, "価格履歴",
			`SELECT `+priceColumns+` FROM prices
			 WHERE product_id = $1 AND source_id = $2
			 ORDER BY scraped_at DESC, source_id ASC, id ASC
			 LIMIT $3`, productID, sourceID, limit)
	}
	return r.query(ctx, "価格履歴",
		`SELECT `+priceColumns+` FROM prices
		 WHERE product_id = $1
		 ORDER BY scraped_at DESC, source_id ASC, id ASC
		 LIMIT $2`, productID, limit)
}

// Current はソースごとの最新価格を返す。
func (r *PostgresPriceRepo) Current(ctx context.Context, productID string) ([]*model.Price, error) {
	if !isUUID(productID) {
		return []*model.Price{}, nil
	}
	return r.query(ctx, "最新価格",
		`SELECT `+priceColumns+` FROM (
		     SELECT DISTINCT ON (source_id) `+priceColumns+`
		     FROM prices
		     WHERE product_id = $1
		     ORDER BY source_id, scraped_at DESC, id DESC
		 ) latest
		 ORDER BY scraped_at DESC, source_id ASC`, productID)
}

func (r *PostgresPriceRepo) query(ctx context.Context, label, query string, args ...any) ([]*model.Price, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", label, err)
	}
	defer rows.Close()

	var prices []*model.Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", label, err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", label, err)
	}
	return prices, nil
}

var _ PriceRepository = (*PostgresPriceRepo)(nil)
