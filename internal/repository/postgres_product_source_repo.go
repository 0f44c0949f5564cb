package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pricewatch/internal/model"
)

// PostgresProductSourceRepo はPostgreSQLを使用した商品・ソース対応リポジトリ。
type PostgresProductSourceRepo struct {
	db *sql.DB
}

// NewPostgresProductSourceRepo はPostgresProductSourceRepoを生成する。
func NewPostgresProductSourceRepo(db *sql.DB) *PostgresProductSourceRepo {
	return &PostgresProductSourceRepo{db: db}
}

const productSourceColumns = `id, product_id, source_id, external_id, product_url, created_at`

func scanProductSource(row rowScanner) (*model.ProductSource, error) {
	link := &model.ProductSource{}
	var externalID, productURL sql.NullString
	if err := row.Scan(
		&link.ID, &link.ProductID, &link.SourceID, &externalID, &productURL, &link.CreatedAt,
	); err != nil {
		return nil, err
	}
	link.ExternalID = nullStringValue(externalID)
	link.ProductURL = nullStringValue(productURL)
	return link, nil
}

// FindBySourceAndExternalID はソース固有の外部IDから対応関係を検索する。
func (r *PostgresProductSourceRepo) FindBySourceAndExternalID(ctx context.Context, sourceID, externalID string) (*model.ProductSource, error) {
	link, err := scanProductSource(r.db.QueryRowContext(ctx,
		`SELECT `+productSourceColumns+` FROM product_sources
		 WHERE source_id = $1 AND external_id = $2
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`, sourceID, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDによる対応関係の検索に失敗しました: %w", err)
	}
	return link, nil
}

// FindByProductAndSource は商品とソースの組で対応関係を検索する。
func (r *PostgresProductSourceRepo) FindByProductAndSource(ctx context.Context, productID, sourceID string) (*model.ProductSource, error) {
	link, err := scanProductSource(r.db.QueryRowContext(ctx,
		`SELECT `+productSourceColumns+` FROM product_sources
		 WHERE product_id = $1 AND source_id = $2`, productID, sourceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("対応関係の取得に失敗しました: %w", err)
	}
	return link, nil
}

// Create は対応関係を作成する。重複する場合はErrConflictを返す。
func (r *PostgresProductSourceRepo) Create(ctx context.Context, link *model.ProductSource) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO product_sources (id, product_id, source_id, external_id, product_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (product_id, source_id) DO NOTHING`,
		link.ID, link.ProductID, link.SourceID,
		nullString(link.ExternalID), nullString(link.ProductURL), link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("対応関係の作成に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Update はexternal_idとproduct_urlを更新する。
func (r *PostgresProductSourceRepo) Update(ctx context.Context, link *model.ProductSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE product_sources SET external_id = $2, product_url = $3 WHERE id = $1`,
		link.ID, nullString(link.ExternalID), nullString(link.ProductURL),
	)
	if err != nil {
		return fmt.Errorf("対応関係の更新に失敗しました: %w", err)
	}
	return nil
}

// ListByProduct は商品に紐づく対応関係を作成日時の昇順で返す。
func (r *PostgresProductSourceRepo) ListByProduct(ctx context.Context, productID string) ([]*model.ProductSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productSourceColumns+` FROM product_sources
		 WHERE product_id = $1
		 ORDER BY created_at ASC, id ASC`, productID)
	if err != nil {
		return nil, fmt.Errorf("対応関係一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var links []*model.ProductSource
	for rows.Next() {
		link, err := scanProductSource(rows)
		if err != nil {
			return nil, fmt.Errorf("対応関係の読み取りに失敗しました: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

var _ ProductSourceRepository = (*PostgresProductSourceRepo)(nil)
