package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/pricewatch/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

const productColumns = `id, name, description, image_url, category, metadata,
		        name_tokens, created_at, updated_at`

func scanProduct(row rowScanner) (*model.Product, error) {
	p := &model.Product{}
	var description, imageURL, category sql.NullString
	var rawMetadata []byte
	var tokens pq.StringArray

	if err := row.Scan(
		&p.ID, &p.Name, &description, &imageURL, &category, &rawMetadata,
		&tokens, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Description = nullStringValue(description)
	p.ImageURL = nullStringValue(imageURL)
	p.Category = nullStringValue(category)
	p.NameTokens = []string(tokens)
	if len(rawMetadata) > 0 {
		if err := json.Unmarshal(rawMetadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("metadataの解析に失敗しました: %w", err)
		}
	}
	return p, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	if !isUUID(id) {
		return nil, nil
	}
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	return p, nil
}

// Create は商品を作成する。
func (r *PostgresProductRepo) Create(ctx context.Context, p *model.Product) error {
	rawMetadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("metadataのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, description, image_url, category, metadata,
		                       name_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Name, nullString(p.Description), nullString(p.ImageURL), nullString(p.Category),
		rawMetadata, pq.Array(p.NameTokens), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("商品の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は商品の可変フィールドを更新する。
func (r *PostgresProductRepo) Update(ctx context.Context, p *model.Product) error {
	rawMetadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("metadataのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE products SET
		    name = $2, description = $3, image_url = $4, category = $5,
		    metadata = $6, name_tokens = $7, updated_at = $8
		 WHERE id = $1`,
		p.ID, p.Name, nullString(p.Description), nullString(p.ImageURL), nullString(p.Category),
		rawMetadata, pq.Array(p.NameTokens), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("商品の更新に失敗しました: %w", err)
	}
	return nil
}

// List は商品をupdated_atの新しい順に最大limit件返す。
func (r *PostgresProductRepo) List(ctx context.Context, limit int) ([]*model.Product, error) {
	return r.query(ctx, "商品一覧",
		`SELECT `+productColumns+` FROM products
		 ORDER BY updated_at DESC, id ASC
		 LIMIT $1`, limit)
}

// ListByTokens は名前トークンを1つ以上共有する商品を返す。
func (r *PostgresProductRepo) ListByTokens(ctx context.Context, tokens []string, limit int) ([]*model.Product, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return r.query(ctx, "候補商品",
		`SELECT `+productColumns+` FROM products
		 WHERE name_tokens && $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2`, pq.Array(tokens), limit)
}

func (r *PostgresProductRepo) query(ctx context.Context, label, query string, args ...any) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", label, err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", label, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", label, err)
	}
	return products, nil
}

var _ ProductRepository = (*PostgresProductRepo)(nil)
