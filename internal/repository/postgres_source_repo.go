package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/pricewatch/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, url, domain, source_type, scrape_config, is_active,
		        needs_rediscovery, last_scraped_at, created_at`

// scanSource は1行をmodel.Sourceに読み込む。
func scanSource(row rowScanner) (*model.Source, error) {
	src := &model.Source{}
	var sourceType string
	var rawConfig []byte
	var lastScrapedAt sql.NullTime

	if err := row.Scan(
		&src.ID, &src.URL, &src.Domain, &sourceType, &rawConfig, &src.IsActive,
		&src.NeedsRediscovery, &lastScrapedAt, &src.CreatedAt,
	); err != nil {
		return nil, err
	}

	src.SourceType = model.SourceType(sourceType)
	src.LastScrapedAt = nullTimeValue(lastScrapedAt)
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &src.ScrapeConfig); err != nil {
			return nil, fmt.Errorf("scrape_configの解析に失敗しました: %w", err)
		}
	}
	return src, nil
}

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	if !isUUID(id) {
		return nil, nil
	}
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM scrape_sources WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return src, nil
}

// FindByURL はURLでソースを検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByURL(ctx context.Context, url string) (*model.Source, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM scrape_sources WHERE url = $1`, url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるソースの検索に失敗しました: %w", err)
	}
	return src, nil
}

// Create はソースを作成する。URLが登録済みの場合はErrConflictを返す。
func (r *PostgresSourceRepo) Create(ctx context.Context, src *model.Source) error {
	rawConfig, err := json.Marshal(src.ScrapeConfig)
	if err != nil {
		return fmt.Errorf("scrape_configのエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO scrape_sources (id, url, domain, source_type, scrape_config, is_active,
		                             needs_rediscovery, last_scraped_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (url) DO NOTHING`,
		src.ID, src.URL, src.Domain, string(src.SourceType), rawConfig, src.IsActive,
		src.NeedsRediscovery, nullTime(src.LastScrapedAt), src.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
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

// List はソースを作成日時の新しい順に返す。
func (r *PostgresSourceRepo) List(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM scrape_sources`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY created_at DESC, id ASC`
	return r.query(ctx, "ソース一覧", query)
}

// ListForUpdate は更新対象ソースを鮮度の古い順に返す。
func (r *PostgresSourceRepo) ListForUpdate(ctx context.Context) ([]*model.Source, error) {
	return r.query(ctx, "更新対象ソース",
		`SELECT `+sourceColumns+` FROM scrape_sources
		 WHERE is_active = TRUE AND needs_rediscovery = FALSE
		 ORDER BY last_scraped_at ASC NULLS FIRST, id ASC`)
}

// ListNeedingRediscovery は再探索が必要な有効ソースを返す。
func (r *PostgresSourceRepo) ListNeedingRediscovery(ctx context.Context) ([]*model.Source, error) {
	return r.query(ctx, "再探索対象ソース",
		`SELECT `+sourceColumns+` FROM scrape_sources
		 WHERE needs_rediscovery = TRUE AND is_active = TRUE
		 ORDER BY last_scraped_at ASC NULLS FIRST, id ASC`)
}

// UpdateHealth は抽出レシピと健全性フラグを更新する。
func (r *PostgresSourceRepo) UpdateHealth(ctx context.Context, src *model.Source) error {
	rawConfig, err := json.Marshal(src.ScrapeConfig)
	if err != nil {
		return fmt.Errorf("scrape_configのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE scrape_sources SET
		    scrape_config = $2,
		    is_active = $3,
		    needs_rediscovery = $4,
		    last_scraped_at = $5
		 WHERE id = $1`,
		src.ID, rawConfig, src.IsActive, src.NeedsRediscovery, nullTime(src.LastScrapedAt),
	)
	if err != nil {
		return fmt.Errorf("ソース状態の更新に失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresSourceRepo) query(ctx context.Context, label, query string, args ...any) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", label, err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", label, err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", label, err)
	}
	return sources, nil
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
