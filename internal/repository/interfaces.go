// Package repository はデータ永続化のインターフェースを定義する。
// 見つからない場合はエラーではなくnilを返す。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// ErrConflict は一意制約または状態ガードに抵触した場合に返される。
var ErrConflict = errors.New("repository: conflict")

// ErrReferenceNotFound は参照先の行が存在しない場合に返される。
var ErrReferenceNotFound = errors.New("repository: referenced row not found")

// SourceRepository はスクレイピングソースの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合や形式が不正な場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// FindByURL はURLでソースを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Source, error)

	// Create はソースを作成する。URLが登録済みの場合はErrConflictを返す。
	Create(ctx context.Context, src *model.Source) error

	// List はソースを作成日時の新しい順に返す。
	List(ctx context.Context, activeOnly bool) ([]*model.Source, error)

	// ListForUpdate は有効かつ再探索不要のソースを
	// last_scraped_atの古い順（未取得が先頭、同値はID昇順）で返す。
	ListForUpdate(ctx context.Context) ([]*model.Source, error)

	// ListNeedingRediscovery は再探索が必要な有効ソースを返す。
	ListNeedingRediscovery(ctx context.Context) ([]*model.Source, error)

	// UpdateHealth はscrape_config、is_active、needs_rediscovery、last_scraped_atを更新する。
	UpdateHealth(ctx context.Context, src *model.Source) error
}

// ProductRepository は商品の永続化インターフェース。
type ProductRepository interface {
	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Product, error)

	// Create は商品を作成する。
	Create(ctx context.Context, p *model.Product) error

	// Update は商品の可変フィールドを更新する。
	Update(ctx context.Context, p *model.Product) error

	// List は商品をupdated_atの新しい順に最大limit件返す。
	List(ctx context.Context, limit int) ([]*model.Product, error)

	// ListByTokens は名前トークンを1つ以上共有する商品を
	// created_at、IDの昇順で最大limit件返す。
	ListByTokens(ctx context.Context, tokens []string, limit int) ([]*model.Product, error)
}

// ProductSourceRepository は商品とソースの対応関係の永続化インターフェース。
type ProductSourceRepository interface {
	// FindBySourceAndExternalID はソース固有の外部IDから対応関係を検索する。
	// 見つからない場合はnilを返す。
	FindBySourceAndExternalID(ctx context.Context, sourceID, externalID string) (*model.ProductSource, error)

	// FindByProductAndSource は商品とソースの組で対応関係を検索する。
	// 見つからない場合はnilを返す。
	FindByProductAndSource(ctx context.Context, productID, sourceID string) (*model.ProductSource, error)

	// Create は対応関係を作成する。(product_id, source_id) が重複する場合はErrConflictを返す。
	Create(ctx context.Context, link *model.ProductSource) error

	// Update はexternal_idとproduct_urlを更新する。
	Update(ctx context.Context, link *model.ProductSource) error

	// ListByProduct は商品に紐づく対応関係を作成日時の昇順で返す。
	ListByProduct(ctx context.Context, productID string) ([]*model.ProductSource, error)
}

// PriceRepository は価格観測の追記専用永続化インターフェース。
type PriceRepository interface {
	// Append は価格レコードを追記する。既存レコードは変更しない。
	Append(ctx context.Context, p *model.Price) error

	// History は商品の価格履歴をscraped_atの降順で返す。
	// 同時刻はsource_id、idの昇順。sourceIDが空でなければそのソースに限定する。
	History(ctx context.Context, productID, sourceID string, limit int) ([]*model.Price, error)

	// Current はソースごとの最新価格をscraped_atの降順（同時刻はsource_id昇順）で返す。
	Current(ctx context.Context, productID string) ([]*model.Price, error)
}

// JobRepository はスクレイピングジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。SourceIDのソースが存在しない場合はErrReferenceNotFoundを返す。
	Create(ctx context.Context, job *model.Job) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Job, error)

	// Transition は現在の状態がfromである場合に限りジョブの状態・結果・時刻を更新する。
	// 状態が一致しない場合はErrConflictを返す。
	Transition(ctx context.Context, job *model.Job, from model.JobStatus) error

	// List はジョブを作成日時の新しい順に最大limit件返す。
	List(ctx context.Context, limit int) ([]*model.Job, error)

	// FailStale はstarted_atがcutoffより前のrunningジョブをfailedにし、件数を返す。
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}
