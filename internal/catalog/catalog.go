// Package catalog は商品とソース対応関係を管理する。
// 同一商品の判定は名前トークンのJaccard係数とカテゴリで決定的に行う。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/lock"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/repository"
)

// DefaultCandidateLimit は照合対象として読み込む候補商品の上限。
const DefaultCandidateLimit = 500

// Sanitizer は保存前のテキストを無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Catalog は商品のアップサートと参照を提供する。
type Catalog struct {
	products  repository.ProductRepository
	links     repository.ProductSourceRepository
	locks     lock.Table
	ids       idgen.Generator
	sanitizer Sanitizer
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

// New はCatalogを生成する。thresholdが0以下の場合は既定値を使用する。
func New(products repository.ProductRepository, links repository.ProductSourceRepository, locks lock.Table, ids idgen.Generator, sanitizer Sanitizer, threshold float64, logger *slog.Logger) *Catalog {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		products:  products,
		links:     links,
		locks:     locks,
		ids:       ids,
		sanitizer: sanitizer,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Upsert は抽出データを既存商品に対応付けるか、新しい商品を作成する。
// (sourceID, externalID) の対応が既にあればその商品を更新し、
// なければ名前とカテゴリで照合する。いずれの場合もソースとの対応関係を保証する。
func (c *Catalog) Upsert(ctx context.Context, data model.ProductData, sourceID, externalID string) (*model.Product, error) {
	fields := c.clean(data)
	if fields.Name == "" {
		return nil, model.NewInvalidInputError("商品名が空です")
	}

	token, err := c.locks.Acquire(ctx, lock.CatalogKey)
	if err != nil {
		return nil, fmt.Errorf("カタログロックの取得に失敗しました: %w", err)
	}
	defer func() {
		if err := c.locks.Release(context.WithoutCancel(ctx), token); err != nil {
			c.logger.Error("failed to release catalog lock", slog.String("error", err.Error()))
		}
	}()

	product, err := c.findByExternalID(ctx, sourceID, externalID)
	if err != nil {
		return nil, err
	}

	if product == nil {
		tokens := NameTokens(fields.Name)
		candidates, err := c.products.ListByTokens(ctx, tokens, DefaultCandidateLimit)
		if err != nil {
			return nil, fmt.Errorf("候補商品の取得に失敗しました: %w", err)
		}
		product = BestMatch(candidates, tokens, fields.Category, c.threshold)
	}

	if product == nil {
		product, err = c.create(ctx, fields)
		if err != nil {
			return nil, err
		}
	} else if err := c.merge(ctx, product, fields); err != nil {
		return nil, err
	}

	if err := c.ensureLink(ctx, product.ID, sourceID, externalID, data.ProductURL); err != nil {
		return nil, err
	}
	return product, nil
}

func (c *Catalog) clean(data model.ProductData) model.ProductData {
	data.Name = c.sanitizer.Sanitize(data.Name)
	data.Description = c.sanitizer.Sanitize(data.Description)
	data.Category = c.sanitizer.Sanitize(data.Category)
	return data
}

func (c *Catalog) findByExternalID(ctx context.Context, sourceID, externalID string) (*model.Product, error) {
	if externalID == "" {
		return nil, nil
	}
	link, err := c.links.FindBySourceAndExternalID(ctx, sourceID, externalID)
	if err != nil {
		return nil, fmt.Errorf("外部IDの照合に失敗しました: %w", err)
	}
	if link == nil {
		return nil, nil
	}
	return c.products.FindByID(ctx, link.ProductID)
}

func (c *Catalog) create(ctx context.Context, data model.ProductData) (*model.Product, error) {
	now := c.now()
	product := &model.Product{
		ID:          c.ids.NewID(),
		Name:        data.Name,
		Description: data.Description,
		ImageURL:    data.ImageURL,
		Category:    data.Category,
		Metadata:    map[string]any{},
		NameTokens:  NameTokens(data.Name),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.products.Create(ctx, product); err != nil {
		return nil, fmt.Errorf("商品の作成に失敗しました: %w", err)
	}
	c.logger.Info("product created",
		slog.String("product_id", product.ID),
		slog.String("name", product.Name),
	)
	return product, nil
}

// merge は値が抽出できた可変フィールドのみ上書きする。
func (c *Catalog) merge(ctx context.Context, product *model.Product, data model.ProductData) error {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&product.Name, data.Name)
	set(&product.Description, data.Description)
	set(&product.ImageURL, data.ImageURL)
	set(&product.Category, data.Category)
	if !changed {
		return nil
	}

	product.NameTokens = NameTokens(product.Name)
	product.UpdatedAt = c.now()
	if err := c.products.Update(ctx, product); err != nil {
		return fmt.Errorf("商品の更新に失敗しました: %w", err)
	}
	return nil
}

func (c *Catalog) ensureLink(ctx context.Context, productID, sourceID, externalID, productURL string) error {
	link, err := c.links.FindByProductAndSource(ctx, productID, sourceID)
	if err != nil {
		return fmt.Errorf("対応関係の取得に失敗しました: %w", err)
	}

	if link == nil {
		link = &model.ProductSource{
			ID:         c.ids.NewID(),
			ProductID:  productID,
			SourceID:   sourceID,
			ExternalID: externalID,
			ProductURL: productURL,
			CreatedAt:  c.now(),
		}
		err := c.links.Create(ctx, link)
		if err == nil || errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("対応関係の作成に失敗しました: %w", err)
	}

	if (externalID == "" || link.ExternalID == externalID) && (productURL == "" || link.ProductURL == productURL) {
		return nil
	}
	if externalID != "" {
		link.ExternalID = externalID
	}
	if productURL != "" {
		link.ProductURL = productURL
	}
	if err := c.links.Update(ctx, link); err != nil {
		return fmt.Errorf("対応関係の更新に失敗しました: %w", err)
	}
	return nil
}

// Get は指定IDの商品を取得する。存在しない場合はUnknownProductエラーを返す。
func (c *Catalog) Get(ctx context.Context, id string) (*model.Product, error) {
	product, err := c.products.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, model.NewUnknownProductError(id)
	}
	return product, nil
}

// List は商品を更新日時の新しい順に返す。
func (c *Catalog) List(ctx context.Context, limit int) ([]*model.Product, error) {
	return c.products.List(ctx, limit)
}

// Sources は商品に紐づくソース対応関係を返す。
func (c *Catalog) Sources(ctx context.Context, productID string) ([]*model.ProductSource, error) {
	return c.links.ListByProduct(ctx, productID)
}
