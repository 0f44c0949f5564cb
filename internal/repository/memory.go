package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// MemoryStore はインメモリのリポジトリ一式を保持する。
// STORAGE_DRIVER=memory での起動とテストで使用する。
type MemoryStore struct {
	Sources        *MemorySourceRepo
	Products       *MemoryProductRepo
	ProductSources *MemoryProductSourceRepo
	Prices         *MemoryPriceRepo
	Jobs           *MemoryJobRepo
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	sources := &MemorySourceRepo{byID: make(map[string]*model.Source)}
	return &MemoryStore{
		Sources:        sources,
		Products:       &MemoryProductRepo{byID: make(map[string]*model.Product)},
		ProductSources: &MemoryProductSourceRepo{byID: make(map[string]*model.ProductSource)},
		Prices:         &MemoryPriceRepo{},
		Jobs:           &MemoryJobRepo{byID: make(map[string]*model.Job), sources: sources},
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSource(src *model.Source) *model.Source {
	c := *src
	c.LastScrapedAt = cloneTime(src.LastScrapedAt)
	c.ScrapeConfig.LastGenerated = cloneTime(src.ScrapeConfig.LastGenerated)
	if src.ScrapeConfig.Selectors != nil {
		c.ScrapeConfig.Selectors = make(map[string][]string, len(src.ScrapeConfig.Selectors))
		for k, v := range src.ScrapeConfig.Selectors {
			c.ScrapeConfig.Selectors[k] = append([]string(nil), v...)
		}
	}
	c.ScrapeConfig.Actions = append([]model.Action(nil), src.ScrapeConfig.Actions...)
	return &c
}

// MemorySourceRepo はインメモリのソースリポジトリ。
type MemorySourceRepo struct {
	mu   sync.RWMutex
	byID map[string]*model.Source
}

func (r *MemorySourceRepo) FindByID(_ context.Context, id string) (*model.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.byID[id]; ok {
		return cloneSource(src), nil
	}
	return nil, nil
}

func (r *MemorySourceRepo) FindByURL(_ context.Context, url string) (*model.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.byID {
		if src.URL == url {
			return cloneSource(src), nil
		}
	}
	return nil, nil
}

func (r *MemorySourceRepo) Create(_ context.Context, src *model.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.URL == src.URL {
			return ErrConflict
		}
	}
	if _, ok := r.byID[src.ID]; ok {
		return ErrConflict
	}
	r.byID[src.ID] = cloneSource(src)
	return nil
}

func (r *MemorySourceRepo) List(_ context.Context, activeOnly bool) ([]*model.Source, error) {
	out := r.filter(func(s *model.Source) bool { return !activeOnly || s.IsActive })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemorySourceRepo) ListForUpdate(_ context.Context) ([]*model.Source, error) {
	out := r.filter(func(s *model.Source) bool { return s.IsActive && !s.NeedsRediscovery })
	sortByStaleness(out)
	return out, nil
}

func (r *MemorySourceRepo) ListNeedingRediscovery(_ context.Context) ([]*model.Source, error) {
	out := r.filter(func(s *model.Source) bool { return s.IsActive && s.NeedsRediscovery })
	sortByStaleness(out)
	return out, nil
}

func (r *MemorySourceRepo) UpdateHealth(_ context.Context, src *model.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[src.ID]
	if !ok {
		return nil
	}
	updated := cloneSource(src)
	existing.ScrapeConfig = updated.ScrapeConfig
	existing.IsActive = updated.IsActive
	existing.NeedsRediscovery = updated.NeedsRediscovery
	existing.LastScrapedAt = updated.LastScrapedAt
	return nil
}

func (r *MemorySourceRepo) filter(keep func(*model.Source) bool) []*model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Source
	for _, src := range r.byID {
		if keep(src) {
			out = append(out, cloneSource(src))
		}
	}
	return out
}

// sortByStaleness は未取得を先頭にlast_scraped_atの古い順、同値はID昇順で並べる。
func sortByStaleness(sources []*model.Source) {
	sort.Slice(sources, func(i, j int) bool {
		a, b := sources[i].LastScrapedAt, sources[j].LastScrapedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return sources[i].ID < sources[j].ID
	})
}

// MemoryProductRepo はインメモリの商品リポジトリ。
type MemoryProductRepo struct {
	mu   sync.RWMutex
	byID map[string]*model.Product
}

func cloneProduct(p *model.Product) *model.Product {
	c := *p
	c.NameTokens = append([]string(nil), p.NameTokens...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *MemoryProductRepo) FindByID(_ context.Context, id string) (*model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[id]; ok {
		return cloneProduct(p), nil
	}
	return nil, nil
}

func (r *MemoryProductRepo) Create(_ context.Context, p *model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return ErrConflict
	}
	r.byID[p.ID] = cloneProduct(p)
	return nil
}

func (r *MemoryProductRepo) Update(_ context.Context, p *model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[p.ID]
	if !ok {
		return nil
	}
	updated := cloneProduct(p)
	updated.CreatedAt = existing.CreatedAt
	r.byID[p.ID] = updated
	return nil
}

func (r *MemoryProductRepo) List(_ context.Context, limit int) ([]*model.Product, error) {
	r.mu.RLock()
	out := make([]*model.Product, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, cloneProduct(p))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryProductRepo) ListByTokens(_ context.Context, tokens []string, limit int) ([]*model.Product, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		want[t] = struct{}{}
	}

	r.mu.RLock()
	var out []*model.Product
	for _, p := range r.byID {
		for _, t := range p.NameTokens {
			if _, ok := want[t]; ok {
				out = append(out, cloneProduct(p))
				break
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryProductSourceRepo はインメモリの商品・ソース対応リポジトリ。
type MemoryProductSourceRepo struct {
	mu   sync.RWMutex
	byID map[string]*model.ProductSource
}

func (r *MemoryProductSourceRepo) FindBySourceAndExternalID(_ context.Context, sourceID, externalID string) (*model.ProductSource, error) {
	return r.findFirst(func(l *model.ProductSource) bool {
		return l.SourceID == sourceID && l.ExternalID == externalID
	}), nil
}

func (r *MemoryProductSourceRepo) FindByProductAndSource(_ context.Context, productID, sourceID string) (*model.ProductSource, error) {
	return r.findFirst(func(l *model.ProductSource) bool {
		return l.ProductID == productID && l.SourceID == sourceID
	}), nil
}

func (r *MemoryProductSourceRepo) Create(_ context.Context, link *model.ProductSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.byID {
		if l.ProductID == link.ProductID && l.SourceID == link.SourceID {
			return ErrConflict
		}
	}
	c := *link
	r.byID[link.ID] = &c
	return nil
}

func (r *MemoryProductSourceRepo) Update(_ context.Context, link *model.ProductSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[link.ID]; ok {
		existing.ExternalID = link.ExternalID
		existing.ProductURL = link.ProductURL
	}
	return nil
}

func (r *MemoryProductSourceRepo) ListByProduct(_ context.Context, productID string) ([]*model.ProductSource, error) {
	out := r.collect(func(l *model.ProductSource) bool { return l.ProductID == productID })
	return out, nil
}

func (r *MemoryProductSourceRepo) collect(keep func(*model.ProductSource) bool) []*model.ProductSource {
	r.mu.RLock()
	var out []*model.ProductSource
	for _, l := range r.byID {
		if keep(l) {
			c := *l
			out = append(out, &c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryProductSourceRepo) findFirst(keep func(*model.ProductSource) bool) *model.ProductSource {
	if out := r.collect(keep); len(out) > 0 {
		return out[0]
	}
	return nil
}

// MemoryPriceRepo はインメモリの価格履歴リポジトリ。
type MemoryPriceRepo struct {
	mu     sync.RWMutex
	prices []model.Price
}

func (r *MemoryPriceRepo) Append(_ context.Context, p *model.Price) error {
	c := *p
	c.Price = p.Price.Round(model.PriceScale)
	if p.OriginalPrice != nil {
		v := p.OriginalPrice.Round(model.PriceScale)
		c.OriginalPrice = &v
	}
	r.mu.Lock()
	r.prices = append(r.prices, c)
	r.mu.Unlock()
	return nil
}

func (r *MemoryPriceRepo) History(_ context.Context, productID, sourceID string, limit int) ([]*model.Price, error) {
	r.mu.RLock()
	var out []*model.Price
	for i := range r.prices {
		p := r.prices[i]
		if p.ProductID != productID || (sourceID != "" && p.SourceID != sourceID) {
			continue
		}
		out = append(out, &p)
	}
	r.mu.RUnlock()

	sortPrices(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryPriceRepo) Current(ctx context.Context, productID string) ([]*model.Price, error) {
	all, _ := r.History(ctx, productID, "", 0)
	seen := make(map[string]struct{})
	var out []*model.Price
	for _, p := range all {
		if _, ok := seen[p.SourceID]; ok {
			continue
		}
		seen[p.SourceID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// sortPrices はscraped_atの降順、同時刻はsource_id、idの昇順で並べる。
func sortPrices(prices []*model.Price) {
	sort.SliceStable(prices, func(i, j int) bool {
		a, b := prices[i], prices[j]
		if !a.ScrapedAt.Equal(b.ScrapedAt) {
			return a.ScrapedAt.After(b.ScrapedAt)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.ID < b.ID
	})
}

// MemoryJobRepo はインメモリのジョブリポジトリ。
// scrape_jobs.source_idの外部キーと同様に、存在しないソースに紐づくジョブは作成できない。
type MemoryJobRepo struct {
	mu      sync.RWMutex
	byID    map[string]*model.Job
	sources *MemorySourceRepo
}

func cloneJob(job *model.Job) *model.Job {
	c := *job
	c.StartedAt = cloneTime(job.StartedAt)
	c.CompletedAt = cloneTime(job.CompletedAt)
	c.Result.Errors = append([]model.JobError(nil), job.Result.Errors...)
	return &c
}

func (r *MemoryJobRepo) Create(ctx context.Context, job *model.Job) error {
	if job.SourceID != "" && r.sources != nil {
		src, _ := r.sources.FindByID(ctx, job.SourceID)
		if src == nil {
			return ErrReferenceNotFound
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[job.ID]; ok {
		return ErrConflict
	}
	r.byID[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobRepo) FindByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.byID[id]; ok {
		return cloneJob(job), nil
	}
	return nil, nil
}

func (r *MemoryJobRepo) Transition(_ context.Context, job *model.Job, from model.JobStatus) error {
	if err := model.ValidateJobTransition(from, job.Status); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[job.ID]
	if !ok || existing.Status != from {
		return ErrConflict
	}
	r.byID[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobRepo) List(_ context.Context, limit int) ([]*model.Job, error) {
	r.mu.RLock()
	out := make([]*model.Job, 0, len(r.byID))
	for _, job := range r.byID {
		out = append(out, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryJobRepo) FailStale(_ context.Context, cutoff time.Time, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for _, job := range r.byID {
		if job.Status != model.JobStatusRunning || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = model.JobStatusFailed
		job.CompletedAt = &now
		job.Result.Errors = append(job.Result.Errors, model.JobError{Code: model.ErrCodeInternal, Message: message})
		n++
	}
	return n, nil
}

var (
	_ SourceRepository        = (*MemorySourceRepo)(nil)
	_ ProductRepository       = (*MemoryProductRepo)(nil)
	_ ProductSourceRepository = (*MemoryProductSourceRepo)(nil)
	_ PriceRepository         = (*MemoryPriceRepo)(nil)
	_ JobRepository           = (*MemoryJobRepo)(nil)
)
