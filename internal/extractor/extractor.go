// Package extractor は商品ページを取得し、抽出レシピに従って商品データを取り出す。
// 失敗はすべてmodel.FailureTypeで分類された結果として返し、エラーにはしない。
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
)

// Target は抽出対象のページとレシピ。
type Target struct {
	URL    string
	Config model.ScrapeConfig
}

// Extractor は抽出処理のインターフェース。
type Extractor interface {
	Extract(ctx context.Context, target Target) model.ScrapingResult
}

// GenericSelectors はレシピ未設定のフィールドに使う汎用セレクタ候補。
// 優先順に並べる。
var GenericSelectors = map[string][]string{
	model.FieldName: {
		"[itemprop=name]",
		"h1.product-title",
		"h1.product_title",
		"#productTitle",
		"h1",
	},
	model.FieldPrice: {
		"[itemprop=price]@content",
		"[itemprop=price]",
		"[data-price]@data-price",
		".price-current",
		".product-price",
		".price .amount",
		".price",
		"[class*=price]",
	},
	model.FieldCurrency: {
		"[itemprop=priceCurrency]@content",
		"[itemprop=priceCurrency]",
	},
	model.FieldOriginalPrice: {
		".price del",
		".was-price",
		".original-price",
		"s.price",
	},
	model.FieldInStock: {
		"[itemprop=availability]@href",
		"[itemprop=availability]@content",
		".stock",
		".availability",
		"#availability",
	},
	model.FieldImage: {
		"[itemprop=image]@src",
		"[itemprop=image]@content",
		"img#landingImage@src",
		".product-image img@src",
	},
	model.FieldDescription: {
		"[itemprop=description]",
		"#productDescription",
		".product-description",
	},
}

// outOfStockMarkers は在庫切れを示す表記。
var outOfStockMarkers = []string{
	"out of stock",
	"outofstock",
	"sold out",
	"soldout",
	"unavailable",
	"discontinued",
	"在庫切れ",
	"売り切れ",
	"品切れ",
}

// Options はHTTPExtractorの設定。ゼロ値の項目は既定値を使用する。
type Options struct {
	// Client は取得に使うHTTPクライアント。nilの場合はSSRF防止付きクライアントを生成する。
	Client *http.Client
	// ValidateURL は取得前の静的URL検証。nilの場合はsecurity.ValidateURL。
	ValidateURL func(string) error
	Limiter     *DomainLimiter
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
	Timeout     time.Duration
	MaxBodySize int64
	UserAgent   string
	Now         func() time.Time
}

// HTTPExtractor は静的HTMLに対してセレクタレシピを適用する抽出器。
// waitForは要素の存在確認として扱い、ページ操作（actions）は実行しない。
type HTTPExtractor struct {
	fetcher *Fetcher
	logger  *slog.Logger
	now     func() time.Time
}

var _ Extractor = (*HTTPExtractor)(nil)

// NewHTTPExtractor はHTTPExtractorを生成する。
func NewHTTPExtractor(opts Options) *HTTPExtractor {
	e := &HTTPExtractor{
		fetcher: newFetcher(opts),
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Fetch は抽出を行わずにページを取得する。レシピ生成で使用する。
func (e *HTTPExtractor) Fetch(ctx context.Context, rawURL string) (*Page, *model.ExtractionFailure) {
	return e.fetcher.Fetch(ctx, rawURL)
}

// GenericConfig は未知のサイトに使う汎用レシピを返す。
// セレクタを持たないため、全フィールドがメタデータと汎用候補から補完される。
func GenericConfig() model.ScrapeConfig {
	return model.ScrapeConfig{ScriptType: model.ScriptTypeSelectors}
}

// Extract はページを取得してレシピを適用する。
// ExtractedAtはページ取得完了時点の時刻。
func (e *HTTPExtractor) Extract(ctx context.Context, target Target) model.ScrapingResult {
	page, failure := e.fetcher.Fetch(ctx, target.URL)
	at := e.now()
	if failure != nil {
		e.logger.Debug("ページの取得に失敗しました",
			slog.String("url", target.URL),
			slog.String("failure_type", string(failure.Type)),
			slog.String("message", failure.Message),
		)
		return model.ScrapingResult{Error: failure, ExtractedAt: at}
	}

	data, failure := Apply(page, target.Config)
	if failure != nil {
		return model.ScrapingResult{Error: failure, ExtractedAt: at}
	}
	return model.ScrapingResult{Success: true, Data: data, ExtractedAt: at}
}

// Apply はレシピをパース済みページに適用する。
func Apply(page *Page, cfg model.ScrapeConfig) (*model.ProductData, *model.ExtractionFailure) {
	if cfg.WaitFor != "" && !ParseSelector(cfg.WaitFor).Exists(page.Doc) {
		return nil, &model.ExtractionFailure{
			Type:     model.FailureSelectorNotFound,
			Message:  "待機対象の要素が見つかりません",
			Selector: cfg.WaitFor,
		}
	}

	f := fields{doc: page.Doc, cfg: cfg, meta: page.meta()}

	name, failure := f.required(model.FieldName, f.meta.Name)
	if failure != nil {
		return nil, failure
	}
	priceText, failure := f.required(model.FieldPrice, f.meta.Price)
	if failure != nil {
		return nil, failure
	}
	price, err := ParsePrice(priceText)
	if err != nil {
		return nil, &model.ExtractionFailure{
			Type:    model.FailureDataValidation,
			Message: fmt.Sprintf("価格を解釈できません: %q", priceText),
		}
	}
	if price.IsNegative() {
		return nil, &model.ExtractionFailure{
			Type:    model.FailureDataValidation,
			Message: fmt.Sprintf("価格が負の値です: %s", price.String()),
		}
	}

	data := &model.ProductData{
		Name:        name,
		Price:       price,
		Currency:    f.currency(priceText),
		InStock:     f.inStock(),
		ImageURL:    resolveURL(page.URL, f.optional(model.FieldImage, f.meta.Image)),
		Description: f.optional(model.FieldDescription, f.meta.Description),
		Category:    f.optional(model.FieldCategory, f.meta.Category),
		ExternalID:  f.optional(model.FieldExternalID, f.meta.SKU),
		ProductURL:  resolveURL(page.URL, f.meta.URL),
	}
	if data.ProductURL == "" {
		data.ProductURL = page.URL
	}
	if text := f.optional(model.FieldOriginalPrice, f.meta.OriginalPrice); text != "" {
		if original, err := ParsePrice(text); err == nil && !original.IsNegative() {
			data.OriginalPrice = &original
		}
	}
	return data, nil
}

// fields はフィールドごとのセレクタ適用とフォールバックを扱う。
type fields struct {
	doc  *goquery.Document
	cfg  model.ScrapeConfig
	meta pageMeta
}

// required は必須フィールドを取り出す。
// セレクタが設定されていて一致しない場合はselector_not_foundとする。
func (f fields) required(field, fallback string) (string, *model.ExtractionFailure) {
	if f.cfg.HasSelectors(field) {
		if v, ok := firstMatch(f.doc, f.cfg.Selectors[field]); ok {
			return v, nil
		}
		return "", &model.ExtractionFailure{
			Type:     model.FailureSelectorNotFound,
			Message:  fmt.Sprintf("%s のセレクタに一致する要素がありません", field),
			Selector: strings.Join(f.cfg.Selectors[field], ", "),
		}
	}
	if v := strings.TrimSpace(fallback); v != "" {
		return v, nil
	}
	if v, ok := firstMatch(f.doc, GenericSelectors[field]); ok {
		return v, nil
	}
	return "", &model.ExtractionFailure{
		Type:    model.FailureSelectorNotFound,
		Message: fmt.Sprintf("%s を抽出できませんでした", field),
	}
}

// optional は任意フィールドを取り出す。見つからない場合は空文字。
func (f fields) optional(field, fallback string) string {
	if f.cfg.HasSelectors(field) {
		v, _ := firstMatch(f.doc, f.cfg.Selectors[field])
		return v
	}
	if v := strings.TrimSpace(fallback); v != "" {
		return v
	}
	v, _ := firstMatch(f.doc, GenericSelectors[field])
	return v
}

func (f fields) currency(priceText string) string {
	if v := f.optional(model.FieldCurrency, f.meta.Currency); v != "" {
		if code := DetectCurrency(v); code != "" {
			return code
		}
		if len(v) == 3 {
			return strings.ToUpper(v)
		}
	}
	return DetectCurrency(priceText)
}

// inStock は在庫の有無を判定する。判定材料がない場合は在庫ありとみなす。
func (f fields) inStock() bool {
	text := f.optional(model.FieldInStock, f.meta.Availability)
	if text == "" {
		return true
	}
	if v, ok := availabilityInStock(text); ok {
		return v
	}
	lower := strings.ToLower(text)
	for _, marker := range outOfStockMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
