package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/hitoshi/pricewatch/internal/metrics"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/security"
)

// DefaultMaxBodySize は読み込むレスポンスボディの既定上限（5MB）。
const DefaultMaxBodySize int64 = 5 << 20

// captchaMarkers はボット判定ページに含まれる目印。
var captchaMarkers = []string{
	"g-recaptcha",
	"h-captcha",
	"hcaptcha.com",
	"cf-challenge",
	"cf-turnstile",
	"/captcha/",
	"are you a robot",
}

// Page は取得・パース済みの商品ページ。
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Doc        *goquery.Document
}

// meta はページ埋め込みのメタデータを読み取る。
func (p *Page) meta() pageMeta {
	return readMeta(p.Body)
}

// StatusClass はHTTPステータスコードを抽出失敗の種別に分類した結果。
// 2xxの場合は空文字を返す。
func StatusClass(statusCode int) model.FailureType {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusTooManyRequests:
		return model.FailureBlocked
	default:
		return model.FailureNetworkError
	}
}

// Fetcher は安全なHTTPクライアントで商品ページを取得する。
type Fetcher struct {
	client      *http.Client
	validateURL func(string) error
	limiter     *DomainLimiter
	metrics     metrics.MetricsCollector
	maxBodySize int64
}

// Fetch はURLを取得してパースする。取得できない場合は型付きの失敗を返す。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, *model.ExtractionFailure) {
	if err := f.validateURL(rawURL); err != nil {
		return nil, &model.ExtractionFailure{Type: model.FailureBlocked, Message: fmt.Sprintf("URL検証に失敗: %s", err.Error())}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &model.ExtractionFailure{Type: model.FailureNetworkError, Message: err.Error()}
	}
	if err := f.limiter.Wait(ctx, strings.ToLower(parsed.Hostname())); err != nil {
		return nil, classifyError(ctx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &model.ExtractionFailure{Type: model.FailureNetworkError, Message: fmt.Sprintf("リクエスト作成に失敗: %s", err.Error())}
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8,ja;q=0.6")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)
	if failure := StatusClass(resp.StatusCode); failure != "" {
		return nil, &model.ExtractionFailure{Type: failure, Message: fmt.Sprintf("HTTPステータス %d", resp.StatusCode)}
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, f.maxBodySize), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &model.ExtractionFailure{Type: model.FailureDataValidation, Message: fmt.Sprintf("文字コードの判定に失敗: %s", err.Error())}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	if hasCaptcha(body) {
		return nil, &model.ExtractionFailure{Type: model.FailureCaptcha, Message: "CAPTCHAページが返されました"}
	}

	page, err := NewPage(resp.Request.URL.String(), body)
	if err != nil {
		return nil, &model.ExtractionFailure{Type: model.FailureDataValidation, Message: fmt.Sprintf("HTMLのパースに失敗: %s", err.Error())}
	}
	page.StatusCode = resp.StatusCode
	return page, nil
}

// NewPage はUTF-8のHTMLからPageを生成する。
func NewPage(pageURL string, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &Page{URL: pageURL, StatusCode: http.StatusOK, Body: body, Doc: doc}, nil
}

func hasCaptcha(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range captchaMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

// classifyError は通信エラーをtimeoutとnetwork_errorに分類する。
func classifyError(ctx context.Context, err error) *model.ExtractionFailure {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &model.ExtractionFailure{Type: model.FailureTimeout, Message: "取得がタイムアウトしました"}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &model.ExtractionFailure{Type: model.FailureTimeout, Message: "取得がタイムアウトしました"}
	case errors.Is(err, security.ErrTooManyRedirects):
		return &model.ExtractionFailure{Type: model.FailureBlocked, Message: err.Error()}
	default:
		return &model.ExtractionFailure{Type: model.FailureNetworkError, Message: err.Error()}
	}
}

// newFetcher はOptionsの未設定項目を既定値で補ってFetcherを生成する。
func newFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		client:      opts.Client,
		validateURL: opts.ValidateURL,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		maxBodySize: opts.MaxBodySize,
	}
	if f.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		f.client = security.NewFetchGuard(opts.UserAgent).Client(timeout)
	}
	if f.validateURL == nil {
		f.validateURL = security.ValidateURL
	}
	if f.limiter == nil {
		f.limiter = NewDomainLimiter(0, 1)
	}
	if f.metrics == nil {
		f.metrics = metrics.Nop{}
	}
	if f.maxBodySize <= 0 {
		f.maxBodySize = DefaultMaxBodySize
	}
	return f
}
