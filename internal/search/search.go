// Package search は探索ジョブの候補URLを外部の検索結果フィードから取得する。
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/pricewatch/internal/security"
)

// QueryPlaceholder はフィードURLテンプレート内の検索語の置換位置。
const QueryPlaceholder = "{query}"

// DefaultMaxFeedSize は検索結果フィードの既定の最大サイズ（2MB）。
const DefaultMaxFeedSize int64 = 2 << 20

// ErrNotConfigured は検索フィードURLが設定されていない場合に返される。
var ErrNotConfigured = errors.New("search feed URL is not configured")

// Candidate は検索で得られた商品ページ候補。
type Candidate struct {
	URL     string
	Title   string
	Snippet string
	Domain  string
}

// Provider は検索語から候補URLを返すインターフェース。
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// Sanitizer はタイトル・抜粋の無害化インターフェース。
type Sanitizer interface {
	Sanitize(raw string) string
}

// RSSProvider はRSS/Atomを返す検索エンドポイントを利用するProvider。
// テンプレートの{query}をURLエンコード済みの検索語で置き換えて取得する。
type RSSProvider struct {
	template    string
	client      *http.Client
	validateURL func(string) error
	sanitizer   Sanitizer
	logger      *slog.Logger
	maxSize     int64
}

var _ Provider = (*RSSProvider)(nil)

// NewRSSProvider はRSSProviderを生成する。
// clientがnilの場合はSSRF防止付きクライアントを使用する。
func NewRSSProvider(template string, client *http.Client, sanitizer Sanitizer, logger *slog.Logger) *RSSProvider {
	if client == nil {
		client = security.NewFetchGuard("").Client(15 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RSSProvider{
		template:    template,
		client:      client,
		validateURL: security.ValidateURL,
		sanitizer:   sanitizer,
		logger:      logger,
		maxSize:     DefaultMaxFeedSize,
	}
}

// WithURLValidator は候補URLと取得先の静的検証関数を差し替える。
func (p *RSSProvider) WithURLValidator(fn func(string) error) *RSSProvider {
	p.validateURL = fn
	return p
}

// FeedURL は検索語を埋め込んだ取得先URLを返す。
func (p *RSSProvider) FeedURL(query string) string {
	escaped := url.QueryEscape(query)
	if strings.Contains(p.template, QueryPlaceholder) {
		return strings.ReplaceAll(p.template, QueryPlaceholder, escaped)
	}
	sep := "?"
	if strings.Contains(p.template, "?") {
		sep = "&"
	}
	return p.template + sep + "q=" + escaped
}

// Search は検索結果フィードを取得し、重複と安全でないURLを除いた候補を最大limit件返す。
func (p *RSSProvider) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if p.template == "" {
		return nil, ErrNotConfigured
	}
	feedURL := p.FeedURL(query)
	if err := p.validateURL(feedURL); err != nil {
		return nil, fmt.Errorf("検索フィードURLの検証に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("検索フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("検索フィードがHTTPステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize))
	if err != nil {
		return nil, fmt.Errorf("検索フィードの読み取りに失敗しました: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("検索フィードのパースに失敗しました: %w", err)
	}

	candidates := p.convert(feed.Items, limit)
	p.logger.Info("search feed fetched",
		slog.String("query", query),
		slog.Int("items", len(feed.Items)),
		slog.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

func (p *RSSProvider) convert(items []*gofeed.Item, limit int) []Candidate {
	seen := make(map[string]struct{}, len(items))
	candidates := make([]Candidate, 0, len(items))

	for _, item := range items {
		if limit > 0 && len(candidates) >= limit {
			break
		}
		if item == nil {
			continue
		}
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}
		if link == "" {
			continue
		}
		if err := p.validateURL(link); err != nil {
			p.logger.Debug("skipping unsafe candidate",
				slog.String("url", link),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		candidates = append(candidates, Candidate{
			URL:     link,
			Title:   p.clean(item.Title),
			Snippet: p.clean(item.Description),
			Domain:  Domain(link),
		})
	}
	return candidates
}

func (p *RSSProvider) clean(s string) string {
	if p.sanitizer == nil {
		return strings.TrimSpace(s)
	}
	return p.sanitizer.Sanitize(s)
}

// Domain はURLのホスト名を小文字化し、先頭のwww.を除いて返す。
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Static は固定の候補を返すProvider。検索フィードを設定しない環境で使用する。
type Static struct {
	Candidates []Candidate
	Err        error
}

// Search は保持している候補を最大limit件返す。
func (s Static) Search(_ context.Context, _ string, limit int) ([]Candidate, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if limit > 0 && len(s.Candidates) > limit {
		return append([]Candidate(nil), s.Candidates[:limit]...), nil
	}
	return append([]Candidate(nil), s.Candidates...), nil
}
