// Package security は外部サイト取得時の安全対策と入力値の無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultUserAgent は取得リクエストに付与する既定のUser-Agent。
const DefaultUserAgent = "pricewatch/1.0 (+https://github.com/hitoshi/pricewatch)"

// DefaultMaxRedirects はリダイレクト追跡の既定上限。
const DefaultMaxRedirects = 5

// ErrTooManyRedirects はリダイレクト上限を超えた場合に返される。
var ErrTooManyRedirects = errors.New("too many redirects")

// blockedNetworks は静的検証で拒否するネットワーク範囲。
// 接続時のIP検証はsafeurlのDialerが行う。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR: %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

// FetchGuard は商品ページ・検索フィード取得用の安全なHTTPクライアントを生成する。
type FetchGuard struct {
	userAgent    string
	maxRedirects int
}

// NewFetchGuard はFetchGuardを生成する。userAgentが空の場合は既定値を使用する。
func NewFetchGuard(userAgent string) *FetchGuard {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &FetchGuard{userAgent: userAgent, maxRedirects: DefaultMaxRedirects}
}

// Client はSSRF防止付きのHTTPクライアントを返す。
// プライベート・ループバック・リンクローカル宛ての接続はDialerで拒否され、
// リダイレクト先も同じ静的検証を通過する必要がある。
func (g *FetchGuard) Client(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	client := safeurl.Client(config).Client
	client.Transport = &userAgentTransport{base: client.Transport, userAgent: g.userAgent}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= g.maxRedirects {
			return ErrTooManyRedirects
		}
		return ValidateURL(req.URL.String())
	}
	return client
}

// userAgentTransport はUser-Agentヘッダーが未設定のリクエストに既定値を付与する。
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// ValidateURL はDNS解決を伴わない静的な安全性検証を行う。
// ソース登録時と取得前に使用する。
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}
