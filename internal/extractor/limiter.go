package extractor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DomainLimiter はドメインごとの取得レートを制限する。
// 同一サイトへ短時間に集中してリクエストしないようにする。
type DomainLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter はDomainLimiterを生成する。perSecondが0以下の場合は制限しない。
func NewDomainLimiter(perSecond float64, burst int) *DomainLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &DomainLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait はドメインのトークンが得られるまで待機する。
func (d *DomainLimiter) Wait(ctx context.Context, domain string) error {
	return d.get(domain).Wait(ctx)
}

// Domains は管理中のドメイン数を返す。
func (d *DomainLimiter) Domains() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.limiters)
}

func (d *DomainLimiter) get(domain string) *rate.Limiter {
	d.mu.RLock()
	l, ok := d.limiters[domain]
	d.mu.RUnlock()
	if ok {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// ダブルチェック
	if l, ok := d.limiters[domain]; ok {
		return l
	}
	l = rate.NewLimiter(d.limit, d.burst)
	d.limiters[domain] = l
	return l
}
